// Package store provides the shared counter and nonce state behind the
// gateway's rate limiter and replay protection. Implementations must be safe
// for concurrent use; increments and first-use checks are atomic so
// concurrent requests cannot slip past a limit or replay a nonce.
package store

import (
	"context"
	"time"
)

// Store is the process-wide state shared by all in-flight requests. History
// is bounded by per-entry TTLs and discarded on restart.
type Store interface {
	// PutNonce records a nonce for an identity. It returns false when the
	// exact nonce was already recorded inside the retention window.
	PutNonce(ctx context.Context, identity, nonce string, ttl time.Duration) (bool, error)

	// IncrCounter atomically increments the named counter and returns the
	// new value. The TTL is applied when the counter is created.
	IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Close() error
}
