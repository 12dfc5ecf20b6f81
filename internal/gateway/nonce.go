package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/quantfold/tidegate/errs"
	"github.com/quantfold/tidegate/internal/gateway/store"
)

const (
	nonceMinDigits = 13
	nonceMaxDigits = 20
)

// NonceGenerator hands out strictly increasing integer nonces derived from
// wall-clock microseconds. The bump on collision keeps bursts of requests
// inside the same microsecond monotonic.
type NonceGenerator struct {
	mu    sync.Mutex
	last  int64
	clock func() time.Time
}

// NewNonceGenerator builds a generator on the given clock.
func NewNonceGenerator(clock func() time.Time) *NonceGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &NonceGenerator{clock: clock}
}

// Next returns the next nonce.
func (g *NonceGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	nonce := g.clock().UnixMicro()
	if nonce <= g.last {
		nonce = g.last + 1
	}
	g.last = nonce
	return strconv.FormatInt(nonce, 10)
}

// Ledger enforces single use of nonces per identity. Validation is
// side-effecting: an accepted nonce is recorded immediately, so a concurrent
// duplicate loses the race at the store rather than slipping through.
type Ledger struct {
	store     store.Store
	past      time.Duration
	future    time.Duration
	retention time.Duration
	clock     func() time.Time
}

// NewLedger builds a ledger over the given store. past and future bound the
// accepted timestamp drift; retention bounds how long used nonces are kept.
func NewLedger(st store.Store, past, future, retention time.Duration, clock func() time.Time) *Ledger {
	if past <= 0 {
		past = time.Minute
	}
	if future <= 0 {
		future = 10 * time.Second
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{store: st, past: past, future: future, retention: retention, clock: clock}
}

// Validate checks and records a nonce for the identity. A nil return means
// the nonce was accepted and recorded; any non-nil return is an
// authentication failure.
func (l *Ledger) Validate(ctx context.Context, identity, nonce string) *errs.E {
	if !isDigits(nonce) || len(nonce) < nonceMinDigits || len(nonce) > nonceMaxDigits {
		return errs.New("nonce", errs.CodeAuth, errs.WithMessage("malformed nonce"))
	}

	// The leading 13 digits are a millisecond timestamp regardless of the
	// caller's overall precision.
	millis, err := strconv.ParseInt(nonce[:nonceMinDigits], 10, 64)
	if err != nil {
		return errs.New("nonce", errs.CodeAuth, errs.WithMessage("malformed nonce"))
	}
	issued := time.UnixMilli(millis)
	now := l.clock()
	if now.Sub(issued) > l.past {
		return errs.New("nonce", errs.CodeAuth, errs.WithMessage("nonce expired"))
	}
	if issued.Sub(now) > l.future {
		return errs.New("nonce", errs.CodeAuth, errs.WithMessage("nonce from the future"))
	}

	fresh, putErr := l.store.PutNonce(ctx, identity, nonce, l.retention)
	if putErr != nil {
		return errs.New("nonce", errs.CodeInternal, errs.WithMessage("nonce store unavailable"), errs.WithCause(putErr))
	}
	if !fresh {
		return errs.New("nonce", errs.CodeAuth, errs.WithMessage("nonce already used"))
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
