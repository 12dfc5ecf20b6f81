package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/gateway/store"
)

// Scope names a rate-limit dimension.
type Scope string

const (
	// ScopeIP limits by caller address. Shared egress IPs make this the
	// looser of the two limits.
	ScopeIP Scope = "ip"
	// ScopeUser limits by authenticated identity.
	ScopeUser Scope = "user"
)

// Verdict is the outcome of one rate-limit check. The check consumes one
// slot whether or not the request is ultimately allowed.
type Verdict struct {
	Scope      Scope
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimiter applies fixed-window counting per (identity, scope). Counters
// live in the shared store so every gateway process sees the same windows.
type RateLimiter struct {
	store  store.Store
	limits map[Scope]config.ScopeLimit
	clock  func() time.Time
}

// NewRateLimiter builds a limiter with independent per-scope thresholds.
func NewRateLimiter(st store.Store, ip, user config.ScopeLimit, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		store: st,
		limits: map[Scope]config.ScopeLimit{
			ScopeIP:   ip,
			ScopeUser: user,
		},
		clock: clock,
	}
}

// Check consumes one slot for the identity in the given scope and reports
// whether the request may proceed.
func (l *RateLimiter) Check(ctx context.Context, scope Scope, identity string) (Verdict, error) {
	limit, ok := l.limits[scope]
	if !ok || limit.Limit <= 0 {
		return Verdict{Scope: scope, Allowed: true}, nil
	}

	now := l.clock()
	windowStart := now.Truncate(limit.Window.Std())
	reset := windowStart.Add(limit.Window.Std())
	key := fmt.Sprintf("rate:%s:%s:%d", scope, identity, windowStart.Unix())

	count, err := l.store.IncrCounter(ctx, key, limit.Window.Std()+time.Second)
	if err != nil {
		return Verdict{Scope: scope, Allowed: true, Limit: limit.Limit, Reset: reset}, fmt.Errorf("rate counter %s: %w", scope, err)
	}

	remaining := limit.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	verdict := Verdict{
		Scope:     scope,
		Allowed:   count <= int64(limit.Limit),
		Limit:     limit.Limit,
		Remaining: remaining,
		Reset:     reset,
	}
	if !verdict.Allowed {
		verdict.RetryAfter = reset.Sub(now)
	}
	return verdict, nil
}
