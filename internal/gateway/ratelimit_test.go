package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/gateway/store"
)

func newTestLimiter(t *testing.T, ip, user config.ScopeLimit, clock func() time.Time) *RateLimiter {
	t.Helper()
	mem := store.NewMemory(time.Hour, clock)
	t.Cleanup(func() { _ = mem.Close() })
	return NewRateLimiter(mem, ip, user, clock)
}

func TestRateLimiterEnforcesLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestLimiter(t,
		config.ScopeLimit{Limit: 3, Window: config.Duration(time.Minute)},
		config.ScopeLimit{Limit: 2, Window: config.Duration(time.Minute)},
		func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := l.Check(ctx, ScopeIP, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, v.Allowed, "call %d within the limit", i+1)
		assert.Equal(t, 3-(i+1), v.Remaining)
	}

	v, err := l.Check(ctx, ScopeIP, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 0, v.Remaining)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), v.Reset)
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestLimiter(t,
		config.ScopeLimit{Limit: 10, Window: config.Duration(time.Minute)},
		config.ScopeLimit{Limit: 1, Window: config.Duration(time.Minute)},
		func() time.Time { return now })
	ctx := context.Background()

	v, err := l.Check(ctx, ScopeUser, "alice")
	require.NoError(t, err)
	require.True(t, v.Allowed)

	v, err = l.Check(ctx, ScopeUser, "alice")
	require.NoError(t, err)
	assert.False(t, v.Allowed, "user scope exhausted")

	v, err = l.Check(ctx, ScopeIP, "alice")
	require.NoError(t, err)
	assert.True(t, v.Allowed, "ip scope counts separately even for the same identity string")

	v, err = l.Check(ctx, ScopeUser, "bob")
	require.NoError(t, err)
	assert.True(t, v.Allowed, "identities do not share windows")
}

func TestRateLimiterWindowResets(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestLimiter(t,
		config.ScopeLimit{Limit: 1, Window: config.Duration(time.Minute)},
		config.ScopeLimit{Limit: 1, Window: config.Duration(time.Minute)},
		func() time.Time { return now })
	ctx := context.Background()

	v, err := l.Check(ctx, ScopeIP, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, v.Allowed)

	v, err = l.Check(ctx, ScopeIP, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, v.Allowed)

	now = now.Add(time.Minute)
	v, err = l.Check(ctx, ScopeIP, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, v.Allowed, "fresh window grants a fresh quota")
}

func TestRateLimiterNeverExceedsLimitUnderConcurrency(t *testing.T) {
	l := newTestLimiter(t,
		config.ScopeLimit{Limit: 20, Window: config.Duration(time.Minute)},
		config.ScopeLimit{Limit: 20, Window: config.Duration(time.Minute)},
		nil)
	ctx := context.Background()

	results := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			v, err := l.Check(ctx, ScopeIP, "1.2.3.4")
			results <- err == nil && v.Allowed
		}()
	}

	allowed := 0
	for i := 0; i < 100; i++ {
		if <-results {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 20)
}
