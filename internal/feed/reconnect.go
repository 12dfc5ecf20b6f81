package feed

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Outcome describes the policy decision taken after one connection failure.
type Outcome struct {
	Attempt             int
	ConsecutiveFailures int
	Delay               time.Duration
	Exhausted           bool
	Fallback            bool
}

// Policy computes reconnect delays and decides when to escalate to fallback
// mode. The attempt counter resets every time a ceiling is reached so retry
// cycles keep running; the consecutive-failure counter persists across
// cycles and is the only trigger for fallback. The asymmetry keeps a single
// bad network blip from flipping the feed into simulated data while still
// guaranteeing eventual degradation instead of infinite silent retrying.
type Policy struct {
	maxAttempts       int
	fallbackThreshold int

	mu            sync.Mutex
	attempt       int
	consecutive   int
	lastAttemptAt time.Time
	backoff       *backoff.ExponentialBackOff
	clock         func() time.Time
}

// NewPolicy builds a reconnection policy from the configured schedule.
func NewPolicy(base time.Duration, growth float64, maxAttempts, fallbackThreshold int, clock func() time.Time) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if growth < 1 {
		growth = 1.5
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if fallbackThreshold <= 0 {
		fallbackThreshold = 10
	}
	if clock == nil {
		clock = time.Now
	}
	return &Policy{
		maxAttempts:       maxAttempts,
		fallbackThreshold: fallbackThreshold,
		backoff:           newSchedule(base, growth),
		clock:             clock,
	}
}

// The schedule must be deterministic: callers surface the exact delay in
// status events and tests assert it is non-decreasing.
func newSchedule(base time.Duration, growth float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = growth
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.Reset()
	return b
}

// Failure records one failed connection attempt and returns the decision.
func (p *Policy) Failure() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempt++
	p.consecutive++
	p.lastAttemptAt = p.clock()

	delay := p.backoff.NextBackOff()
	if delay <= 0 || delay == backoff.Stop {
		delay = p.backoff.InitialInterval
	}

	out := Outcome{
		Attempt:             p.attempt,
		ConsecutiveFailures: p.consecutive,
		Delay:               delay,
		Fallback:            p.consecutive > p.fallbackThreshold,
	}

	if p.attempt >= p.maxAttempts {
		out.Exhausted = true
		p.attempt = 0
		p.backoff.Reset()
	}
	return out
}

// Success resets the attempt and failure counters after a healthy connection.
func (p *Policy) Success() {
	p.mu.Lock()
	p.attempt = 0
	p.consecutive = 0
	p.backoff.Reset()
	p.mu.Unlock()
}

// ConsecutiveFailures returns the failure count carried across retry cycles.
func (p *Policy) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutive
}
