package feed

import (
	"sort"
	"sync"
	"time"
)

// Key uniquely identifies one logical subscription.
type Key struct {
	Symbol  string
	Channel string
}

// OpKind distinguishes subscribe from unsubscribe intents.
type OpKind int

const (
	// OpSubscribe requests a new subscription.
	OpSubscribe OpKind = iota
	// OpUnsubscribe tears an existing subscription down.
	OpUnsubscribe
)

type pendingOp struct {
	kind     OpKind
	issuedAt time.Time
}

// Registry tracks the set of logically-active subscriptions. It is the
// ground truth for what must be replayed after a reconnect: entries survive
// connection loss and are only removed by an explicit unsubscribe.
type Registry struct {
	mu     sync.Mutex
	active map[Key]struct{}
	recent map[Key]pendingOp
	window time.Duration
	clock  func() time.Time
}

// NewRegistry creates a registry with the given debounce window.
func NewRegistry(window time.Duration, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Registry{
		active: make(map[Key]struct{}),
		recent: make(map[Key]pendingOp),
		window: window,
		clock:  clock,
	}
}

// Add inserts the key into the active set.
func (r *Registry) Add(key Key) {
	r.mu.Lock()
	r.active[key] = struct{}{}
	r.mu.Unlock()
}

// Remove deletes the key from the active set.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

// Has reports whether the key is currently active.
func (r *Registry) Has(key Key) bool {
	r.mu.Lock()
	_, ok := r.active[key]
	r.mu.Unlock()
	return ok
}

// All returns the active keys sorted for deterministic replay.
func (r *Registry) All() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.active))
	for key := range r.active {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Channel < keys[j].Channel
	})
	return keys
}

// ShouldDebounce reports whether a repeated operation on the same key inside
// the debounce window must be suppressed. Non-suppressed operations are
// recorded as the key's most recent operation.
func (r *Registry) ShouldDebounce(key Key, kind OpKind) bool {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if op, ok := r.recent[key]; ok {
		if op.kind == kind && now.Sub(op.issuedAt) < r.window {
			return true
		}
	}
	r.recent[key] = pendingOp{kind: kind, issuedAt: now}
	return false
}
