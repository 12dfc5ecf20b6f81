package store

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type nonceEntry struct {
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// Memory is the in-process Store. A background sweeper drops expired nonces
// and counters so long-running processes stay bounded.
type Memory struct {
	mu       sync.Mutex
	nonces   map[string]map[string]nonceEntry
	counters map[string]counterEntry
	clock    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemory creates an in-process store and starts its sweeper.
func NewMemory(sweepInterval time.Duration, clock func() time.Time) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if clock == nil {
		clock = time.Now
	}
	m := &Memory{
		nonces:   make(map[string]map[string]nonceEntry),
		counters: make(map[string]counterEntry),
		clock:    clock,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

func (m *Memory) PutNonce(_ context.Context, identity, nonce string, ttl time.Duration) (bool, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, ok := m.nonces[identity]
	if !ok {
		seen = make(map[string]nonceEntry)
		m.nonces[identity] = seen
	}
	if entry, exists := seen[nonce]; exists && entry.expiresAt.After(now) {
		return false, nil
	}
	seen[nonce] = nonceEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) IncrCounter(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.counters[key]
	if !ok || !entry.expiresAt.After(now) {
		entry = counterEntry{expiresAt: now.Add(ttl)}
	}
	entry.count++
	m.counters[key] = entry
	return entry.count, nil
}

// Close stops the sweeper and waits for it to exit.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	return nil
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, seen := range m.nonces {
		for nonce, entry := range seen {
			if !entry.expiresAt.After(now) {
				delete(seen, nonce)
			}
		}
		if len(seen) == 0 {
			delete(m.nonces, identity)
		}
	}
	for key, entry := range m.counters {
		if !entry.expiresAt.After(now) {
			delete(m.counters, key)
		}
	}
}
