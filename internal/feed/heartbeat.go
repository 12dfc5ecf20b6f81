package feed

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Monitor watches for silent connections. While the feed is healthy it sends
// a lightweight keep-alive on every interval; once the silence threshold is
// crossed it declares the connection dead and fires the stale callback
// instead of waiting for the transport to report closure.
type Monitor struct {
	interval time.Duration
	silence  time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	last    time.Time
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	running bool
}

// NewMonitor builds a heartbeat monitor with the given cadence.
func NewMonitor(interval, silence time.Duration, clock func() time.Time) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if silence <= 0 {
		silence = 45 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{interval: interval, silence: silence, clock: clock}
}

// Touch resets the silence clock. Any inbound message of any kind counts.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.last = m.clock()
	m.mu.Unlock()
}

// Start begins the watch loop. ping is invoked on every healthy interval,
// onStale exactly once when the silence threshold is exceeded, after which
// the loop exits. Start on a running monitor is a no-op.
func (m *Monitor) Start(ping func() error, onStale func()) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.last = m.clock()
	m.mu.Unlock()

	m.wg.Go(func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				stale := m.clock().Sub(m.last) > m.silence
				m.mu.Unlock()
				if stale {
					if onStale != nil {
						onStale()
					}
					return
				}
				if ping != nil {
					_ = ping()
				}
			}
		}
	})
}

// Stop halts the watch loop and waits for it to exit. No callback fires
// after Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}
