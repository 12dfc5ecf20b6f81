package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tidegate/internal/config"
)

func testFeedSettings() config.FeedSettings {
	return config.FeedSettings{
		URL:                "wss://feed.test",
		HeartbeatInterval:  config.Duration(time.Second),
		SilenceThreshold:   config.Duration(5 * time.Second),
		ReconnectBase:      config.Duration(time.Millisecond),
		ReconnectGrowth:    2,
		MaxReconnects:      10,
		FallbackThreshold:  100,
		ReplayStagger:      config.Duration(time.Millisecond),
		DebounceWindow:     config.Duration(200 * time.Millisecond),
		SpuriousCloseGuard: config.Duration(time.Nanosecond),
		DemoTickInterval:   config.Duration(5 * time.Millisecond),
	}
}

type scriptConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []OutboundFrame
}

func newScriptConn() *scriptConn {
	return &scriptConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *scriptConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection lost")
	case data := <-c.in:
		return data, nil
	}
}

func (c *scriptConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection lost")
	default:
	}
	var frame OutboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) frames(event string) []OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OutboundFrame
	for _, frame := range c.writes {
		if frame.Event == event {
			out = append(out, frame)
		}
	}
	return out
}

type scriptTransport struct {
	mu    sync.Mutex
	dials int
	next  func(attempt int) (Conn, error)
}

func (t *scriptTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	attempt := t.dials
	next := t.next
	t.mu.Unlock()
	return next(attempt)
}

func (t *scriptTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type eventTrap struct {
	mu   sync.Mutex
	msgs []Message
}

func (e *eventTrap) handle(msg Message) {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
}

func (e *eventTrap) all() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.msgs...)
}

func (e *eventTrap) statuses() []string {
	var out []string
	for _, msg := range e.all() {
		if msg.Kind == KindConnectionStatus && msg.Connection != nil {
			out = append(out, msg.Connection.Status)
		}
	}
	return out
}

func (e *eventTrap) hasStatus(name string) bool {
	for _, status := range e.statuses() {
		if status == name {
			return true
		}
	}
	return false
}

func newTestCore(t *testing.T, settings config.FeedSettings, transport Transport) (*Core, *eventTrap) {
	t.Helper()
	core := NewCore(Options{Settings: settings, Transport: transport})
	trap := &eventTrap{}
	unsubscribe := core.Subscribe(trap.handle)
	t.Cleanup(func() {
		core.Disconnect()
		unsubscribe()
	})
	return core, trap
}

func TestCoreConnectIdempotent(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, _ := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.NoError(t, core.Connect(context.Background()))

	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)
	require.NoError(t, core.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.dialCount(), "repeat connect must not open a second socket")
}

func TestCoreLifecycleStatuses(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, trap := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return trap.hasStatus("connected")
	}, 2*time.Second, time.Millisecond)

	statuses := trap.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, "connecting", statuses[0])
}

func TestCoreDispatchesInboundFrames(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, trap := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)

	conn.in <- []byte(`{"event":"systemStatus","status":"online"}`)
	conn.in <- []byte(`[1,{"a":["100.5",0,"1"],"b":["100.1",0,"1"],"c":["100.3","0.2"],"v":["10","20"]},"ticker","XBT/USD"]`)

	require.Eventually(t, func() bool {
		for _, msg := range trap.all() {
			if msg.Kind == KindTicker && msg.Pair == "XBT/USD" {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "online", core.SystemStatus())
}

func TestCoreReconnectDelaysNonDecreasing(t *testing.T) {
	transport := &scriptTransport{next: func(int) (Conn, error) { return nil, errors.New("refused") }}
	core, trap := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, func() bool {
		count := 0
		for _, status := range trap.statuses() {
			if status == "reconnecting" {
				count++
			}
		}
		return count >= 4
	}, 5*time.Second, time.Millisecond)

	var prev int64
	seen := 0
	for _, msg := range trap.all() {
		if msg.Kind != KindConnectionStatus || msg.Connection.Status != "reconnecting" {
			continue
		}
		if seen >= 4 {
			break
		}
		assert.GreaterOrEqual(t, msg.Connection.DelayMillis, prev)
		prev = msg.Connection.DelayMillis
		seen++
	}
}

func TestCoreSpuriousCloseSkipsPolicy(t *testing.T) {
	settings := testFeedSettings()
	settings.SpuriousCloseGuard = config.Duration(500 * time.Millisecond)

	healthy := newScriptConn()
	transport := &scriptTransport{next: func(attempt int) (Conn, error) {
		if attempt == 1 {
			dead := newScriptConn()
			_ = dead.Close()
			return dead, nil
		}
		return healthy, nil
	}}
	core, trap := newTestCore(t, settings, transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)

	assert.Equal(t, 2, transport.dialCount())
	assert.False(t, trap.hasStatus("reconnecting"), "a close right after open must not charge the policy")
}

func TestCoreReplaysSubscriptionsAfterReconnect(t *testing.T) {
	settings := testFeedSettings()
	settings.SpuriousCloseGuard = config.Duration(time.Nanosecond)

	first := newScriptConn()
	second := newScriptConn()
	transport := &scriptTransport{next: func(attempt int) (Conn, error) {
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}}
	core, _ := newTestCore(t, settings, transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)

	require.True(t, core.Send(OutboundFrame{Event: "subscribe", Pairs: []string{"XBT/USD", "ETH/USD"}}))
	require.Eventually(t, func() bool {
		return len(first.frames("subscribe")) == 1
	}, 2*time.Second, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	_ = first.Close()

	require.Eventually(t, func() bool {
		return len(second.frames("subscribe")) == 2
	}, 2*time.Second, time.Millisecond)

	replayed := map[string]bool{}
	for _, frame := range second.frames("subscribe") {
		require.Len(t, frame.Pairs, 1)
		replayed[frame.Pairs[0]] = true
	}
	assert.Equal(t, map[string]bool{"XBT/USD": true, "ETH/USD": true}, replayed,
		"replayed set must equal the pre-disconnect set")
}

func TestCoreSendWhileDisconnected(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, _ := newTestCore(t, testFeedSettings(), transport)

	assert.True(t, core.Send(OutboundFrame{Event: "subscribe", Pairs: []string{"XBT/USD"}}),
		"subscriptions queue while disconnected")
	assert.False(t, core.Send(OutboundFrame{Event: "ping"}), "control frames need an open socket")
	assert.Empty(t, conn.frames("subscribe"))

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(conn.frames("subscribe")) == 1
	}, 2*time.Second, time.Millisecond, "queued subscription goes out once the socket opens")
}

func TestCoreDebouncesDuplicateSends(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, _ := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)

	require.True(t, core.Send(OutboundFrame{Event: "unsubscribe", Pairs: []string{"XBT/USD"}}))
	require.True(t, core.Send(OutboundFrame{Event: "unsubscribe", Pairs: []string{"XBT/USD"}}),
		"debounced duplicate still reports success")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.frames("unsubscribe"), 1)
}

func TestCoreFallbackAfterConsecutiveFailures(t *testing.T) {
	settings := testFeedSettings()
	settings.MaxReconnects = 2
	settings.FallbackThreshold = 3

	transport := &scriptTransport{next: func(int) (Conn, error) { return nil, errors.New("refused") }}
	core, trap := newTestCore(t, settings, transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return core.State() == StateFallbackActive
	}, 5*time.Second, time.Millisecond)

	assert.True(t, trap.hasStatus("reconnect_exhausted"))
	assert.True(t, trap.hasStatus("fallback_active"))

	// Subscribing in fallback is acknowledged and served by the generator.
	require.True(t, core.Send(OutboundFrame{Event: "subscribe", Pairs: []string{"XBT/USD"}}))
	require.Eventually(t, func() bool {
		for _, msg := range trap.all() {
			if msg.Kind == KindSubscriptionStatus && msg.Simulated && msg.Status == "subscribed" {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		for _, msg := range trap.all() {
			if msg.Kind == KindTicker && msg.Simulated && msg.Pair == "XBT/USD" {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	// Connect while in fallback stays simulated instead of dialling.
	dials := transport.dialCount()
	require.NoError(t, core.Connect(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, transport.dialCount())
}

func TestCoreDisconnectStopsDispatch(t *testing.T) {
	conn := newScriptConn()
	transport := &scriptTransport{next: func(int) (Conn, error) { return conn, nil }}
	core, trap := newTestCore(t, testFeedSettings(), transport)

	require.NoError(t, core.Connect(context.Background()))
	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)

	core.Disconnect()
	require.Equal(t, StateDisconnected, core.State())

	count := len(trap.all())
	select {
	case conn.in <- []byte(`{"event":"heartbeat"}`):
	default:
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, len(trap.all()), "no handler runs after disconnect returns")
}

func TestCoreConnectDuringRetryKeepsOneSession(t *testing.T) {
	settings := testFeedSettings()
	settings.SpuriousCloseGuard = config.Duration(time.Second)
	settings.ReconnectBase = config.Duration(200 * time.Millisecond)

	healthy := newScriptConn()
	transport := &scriptTransport{next: func(attempt int) (Conn, error) {
		if attempt == 1 {
			dead := newScriptConn()
			_ = dead.Close()
			return dead, nil
		}
		return healthy, nil
	}}
	core, _ := newTestCore(t, settings, transport)

	require.NoError(t, core.Connect(context.Background()))

	// The first socket dies inside the guard window, so the run loop sleeps
	// out the base delay before redialling. Connect calls landing in that
	// window must not start a rival session.
	for i := 0; i < 5; i++ {
		require.NoError(t, core.Connect(context.Background()))
		assert.NotEqual(t, StateDisconnected, core.State(),
			"a live session never reports disconnected")
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, core.IsConnected, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, transport.dialCount(), "one retry, no rival sessions")

	done := make(chan struct{})
	go func() {
		core.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return")
	}
	assert.Equal(t, StateDisconnected, core.State())
}
