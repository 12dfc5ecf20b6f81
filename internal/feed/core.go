package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/observability"
	"github.com/quantfold/tidegate/internal/telemetry"
)

const (
	dialTimeout = 10 * time.Second
	ackDelay    = 50 * time.Millisecond
)

// SubscriptionRequest names the channel of a subscribe/unsubscribe frame.
type SubscriptionRequest struct {
	Name string `json:"name"`
}

// OutboundFrame is the wire shape of feed control messages.
type OutboundFrame struct {
	Event        string               `json:"event"`
	Pairs        []string             `json:"pair,omitempty"`
	Subscription *SubscriptionRequest `json:"subscription,omitempty"`
	ReqID        uint64               `json:"reqid,omitempty"`
}

// Options configures a Core.
type Options struct {
	Settings  config.FeedSettings
	Transport Transport
	Seeder    PriceSeeder
	Logger    observability.Logger
	Metrics   *telemetry.Metrics
	Clock     func() time.Time
}

// Core owns the feed socket lifecycle. It wires the heartbeat monitor,
// subscription registry, reconnection policy, and demo generator together
// behind one publish/subscribe surface. Credentials never enter this
// component; its only cross-component signal is the fallback-mode state.
type Core struct {
	cfg       config.FeedSettings
	transport Transport
	registry  *Registry
	policy    *Policy
	monitor   *Monitor
	demo      *DemoGenerator
	logger    observability.Logger
	metrics   *telemetry.Metrics
	clock     func() time.Time

	mu            sync.Mutex
	state         State
	conn          Conn
	connectedAt   time.Time
	systemStatus  string
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	runWG conc.WaitGroup
	reqID atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[uint64]Handler
	nextID     uint64
}

// NewCore assembles a connection core from the provided options.
func NewCore(opts Options) *Core {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewWebsocketTransport()
	}

	c := &Core{
		cfg:       opts.Settings,
		transport: transport,
		registry:  NewRegistry(opts.Settings.DebounceWindow.Std(), clock),
		policy: NewPolicy(
			opts.Settings.ReconnectBase.Std(),
			opts.Settings.ReconnectGrowth,
			opts.Settings.MaxReconnects,
			opts.Settings.FallbackThreshold,
			clock,
		),
		monitor:  NewMonitor(opts.Settings.HeartbeatInterval.Std(), opts.Settings.SilenceThreshold.Std(), clock),
		logger:   logger,
		metrics:  opts.Metrics,
		clock:    clock,
		state:    StateDisconnected,
		handlers: make(map[uint64]Handler),
	}
	c.demo = NewDemoGenerator(opts.Settings.DemoTickInterval.Std(), opts.Seeder, c.dispatch, clock)
	return c
}

// Subscribe registers a message handler and returns its removal function.
// Handlers receive every classified message: real data, simulated data, and
// locally-generated connection status events.
func (c *Core) Subscribe(handler Handler) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// Connect opens the logical connection. It is idempotent: while a session is
// already live (connecting, connected, or between retries) it returns
// immediately without opening a second socket. In fallback mode no real
// socket is dialled; a synthetic
// connected status event is emitted instead. The provided context bounds the
// session lifetime.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateFallbackActive {
		c.mu.Unlock()
		c.dispatch(Message{
			Kind:       KindConnectionStatus,
			Simulated:  true,
			Connection: &ConnectionStatus{Status: "connected"},
		})
		return nil
	}
	if c.sessionCancel != nil {
		// A session already owns the dial/retry loop. Starting another would
		// race it for the socket and orphan its cancel func.
		c.mu.Unlock()
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.sessionCtx = sessionCtx
	c.sessionCancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitStatus("connecting", Outcome{})
	c.runWG.Go(func() {
		c.run(sessionCtx)
	})
	return nil
}

// Disconnect tears the session down: it stops the heartbeat and fallback
// timers, closes the socket, and waits for every background task to exit.
// No handler is invoked after Disconnect returns.
func (c *Core) Disconnect() {
	c.mu.Lock()
	cancel := c.sessionCancel
	c.sessionCancel = nil
	c.sessionCtx = nil
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.monitor.Stop()
	c.demo.Stop()
	c.runWG.Wait()
}

// IsConnected reports whether the real socket is open.
func (c *Core) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SystemStatus returns the venue's last reported system status.
func (c *Core) SystemStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemStatus
}

// Subscriptions returns the active subscription set.
func (c *Core) Subscriptions() []Key {
	return c.registry.All()
}

// Send routes one outbound frame. Subscribe and unsubscribe intents update
// the registry and are debounced; while disconnected they are queued for
// replay, and in fallback mode they are forwarded to the demo generator with
// a synthetic acknowledgment so consumers cannot structurally distinguish
// fallback from a real venue response. Other frames require an open socket.
func (c *Core) Send(frame OutboundFrame) bool {
	switch frame.Event {
	case "subscribe":
		return c.sendSubscription(frame, OpSubscribe)
	case "unsubscribe":
		return c.sendSubscription(frame, OpUnsubscribe)
	default:
		conn, sessionCtx := c.current()
		if conn == nil {
			return false
		}
		return c.writeFrame(sessionCtx, conn, frame) == nil
	}
}

func (c *Core) sendSubscription(frame OutboundFrame, kind OpKind) bool {
	channel := "ticker"
	if frame.Subscription != nil && frame.Subscription.Name != "" {
		channel = frame.Subscription.Name
	}

	effective := make([]string, 0, len(frame.Pairs))
	for _, pair := range frame.Pairs {
		pair = normalizePair(pair)
		if pair == "" {
			continue
		}
		key := Key{Symbol: pair, Channel: channel}
		if c.registry.ShouldDebounce(key, kind) {
			continue
		}
		if kind == OpSubscribe {
			c.registry.Add(key)
		} else {
			c.registry.Remove(key)
		}
		effective = append(effective, pair)
	}
	if len(effective) == 0 {
		// Every pair was debounced: report a successful no-op.
		return true
	}

	c.mu.Lock()
	state := c.state
	conn := c.conn
	sessionCtx := c.sessionCtx
	c.mu.Unlock()

	switch state {
	case StateConnected:
		out := OutboundFrame{
			Event:        frame.Event,
			Pairs:        effective,
			Subscription: &SubscriptionRequest{Name: channel},
			ReqID:        c.reqID.Add(1),
		}
		return c.writeFrame(sessionCtx, conn, out) == nil
	case StateFallbackActive:
		for _, pair := range effective {
			if kind == OpSubscribe {
				c.demo.Track(sessionCtx, pair)
			} else {
				c.demo.Untrack(pair)
			}
		}
		c.scheduleAck(sessionCtx, effective, channel, kind)
		return true
	case StateDisconnected, StateConnecting, StateReconnecting:
		// Registry updated; the subscription is replayed on the next
		// successful connect. No frame goes out before the socket opens.
		return true
	default:
		return true
	}
}

func (c *Core) scheduleAck(ctx context.Context, pairs []string, channel string, kind OpKind) {
	if ctx == nil {
		return
	}
	status := "subscribed"
	if kind == OpUnsubscribe {
		status = "unsubscribed"
	}
	for _, pair := range pairs {
		pair := pair
		c.runWG.Go(func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ackDelay):
			}
			c.dispatch(Message{
				Kind:      KindSubscriptionStatus,
				Pair:      pair,
				Channel:   channel,
				Status:    status,
				Simulated: true,
			})
		})
	}
}

func (c *Core) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := c.transport.Dial(dialCtx, c.cfg.URL)
		cancel()
		if err != nil {
			c.logger.Warn("feed dial failed", observability.F("url", c.cfg.URL), observability.F("error", err.Error()))
			if !c.handleFailure(ctx) {
				return
			}
			continue
		}

		c.onOpen(ctx, conn)
		readErr := c.readLoop(ctx, conn)
		spurious := c.onClose(ctx, readErr)
		if ctx.Err() != nil {
			return
		}
		if spurious {
			// A close this quickly after open is treated as a transport
			// artifact, not a failure: retry without touching the policy.
			if !sleepCtx(ctx, c.cfg.ReconnectBase.Std()) {
				return
			}
			continue
		}
		if !c.handleFailure(ctx) {
			return
		}
	}
}

// handleFailure applies the reconnection policy after one failed attempt.
// It returns false when the run loop must stop (fallback engaged or the
// session was cancelled during the retry wait).
func (c *Core) handleFailure(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	out := c.policy.Failure()
	c.metrics.RecordReconnect(ctx, out.Attempt)

	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	c.emitStatus("reconnecting", out)
	if out.Exhausted {
		c.emitStatus("reconnect_exhausted", out)
	}
	if out.Fallback {
		c.enterFallback(ctx)
		return false
	}
	return sleepCtx(ctx, out.Delay)
}

func (c *Core) enterFallback(ctx context.Context) {
	c.mu.Lock()
	c.state = StateFallbackActive
	c.mu.Unlock()

	c.metrics.RecordFallbackActivation(ctx)
	c.logger.Warn("real feed unreachable, switching to simulated data",
		observability.F("consecutive_failures", c.policy.ConsecutiveFailures()))

	symbols := make([]string, 0)
	for _, key := range c.registry.All() {
		symbols = append(symbols, key.Symbol)
	}
	c.demo.Start(ctx, symbols)

	c.emitStatus("fallback_active", Outcome{ConsecutiveFailures: c.policy.ConsecutiveFailures()})
	c.dispatch(Message{
		Kind:       KindConnectionStatus,
		Simulated:  true,
		Connection: &ConnectionStatus{Status: "connected"},
	})
}

func (c *Core) onOpen(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = c.clock()
	c.mu.Unlock()

	c.policy.Success()
	c.monitor.Start(
		func() error { return c.sendPing() },
		func() { c.forceClose() },
	)
	c.runWG.Go(func() {
		c.replay(ctx)
	})
	c.emitStatus("connected", Outcome{})
	c.logger.Info("feed connected", observability.F("url", c.cfg.URL))
}

func (c *Core) onClose(ctx context.Context, err error) bool {
	c.monitor.Stop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	spurious := !c.connectedAt.IsZero() && c.clock().Sub(c.connectedAt) < c.cfg.SpuriousCloseGuard.Std()
	c.connectedAt = time.Time{}
	if ctx.Err() == nil {
		// The run loop is still alive and about to redial. Reporting
		// Disconnected here would invite a concurrent Connect to start a
		// rival session while this one owns the socket path.
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if err != nil {
		c.logger.Warn("feed connection closed", observability.F("error", err.Error()), observability.F("spurious", spurious))
	}
	c.emitStatus("disconnected", Outcome{})
	return spurious
}

func (c *Core) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.monitor.Touch()
		msg := Classify(data)
		c.metrics.RecordFeedMessage(ctx, string(msg.Kind))
		if msg.Kind == KindSystemStatus {
			c.mu.Lock()
			c.systemStatus = msg.Status
			c.mu.Unlock()
		}
		c.dispatch(msg)
	}
}

// replay re-sends a subscribe frame for every registered subscription,
// spacing the frames so the replay burst does not trip the venue's control
// message limits.
func (c *Core) replay(ctx context.Context) {
	keys := c.registry.All()
	for i, key := range keys {
		if i > 0 && !sleepCtx(ctx, c.cfg.ReplayStagger.Std()) {
			return
		}
		conn, _ := c.current()
		if conn == nil {
			return
		}
		frame := OutboundFrame{
			Event:        "subscribe",
			Pairs:        []string{key.Symbol},
			Subscription: &SubscriptionRequest{Name: key.Channel},
			ReqID:        c.reqID.Add(1),
		}
		if err := c.writeFrame(ctx, conn, frame); err != nil {
			c.logger.Warn("subscription replay failed",
				observability.F("pair", key.Symbol), observability.F("error", err.Error()))
			return
		}
	}
}

func (c *Core) sendPing() error {
	conn, ctx := c.current()
	if conn == nil {
		return nil
	}
	return c.writeFrame(ctx, conn, OutboundFrame{Event: "ping", ReqID: c.reqID.Add(1)})
}

// forceClose kills the socket so the read loop observes the failure and the
// normal reconnect path takes over.
func (c *Core) forceClose() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.logger.Warn("feed silent beyond threshold, forcing reconnect")
		_ = conn.Close()
	}
}

func (c *Core) current() (Conn, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.sessionCtx
}

func (c *Core) writeFrame(ctx context.Context, conn Conn, frame OutboundFrame) error {
	if conn == nil {
		return context.Canceled
	}
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Core) emitStatus(status string, out Outcome) {
	c.dispatch(Message{
		Kind: KindConnectionStatus,
		Connection: &ConnectionStatus{
			Status:              status,
			Attempt:             out.Attempt,
			ConsecutiveFailures: out.ConsecutiveFailures,
			DelayMillis:         out.Delay.Milliseconds(),
		},
	})
}

func (c *Core) dispatch(msg Message) {
	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	c.handlersMu.RUnlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
