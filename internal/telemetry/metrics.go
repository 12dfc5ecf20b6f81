package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/quantfold/tidegate"

// Metrics groups the instruments shared by the feed and gateway layers.
type Metrics struct {
	reconnects       apimetric.Int64Counter
	fallbackEntries  apimetric.Int64Counter
	feedMessages     apimetric.Int64Counter
	proxyRequests    apimetric.Int64Counter
	limitRejections  apimetric.Int64Counter
	upstreamDuration apimetric.Float64Histogram
}

// NewMetrics registers Tidegate instruments on the provided meter provider.
func NewMetrics(provider apimetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	reconnects, err := meter.Int64Counter("tidegate.feed.reconnects",
		apimetric.WithDescription("Reconnection attempts issued by the feed layer"))
	if err != nil {
		return nil, err
	}
	fallbackEntries, err := meter.Int64Counter("tidegate.feed.fallback_activations",
		apimetric.WithDescription("Transitions into simulated-data fallback mode"))
	if err != nil {
		return nil, err
	}
	feedMessages, err := meter.Int64Counter("tidegate.feed.messages",
		apimetric.WithDescription("Inbound feed messages by kind"))
	if err != nil {
		return nil, err
	}
	proxyRequests, err := meter.Int64Counter("tidegate.gateway.requests",
		apimetric.WithDescription("Proxy requests by outcome status"))
	if err != nil {
		return nil, err
	}
	limitRejections, err := meter.Int64Counter("tidegate.gateway.rate_limited",
		apimetric.WithDescription("Requests rejected by the rate limiter, by scope"))
	if err != nil {
		return nil, err
	}
	upstreamDuration, err := meter.Float64Histogram("tidegate.gateway.upstream_seconds",
		apimetric.WithDescription("Upstream call latency in seconds"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconnects:       reconnects,
		fallbackEntries:  fallbackEntries,
		feedMessages:     feedMessages,
		proxyRequests:    proxyRequests,
		limitRejections:  limitRejections,
		upstreamDuration: upstreamDuration,
	}, nil
}

// RecordReconnect counts one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, apimetric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordFallbackActivation counts one escalation into fallback mode.
func (m *Metrics) RecordFallbackActivation(ctx context.Context) {
	if m == nil {
		return
	}
	m.fallbackEntries.Add(ctx, 1)
}

// RecordFeedMessage counts one classified inbound message.
func (m *Metrics) RecordFeedMessage(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.feedMessages.Add(ctx, 1, apimetric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProxyRequest counts one proxy request by response status.
func (m *Metrics) RecordProxyRequest(ctx context.Context, status int, simulated bool) {
	if m == nil {
		return
	}
	m.proxyRequests.Add(ctx, 1, apimetric.WithAttributes(
		attribute.Int("status", status),
		attribute.Bool("simulated", simulated),
	))
}

// RecordLimitRejection counts one rate-limited request by scope.
func (m *Metrics) RecordLimitRejection(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.limitRejections.Add(ctx, 1, apimetric.WithAttributes(attribute.String("scope", scope)))
}

// RecordUpstreamLatency observes one upstream round trip.
func (m *Metrics) RecordUpstreamLatency(ctx context.Context, endpoint string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.Record(ctx, elapsed.Seconds(), apimetric.WithAttributes(attribute.String("endpoint", endpoint)))
}
