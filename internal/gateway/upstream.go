package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfold/tidegate/errs"
	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/observability"
	"github.com/quantfold/tidegate/internal/telemetry"
)

const (
	upstreamBodyLimit = 4 * 1024 * 1024
	// Outbound pacing toward the venue, independent of caller-facing limits.
	upstreamPaceRate  = 3
	upstreamPaceBurst = 5
)

// UpstreamResponse is the venue's uniform response envelope.
type UpstreamResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// AuthHeaders carry the signed identity of a private call.
type AuthHeaders struct {
	Key  string
	Sign string
}

// Upstream performs the actual exchange round trips. Calls are bounded by a
// per-attempt timeout and retried only for HTTP 429 and local timeouts;
// every other failure shape goes straight back to the caller.
type Upstream struct {
	baseURL    string
	client     *http.Client
	pacer      *rate.Limiter
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logger     observability.Logger
	metrics    *telemetry.Metrics
}

// NewUpstream builds the exchange client from gateway settings.
func NewUpstream(cfg config.GatewaySettings, logger observability.Logger, metrics *telemetry.Metrics) *Upstream {
	if logger == nil {
		logger = observability.Log()
	}
	return &Upstream{
		baseURL:    strings.TrimRight(cfg.UpstreamURL, "/"),
		client:     &http.Client{Timeout: cfg.UpstreamTimeout.Std() + time.Second},
		pacer:      rate.NewLimiter(rate.Limit(upstreamPaceRate), upstreamPaceBurst),
		timeout:    cfg.UpstreamTimeout.Std(),
		retries:    cfg.UpstreamRetries,
		retryDelay: cfg.RetryDelay.Std(),
		logger:     logger,
		metrics:    metrics,
	}
}

// Call performs one upstream request including the bounded retry loop.
func (u *Upstream) Call(ctx context.Context, method, path string, auth *AuthHeaders, body url.Values) (*UpstreamResponse, *errs.E) {
	var last *errs.E
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			u.logger.Warn("retrying upstream call",
				observability.F("endpoint", path),
				observability.F("attempt", attempt),
				observability.F("reason", string(last.Code)))
			select {
			case <-ctx.Done():
				return nil, last
			case <-time.After(u.retryDelay):
			}
		}

		resp, e, retryable := u.doOnce(ctx, method, path, auth, body)
		if e == nil {
			return resp, nil
		}
		last = e
		if !retryable {
			return nil, e
		}
	}
	return nil, last
}

func (u *Upstream) doOnce(ctx context.Context, method, path string, auth *AuthHeaders, body url.Values) (*UpstreamResponse, *errs.E, bool) {
	callCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	if err := u.pacer.Wait(callCtx); err != nil {
		return nil, errs.New(path, errs.CodeTimeout, errs.WithMessage("upstream call timed out"), errs.WithCause(err)), true
	}

	endpoint := u.baseURL + "/0/" + path
	var req *http.Request
	var err error
	if method == http.MethodGet {
		if encoded := body.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	} else {
		req, err = http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, strings.NewReader(body.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, errs.New(path, errs.CodeInternal, errs.WithMessage("build upstream request"), errs.WithCause(err)), false
	}
	if auth != nil {
		req.Header.Set("API-Key", auth.Key)
		req.Header.Set("API-Sign", auth.Sign)
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	u.metrics.RecordUpstreamLatency(ctx, path, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errs.New(path, errs.CodeTimeout, errs.WithMessage("upstream call timed out"), errs.WithCause(err)), true
		}
		return nil, errs.New(path, errs.CodeNetwork, errs.WithMessage("upstream unreachable"), errs.WithCause(err)), false
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, upstreamBodyLimit))
	if err != nil {
		return nil, errs.New(path, errs.CodeNetwork, errs.WithMessage("read upstream response"), errs.WithCause(err)), false
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New(path, errs.CodeRateLimited, errs.WithMessage("upstream rate limit")), true
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errs.New(path, errs.CodeUnavailable,
			errs.WithMessage("upstream unavailable"),
			errs.WithRawMessage(strings.TrimSpace(string(payload)))), false
	}

	var out UpstreamResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errs.New(path, errs.CodeUpstream,
			errs.WithMessage("malformed upstream response"),
			errs.WithCause(err)), false
	}
	if len(out.Error) > 0 {
		return nil, errs.Classify(path, out.Error[0]), false
	}
	return &out, nil, false
}

// SeedPrice fetches the last trade price for a pair through the public
// ticker endpoint. The demo generator uses it to anchor simulated walks to
// reality when possible.
func (u *Upstream) SeedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	body := url.Values{}
	body.Set("pair", pair)
	resp, e := u.Call(ctx, http.MethodGet, "public/Ticker", nil, body)
	if e != nil {
		return decimal.Zero, e
	}

	var result map[string]struct {
		Close []string `json:"c"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return decimal.Zero, err
	}
	for _, entry := range result {
		if len(entry.Close) > 0 {
			return decimal.NewFromString(entry.Close[0])
		}
	}
	return decimal.Zero, errors.New("no ticker entry for " + pair)
}
