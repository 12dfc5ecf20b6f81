// Package gateway implements the authenticated request proxy: validation,
// rate limiting, credential resolution, request signing, and the upstream
// exchange call, executed as one pass per request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tidegate/errs"
	"github.com/quantfold/tidegate/internal/observability"
	"github.com/quantfold/tidegate/internal/telemetry"
)

// Response is the caller-facing success envelope: the upstream shape passed
// through, plus the simulation marker.
type Response struct {
	Error       []string `json:"error"`
	Result      any      `json:"result"`
	IsSimulated bool     `json:"isSimulated"`
}

// Failure is the caller-facing shape for gateway-level rejections.
type Failure struct {
	Error       []string `json:"error"`
	Timestamp   string   `json:"timestamp"`
	Fields      []string `json:"fields,omitempty"`
	Correlation string   `json:"correlationId,omitempty"`
}

// Health answers liveness probes outside rate limiting and authentication.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Outcome is what the HTTP layer renders: a status, a body, and the
// rate-limit verdicts that become response headers.
type Outcome struct {
	Status    int
	Body      any
	Simulated bool
	Verdicts  []Verdict
}

// Options wires a Gateway's collaborators.
type Options struct {
	Upstream    *Upstream
	Limiter     *RateLimiter
	Ledger      *Ledger
	Nonces      *NonceGenerator
	Credentials CredentialsService
	Logger      observability.Logger
	Metrics     *telemetry.Metrics
	Clock       func() time.Time
	Version     string
}

// Gateway executes one proxied call per Handle invocation. It keeps no
// per-request state; the nonce ledger and rate counters live in the shared
// store and tolerate concurrent callers.
type Gateway struct {
	upstream    *Upstream
	limiter     *RateLimiter
	ledger      *Ledger
	nonces      *NonceGenerator
	credentials CredentialsService
	logger      observability.Logger
	metrics     *telemetry.Metrics
	clock       func() time.Time
	version     string
}

// New builds a gateway from its collaborators.
func New(opts Options) *Gateway {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	return &Gateway{
		upstream:    opts.Upstream,
		limiter:     opts.Limiter,
		ledger:      opts.Ledger,
		nonces:      opts.Nonces,
		credentials: opts.Credentials,
		logger:      logger,
		metrics:     opts.Metrics,
		clock:       clock,
		version:     opts.Version,
	}
}

// Handle runs the full pipeline for one request: health short-circuit,
// validation, IP then user rate limits, credential resolution, nonce and
// signature, upstream call, response mapping.
func (g *Gateway) Handle(ctx context.Context, clientIP string, req *Request) Outcome {
	req.Normalize()

	if req.Path == HealthPath {
		return Outcome{Status: http.StatusOK, Body: Health{
			Status:    "ok",
			Timestamp: g.clock().UTC().Format(time.RFC3339),
			Version:   g.version,
		}}
	}

	if e := req.Validate(); e != nil {
		return g.fail(ctx, e, nil)
	}

	var verdicts []Verdict
	ipVerdict, err := g.limiter.Check(ctx, ScopeIP, clientIP)
	if err != nil {
		// A broken limiter store must not take the gateway down with it.
		g.logger.Warn("rate limit check degraded", observability.F("error", err.Error()))
	}
	verdicts = append(verdicts, ipVerdict)
	if !ipVerdict.Allowed {
		g.metrics.RecordLimitRejection(ctx, string(ScopeIP))
		return g.fail(ctx, errs.New(req.Path, errs.CodeRateLimited,
			errs.WithMessage("too many requests from this address")), verdicts)
	}

	identity := req.UserID
	if identity == "" {
		identity = clientIP
	}
	if req.IsPrivate {
		userVerdict, err := g.limiter.Check(ctx, ScopeUser, identity)
		if err != nil {
			g.logger.Warn("rate limit check degraded", observability.F("error", err.Error()))
		}
		verdicts = append(verdicts, userVerdict)
		if !userVerdict.Allowed {
			g.metrics.RecordLimitRejection(ctx, string(ScopeUser))
			return g.fail(ctx, errs.New(req.Path, errs.CodeRateLimited,
				errs.WithMessage("user request quota exceeded")), verdicts)
		}
	}

	if req.ForceDemoMode {
		return g.simulated(ctx, req, verdicts)
	}

	body, e := req.FormValues()
	if e != nil {
		return g.fail(ctx, e, verdicts)
	}

	if !req.IsPrivate {
		resp, e := g.upstream.Call(ctx, req.Method, req.Path, nil, body)
		if e != nil {
			return g.fail(ctx, e, verdicts)
		}
		return g.succeed(ctx, resp.Result, false, verdicts)
	}

	creds, err := g.credentials.Resolve(ctx, req.UserID)
	if errors.Is(err, ErrCredentialsNotFound) {
		// Availability over strictness: a missing secret degrades this one
		// call to a simulated response instead of breaking the client.
		g.logger.Info("credentials missing, serving simulated response",
			observability.F("endpoint", req.Path), observability.F("user", req.UserID))
		return g.simulated(ctx, req, verdicts)
	}
	if err != nil {
		return g.fail(ctx, errs.New(req.Path, errs.CodeAuth,
			errs.WithMessage("credential resolution failed"), errs.WithCause(err)), verdicts)
	}

	nonce := g.nonces.Next()
	body.Set("nonce", nonce)
	if e := g.ledger.Validate(ctx, identity, nonce); e != nil {
		return g.fail(ctx, e, verdicts)
	}

	signPath := "/0/" + req.Path
	signature, err := Sign(creds.Secret, signPath, nonce, body)
	if err != nil {
		return g.fail(ctx, errs.New(req.Path, errs.CodeAuth,
			errs.WithMessage("request signing failed"), errs.WithCause(err)), verdicts)
	}

	resp, e := g.upstream.Call(ctx, http.MethodPost, req.Path, &AuthHeaders{Key: creds.Key, Sign: signature}, body)
	if e != nil {
		return g.fail(ctx, e, verdicts)
	}
	return g.succeed(ctx, resp.Result, false, verdicts)
}

func (g *Gateway) succeed(ctx context.Context, result any, simulated bool, verdicts []Verdict) Outcome {
	g.metrics.RecordProxyRequest(ctx, http.StatusOK, simulated)
	return Outcome{
		Status:    http.StatusOK,
		Body:      Response{Error: []string{}, Result: result, IsSimulated: simulated},
		Simulated: simulated,
		Verdicts:  verdicts,
	}
}

func (g *Gateway) simulated(ctx context.Context, req *Request, verdicts []Verdict) Outcome {
	return g.succeed(ctx, g.simulatedResult(req), true, verdicts)
}

func (g *Gateway) fail(ctx context.Context, e *errs.E, verdicts []Verdict) Outcome {
	status := e.HTTP
	if status == 0 {
		status = errs.HTTPStatus(e.Code)
	}

	message := e.RawMsg
	if message == "" {
		message = e.Message
	}
	if message == "" {
		message = string(e.Code)
	}

	failure := Failure{
		Error:     []string{message},
		Timestamp: g.clock().UTC().Format(time.RFC3339),
		Fields:    e.Fields,
	}
	if status >= http.StatusInternalServerError {
		failure.Correlation = uuid.NewString()
		g.logger.Error("gateway fault",
			observability.F("endpoint", e.Endpoint),
			observability.F("correlation_id", failure.Correlation),
			observability.F("error", e.Error()))
	} else {
		g.logger.Info("request rejected",
			observability.F("endpoint", e.Endpoint),
			observability.F("code", string(e.Code)),
			observability.F("status", status))
	}

	g.metrics.RecordProxyRequest(ctx, status, false)
	return Outcome{Status: status, Body: failure, Verdicts: verdicts}
}

// simulatedResult fabricates a plausible upstream result for the endpoint so
// demo-mode clients keep rendering.
func (g *Gateway) simulatedResult(req *Request) any {
	switch {
	case strings.HasSuffix(req.Path, "/AddOrder"):
		descr := fmt.Sprintf("%s %s %s @ %s",
			req.stringField("type"), req.stringField("volume"),
			req.stringField("pair"), req.stringField("ordertype"))
		return map[string]any{
			"descr": map[string]string{"order": strings.TrimSpace(descr)},
			"txid":  []string{simulatedTxID()},
		}
	case strings.HasSuffix(req.Path, "/Balance"):
		return map[string]string{"ZUSD": "100000.0000", "XXBT": "1.5000000000"}
	case strings.HasSuffix(req.Path, "/OpenOrders"):
		return map[string]any{"open": map[string]any{}}
	default:
		return map[string]any{}
	}
}

func simulatedTxID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "SIM" + id[:6] + "-" + id[6:11] + "-" + id[11:17]
}
