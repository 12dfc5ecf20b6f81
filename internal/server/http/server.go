// Package httpserver exposes the Tidegate HTTP surface: the proxy endpoint,
// the feed status view, and the health probe.
package httpserver

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/feed"
	"github.com/quantfold/tidegate/internal/gateway"
	"github.com/quantfold/tidegate/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	proxyPath      = "/api/proxy"
	feedStatusPath = "/api/feed/status"
	healthPath     = "/health"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	gateway *gateway.Gateway
	core    *feed.Core
	logger  observability.Logger
}

// NewHandler wires the Tidegate routes. Health stays reachable regardless of
// gateway state; every other route runs through the proxy pipeline.
func NewHandler(gw *gateway.Gateway, core *feed.Core, logger observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.Log()
	}
	server := &httpServer{gateway: gw, core: core, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(proxyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.handleProxy,
	}))
	mux.Handle(feedStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleFeedStatus,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleHealth,
	}))

	return withCORS(server.withRecovery(mux))
}

// NewServer builds the listener around the handler with the configured
// timeouts.
func NewServer(cfg config.ServerSettings, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Std(),
	}
}

func (s *httpServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, gateway.Failure{
			Error:     []string{fmt.Sprintf("decode request: %v", err)},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	out := s.gateway.Handle(r.Context(), clientIP(r), &req)
	setRateHeaders(w, out.Verdicts)
	writeJSON(w, out.Status, out.Body)
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := s.gateway.Handle(r.Context(), clientIP(r), &gateway.Request{Path: gateway.HealthPath})
	writeJSON(w, out.Status, out.Body)
}

type feedStatusPayload struct {
	State         string           `json:"state"`
	Simulated     bool             `json:"simulated"`
	SystemStatus  string           `json:"systemStatus,omitempty"`
	Subscriptions []subscriptionID `json:"subscriptions"`
}

type subscriptionID struct {
	Pair    string `json:"pair"`
	Channel string `json:"channel"`
}

func (s *httpServer) handleFeedStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.core.State()
	subs := make([]subscriptionID, 0)
	for _, key := range s.core.Subscriptions() {
		subs = append(subs, subscriptionID{Pair: key.Symbol, Channel: key.Channel})
	}
	writeJSON(w, http.StatusOK, feedStatusPayload{
		State:         state.String(),
		Simulated:     state == feed.StateFallbackActive,
		SystemStatus:  s.core.SystemStatus(),
		Subscriptions: subs,
	})
}

// withRecovery converts panics into a 500 response carrying a correlation
// identifier; the fault never propagates to the listener.
func (s *httpServer) withRecovery(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				correlation := uuid.NewString()
				s.logger.Error("panic serving request",
					observability.F("path", r.URL.Path),
					observability.F("correlation_id", correlation),
					observability.F("panic", fmt.Sprint(rec)))
				writeJSON(w, http.StatusInternalServerError, gateway.Failure{
					Error:       []string{"internal error"},
					Timestamp:   time.Now().UTC().Format(time.RFC3339),
					Correlation: correlation,
				})
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// setRateHeaders exposes remaining quota and reset time per scope, and the
// retry hint when a scope rejected the call.
func setRateHeaders(w http.ResponseWriter, verdicts []gateway.Verdict) {
	for _, v := range verdicts {
		if v.Limit <= 0 {
			continue
		}
		suffix := headerSuffix(v.Scope)
		w.Header().Set("X-RateLimit-Limit-"+suffix, strconv.Itoa(v.Limit))
		w.Header().Set("X-RateLimit-Remaining-"+suffix, strconv.Itoa(v.Remaining))
		w.Header().Set("X-RateLimit-Reset-"+suffix, strconv.FormatInt(v.Reset.Unix(), 10))
		if !v.Allowed && v.RetryAfter > 0 {
			seconds := int(math.Ceil(v.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
}

func headerSuffix(scope gateway.Scope) string {
	switch scope {
	case gateway.ScopeIP:
		return "IP"
	case gateway.ScopeUser:
		return "User"
	default:
		return string(scope)
	}
}

// clientIP prefers the first forwarded address so the limiter keys on the
// real caller behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
