// Package errs provides structured error types shared across Tidegate services.
package errs

import (
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a gateway error category.
type Code string

const (
	// CodeAuth indicates authentication, signature, nonce, or permission errors.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the upstream service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeTimeout indicates the upstream call exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeUpstream indicates an uncategorized upstream failure.
	CodeUpstream Code = "upstream_error"
	// CodeNetwork indicates a transport failure before any upstream response.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInternal indicates an unexpected gateway fault.
	CodeInternal Code = "internal"
)

// HTTPStatus maps an error category to the response status the gateway emits.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuth:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNetwork, CodeUpstream, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// E captures structured error information produced across the Tidegate stack.
type E struct {
	Endpoint    string
	Code        Code
	HTTP        int
	RawMsg      string
	Message     string
	Remediation string
	Correlation string
	Fields      []string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the endpoint and error code.
func New(endpoint string, code Code, opts ...Option) *E {
	e := &E{
		Endpoint: strings.TrimSpace(endpoint),
		Code:     code,
		HTTP:     HTTPStatus(code),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawMessage captures the raw upstream error string.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP overrides the HTTP status derived from the code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCorrelation records the correlation identifier attached to the response.
func WithCorrelation(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Correlation = trimmed
	}
}

// WithFields records the request fields that caused a validation failure.
func WithFields(fields ...string) Option {
	return func(e *E) {
		for _, f := range fields {
			trimmed := strings.TrimSpace(f)
			if trimmed == "" {
				continue
			}
			e.Fields = append(e.Fields, trimmed)
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	endpoint := strings.TrimSpace(e.Endpoint)
	if endpoint == "" {
		endpoint = "unknown"
	}
	parts = append(parts, "endpoint="+endpoint)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		parts = append(parts, "fields="+strings.Join(e.Fields, ","))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.Correlation != "" {
		parts = append(parts, "correlation="+e.Correlation)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }
