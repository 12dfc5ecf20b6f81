package gateway

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantfold/tidegate/errs"
)

// HealthPath is served outside rate limiting and authentication.
const HealthPath = "health"

// Request is the inbound proxy call shape.
type Request struct {
	Path          string         `json:"path"`
	Method        string         `json:"method,omitempty"`
	IsPrivate     bool           `json:"isPrivate,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	ForceDemoMode bool           `json:"forceDemoMode,omitempty"`
}

var pathPattern = regexp.MustCompile(`^(public|private)/[A-Za-z0-9]+$`)

// Normalize trims and canonicalizes caller-supplied fields. The method
// defaults per endpoint class: private calls post, public calls get.
func (r *Request) Normalize() {
	r.Path = strings.Trim(strings.TrimSpace(r.Path), "/")
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.UserID = strings.TrimSpace(r.UserID)
	if r.Method == "" {
		if r.IsPrivate {
			r.Method = "POST"
		} else {
			r.Method = "GET"
		}
	}
}

// Validate checks path syntax and the per-endpoint required fields before
// any crypto or network work. Every violation is reported, not just the
// first; a nil return means the request may proceed.
func (r *Request) Validate() *errs.E {
	var violations []string

	switch {
	case r.Path == "":
		violations = append(violations, "path")
	case !pathPattern.MatchString(r.Path):
		violations = append(violations, "path")
	case strings.HasPrefix(r.Path, "private/") != r.IsPrivate:
		violations = append(violations, "isPrivate")
	}

	if r.Method != "GET" && r.Method != "POST" {
		violations = append(violations, "method")
	}

	if strings.HasSuffix(r.Path, "/AddOrder") {
		violations = append(violations, r.validateOrder()...)
	}

	if len(violations) == 0 {
		return nil
	}
	return errs.New(r.Path, errs.CodeInvalid,
		errs.WithMessage("request validation failed"),
		errs.WithFields(violations...))
}

// Order placement needs the full field set up front; the venue's own error
// for a half-formed order is far less actionable.
func (r *Request) validateOrder() []string {
	var violations []string

	if r.stringField("pair") == "" {
		violations = append(violations, "pair")
	}

	side := r.stringField("type")
	if side != "buy" && side != "sell" {
		violations = append(violations, "type")
	}

	orderType := r.stringField("ordertype")
	if orderType == "" {
		violations = append(violations, "ordertype")
	}

	if !r.positiveDecimal("volume") {
		violations = append(violations, "volume")
	}
	if orderType == "limit" && !r.positiveDecimal("price") {
		violations = append(violations, "price")
	}
	return violations
}

func (r *Request) stringField(name string) string {
	value, ok := r.Data[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(stringify(value))
}

func (r *Request) positiveDecimal(name string) bool {
	raw := r.stringField(name)
	if raw == "" {
		return false
	}
	d, err := decimal.NewFromString(raw)
	return err == nil && d.IsPositive()
}

// FormValues flattens the request data into the upstream body. Nested
// structures are rejected as invalid input.
func (r *Request) FormValues() (url.Values, *errs.E) {
	values := url.Values{}
	var bad []string
	for name, value := range r.Data {
		s := stringify(value)
		if s == "" && value != nil && value != "" {
			bad = append(bad, name)
			continue
		}
		values.Set(name, s)
	}
	if len(bad) > 0 {
		return nil, errs.New(r.Path, errs.CodeInvalid,
			errs.WithMessage("unsupported field value"),
			errs.WithFields(bad...))
	}
	return values, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		// Slices and objects have no form encoding.
		return ""
	}
}
