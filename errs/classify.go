package errs

import "strings"

// classRule matches upstream error phrasing to a gateway error category.
type classRule struct {
	code    Code
	needles []string
}

// Upstream error strings follow the Kraken convention of a severity/category
// prefix followed by free text, e.g. "EAPI:Invalid nonce". Matching is done on
// lowercase substrings so minor phrasing drift upstream does not break mapping.
var classRules = []classRule{
	{CodeAuth, []string{
		"invalid key",
		"invalid signature",
		"invalid nonce",
		"permission denied",
		"invalid session",
		"unauthorized",
	}},
	{CodeRateLimited, []string{
		"rate limit",
		"too many requests",
	}},
	{CodeInvalid, []string{
		"unknown asset",
		"unknown pair",
		"invalid argument",
		"invalid order",
		"invalid price",
		"invalid volume",
	}},
	{CodeUnavailable, []string{
		"unavailable",
		"busy",
		"maintenance",
		"cancel_only",
	}},
	{CodeTimeout, []string{
		"timeout",
		"timed out",
	}},
}

// Classify maps a raw upstream error string into a structured gateway error.
// Unmatched strings fall through to CodeUpstream (HTTP 500).
func Classify(endpoint, raw string) *E {
	lowered := strings.ToLower(raw)
	for _, rule := range classRules {
		for _, needle := range rule.needles {
			if strings.Contains(lowered, needle) {
				return New(endpoint, rule.code, WithRawMessage(raw))
			}
		}
	}
	return New(endpoint, CodeUpstream, WithRawMessage(raw))
}
