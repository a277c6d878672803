package llms

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorMeta is the structured classification of a provider error, derived
// from the HTTP status and response body.
type ErrorMeta struct {
	ErrorType        string `json:"error_type"` // rate_limit | context_overflow | auth_error | unknown
	StatusCode       int    `json:"status_code"`
	Model            string `json:"model"`
	ProviderType     string `json:"provider_type,omitempty"`
	RateLimit        string `json:"rate_limit,omitempty"`
	RateLimitCount   int    `json:"rate_limit_count,omitempty"`
	RateLimitSeconds int    `json:"rate_limit_seconds,omitempty"`
	WaitSeconds      int    `json:"wait_seconds,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	RequestedTokens  int    `json:"requested_tokens,omitempty"`
}

// ProviderError is a provider-level failure carrying the classified meta.
type ProviderError struct {
	Message    string
	StatusCode int
	Meta       *ErrorMeta
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// AuthenticationError marks a missing or rejected credential.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

var (
	reRateLimitOf   = regexp.MustCompile(`(?i)Rate limit of (\d+) per (\d+)s`)
	reRatePerUnit   = regexp.MustCompile(`(?i)(\d+) per (\d+) (second|minute|hour)`)
	reWaitSeconds   = regexp.MustCompile(`(?i)wait\s+(\d+)\s*seconds?`)
	reMaxContext    = regexp.MustCompile(`(?i)maximum context length.*?(\d{3,})`)
	reMaxSizeTokens = regexp.MustCompile(`(?i)Max size:\s*(\d+)\s*tokens`)
	reRequested     = regexp.MustCompile(`(?i)requested\s+(\d+)\s*tokens`)
)

// ParseErrorMeta classifies an API error response. Classification order is
// fixed: rate_limit, then context_overflow, then auth_error, else unknown.
func ParseErrorMeta(statusCode int, errorText, model, providerType string) *ErrorMeta {
	meta := &ErrorMeta{
		StatusCode:   statusCode,
		Model:        model,
		ProviderType: providerType,
	}

	lower := strings.ToLower(errorText)

	switch {
	case statusCode == 429 || strings.Contains(lower, "rate limit"):
		meta.ErrorType = "rate_limit"
		if m := reRateLimitOf.FindStringSubmatch(errorText); m != nil {
			meta.RateLimitCount = atoi(m[1])
			meta.RateLimitSeconds = atoi(m[2])
			meta.RateLimit = fmt.Sprintf("%s per %ss", m[1], m[2])
		} else if m := reRatePerUnit.FindStringSubmatch(errorText); m != nil {
			unitSeconds := map[string]int{"second": 1, "minute": 60, "hour": 3600}
			secs := atoi(m[2]) * unitSeconds[strings.ToLower(m[3])]
			meta.RateLimitCount = atoi(m[1])
			meta.RateLimitSeconds = secs
			meta.RateLimit = fmt.Sprintf("%s per %ds", m[1], secs)
		}
		if m := reWaitSeconds.FindStringSubmatch(errorText); m != nil {
			meta.WaitSeconds = atoi(m[1])
		}

	case strings.Contains(lower, "context length") ||
		strings.Contains(lower, "too large") ||
		strings.Contains(lower, "max_tokens"):
		meta.ErrorType = "context_overflow"
		if m := reMaxContext.FindStringSubmatch(errorText); m != nil {
			meta.MaxContextTokens = atoi(m[1])
		}
		if m := reMaxSizeTokens.FindStringSubmatch(errorText); m != nil {
			meta.MaxContextTokens = atoi(m[1])
		}
		if m := reRequested.FindStringSubmatch(errorText); m != nil {
			meta.RequestedTokens = atoi(m[1])
		}

	case statusCode == 401 || statusCode == 403:
		meta.ErrorType = "auth_error"

	default:
		meta.ErrorType = "unknown"
	}

	return meta
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
