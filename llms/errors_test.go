package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseErrorMeta(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   string
	}{
		{"rate limit by status", 429, "slow down", "rate_limit"},
		{"rate limit by phrase", 400, "Rate limit exceeded for requests", "rate_limit"},
		{"context overflow", 400, "This model's maximum context length is 128000 tokens", "context_overflow"},
		{"context too large", 413, "Request too large for gpt-4o", "context_overflow"},
		{"max_tokens phrase", 400, "max_tokens is too large", "context_overflow"},
		{"auth 401", 401, "invalid api key", "auth_error"},
		{"auth 403", 403, "forbidden", "auth_error"},
		{"unknown", 500, "internal server error", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := ParseErrorMeta(tt.statusCode, tt.body, "gpt-4o", "github_models")
			assert.Equal(t, tt.wantType, meta.ErrorType)
			assert.Equal(t, tt.statusCode, meta.StatusCode)
			assert.Equal(t, "gpt-4o", meta.Model)
			assert.Equal(t, "github_models", meta.ProviderType)
		})
	}
}

func TestParseErrorMetaRateLimitDetails(t *testing.T) {
	meta := ParseErrorMeta(429,
		"Rate limit of 15 per 60s exceeded. Please wait 42 seconds before retrying.",
		"gpt-4o-mini", "github_models")

	assert.Equal(t, "rate_limit", meta.ErrorType)
	assert.Equal(t, 15, meta.RateLimitCount)
	assert.Equal(t, 60, meta.RateLimitSeconds)
	assert.Equal(t, 42, meta.WaitSeconds)
}

func TestParseErrorMetaRatePerUnit(t *testing.T) {
	meta := ParseErrorMeta(429, "Limit: 10 per 1 minute", "gpt-4o", "")
	assert.Equal(t, 10, meta.RateLimitCount)
	assert.Equal(t, 60, meta.RateLimitSeconds)
}

func TestParseErrorMetaContextDetails(t *testing.T) {
	meta := ParseErrorMeta(400,
		"maximum context length is 8192 tokens, however you requested 9100 tokens",
		"gpt-3.5-turbo", "")

	assert.Equal(t, "context_overflow", meta.ErrorType)
	assert.Equal(t, 8192, meta.MaxContextTokens)
	assert.Equal(t, 9100, meta.RequestedTokens)
}

func TestParseErrorMetaTieBreak(t *testing.T) {
	// Rate limit wins when both rate-limit and context phrases appear.
	meta := ParseErrorMeta(429, "rate limit; context length exceeded", "m", "")
	assert.Equal(t, "rate_limit", meta.ErrorType)
}
