package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("hello world"), 0)

	// Longer text costs more tokens.
	short := EstimateTokens("one sentence")
	long := EstimateTokens(strings.Repeat("one sentence ", 50))
	assert.Greater(t, long, short)
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	empty := tc.CountMessages(nil)
	assert.Equal(t, 3, empty) // reply priming only

	one := tc.CountMessages([]Msg{{Role: "user", Content: "hi"}})
	assert.Greater(t, one, empty)
}

func TestTokenCounterUnknownModelFallsBack(t *testing.T) {
	tc, err := NewTokenCounter("totally-unknown-model")
	require.NoError(t, err)
	assert.Greater(t, tc.Count("some text"), 0)
}

func TestTruncateText(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	truncated := TruncateText(text, 50)
	assert.Less(t, len(truncated), len(text))
	assert.LessOrEqual(t, EstimateTokens(truncated), 60)

	// Short text passes through unchanged.
	assert.Equal(t, "short", TruncateText("short", 100))
	assert.Equal(t, "", TruncateText("anything", 0))
}

func TestTruncateTextRuneBoundary(t *testing.T) {
	text := strings.Repeat("中文内容测试", 500)
	truncated := TruncateText(text, 20)
	// Must remain valid UTF-8 after the cut.
	for _, r := range truncated {
		assert.NotEqual(t, '�', r)
	}
}
