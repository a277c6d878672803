// Package utils provides token counting and truncation helpers shared by the
// LLM client, the context pipeline, and the agent runtime.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Msg is the minimal message shape for token counting.
type Msg struct {
	Role    string
	Content string
}

// TokenCounter counts tokens for a specific model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex

	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a counter for the given model, falling back to
// cl100k_base for models tiktoken doesn't know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()
	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message role
// overhead, per OpenAI's counting format.
func (tc *TokenCounter) CountMessages(messages []Msg) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(msg.Role, nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	// Every reply is primed with <|start|>assistant<|message|>
	total += 3
	return total
}

func getDefaultCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter("gpt-4o")
	})
	return defaultCounter
}

// EstimateTokens approximates the token count of text. Uses the cl100k
// encoding when available and a chars/4 heuristic otherwise.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if tc := getDefaultCounter(); tc != nil {
		return tc.Count(text)
	}
	return len(text) / 4
}

// EstimateMessagesTokens approximates the token count of a message list.
func EstimateMessagesTokens(messages []Msg) int {
	if tc := getDefaultCounter(); tc != nil {
		return tc.CountMessages(messages)
	}
	total := 0
	for _, msg := range messages {
		total += 4 + len(msg.Content)/4
	}
	return total
}

// TruncateText cuts text to roughly maxTokens, preserving rune boundaries.
func TruncateText(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
