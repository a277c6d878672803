package llms

import (
	"log/slog"
	"strings"
	"sync"
)

// ContextWindow holds a model's input/output token limits.
type ContextWindow struct {
	MaxInput  int
	MaxOutput int
}

// Default window for unknown models.
var defaultWindow = ContextWindow{MaxInput: 128_000, MaxOutput: 8_192}

// knownWindows maps model-name prefixes to context windows.
var knownWindows = map[string]ContextWindow{
	"gpt-4o-mini":       {MaxInput: 128_000, MaxOutput: 16_384},
	"gpt-4o":            {MaxInput: 128_000, MaxOutput: 16_384},
	"gpt-4.1-nano":      {MaxInput: 1_047_576, MaxOutput: 32_768},
	"gpt-4.1-mini":      {MaxInput: 1_047_576, MaxOutput: 32_768},
	"gpt-4.1":           {MaxInput: 1_047_576, MaxOutput: 32_768},
	"gpt-4-turbo":       {MaxInput: 128_000, MaxOutput: 4_096},
	"gpt-3.5-turbo":     {MaxInput: 16_385, MaxOutput: 4_096},
	"o1-mini":           {MaxInput: 128_000, MaxOutput: 65_536},
	"o1":                {MaxInput: 200_000, MaxOutput: 100_000},
	"o3-mini":           {MaxInput: 200_000, MaxOutput: 100_000},
	"o3":                {MaxInput: 200_000, MaxOutput: 100_000},
	"o4-mini":           {MaxInput: 200_000, MaxOutput: 100_000},
	"claude-3.5-sonnet": {MaxInput: 200_000, MaxOutput: 8_192},
	"claude-3.7-sonnet": {MaxInput: 200_000, MaxOutput: 64_000},
	"deepseek-chat":     {MaxInput: 64_000, MaxOutput: 8_192},
	"deepseek-reasoner": {MaxInput: 64_000, MaxOutput: 8_192},
	"qwen-plus":         {MaxInput: 131_072, MaxOutput: 8_192},
	"text-embedding":    {MaxInput: 8_191, MaxOutput: 0},
}

// CapabilityCache stores per-model context windows and learns tighter limits
// from context-overflow error responses.
type CapabilityCache struct {
	mu      sync.RWMutex
	learned map[string]ContextWindow
}

// NewCapabilityCache creates an empty cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{learned: make(map[string]ContextWindow)}
}

var (
	capabilityCache     *CapabilityCache
	capabilityCacheOnce sync.Once
)

// Capabilities returns the process-wide capability cache.
func Capabilities() *CapabilityCache {
	capabilityCacheOnce.Do(func() {
		capabilityCache = NewCapabilityCache()
	})
	return capabilityCache
}

// GetContextWindow returns (maxInput, maxOutput) for a model id. Provider
// prefixes are stripped before lookup; learned limits win over the table.
func (c *CapabilityCache) GetContextWindow(model string) (int, int) {
	name := normalizeModelName(model)

	c.mu.RLock()
	if w, ok := c.learned[name]; ok {
		c.mu.RUnlock()
		return w.MaxInput, w.MaxOutput
	}
	c.mu.RUnlock()

	if w, ok := knownWindows[name]; ok {
		return w.MaxInput, w.MaxOutput
	}
	for prefix, w := range knownWindows {
		if strings.HasPrefix(name, prefix) {
			return w.MaxInput, w.MaxOutput
		}
	}
	return defaultWindow.MaxInput, defaultWindow.MaxOutput
}

// LearnFromError updates the cached window when an error response reports a
// smaller real context limit than the table assumed.
func (c *CapabilityCache) LearnFromError(model, errorText string) {
	meta := ParseErrorMeta(0, errorText, model, "")
	if meta.ErrorType != "context_overflow" || meta.MaxContextTokens <= 0 {
		return
	}

	name := normalizeModelName(model)
	maxInput, maxOutput := c.GetContextWindow(model)
	if meta.MaxContextTokens >= maxInput {
		return
	}

	c.mu.Lock()
	c.learned[name] = ContextWindow{MaxInput: meta.MaxContextTokens, MaxOutput: maxOutput}
	c.mu.Unlock()
	slog.Info("Learned smaller context window from error",
		"model", name, "max_input", meta.MaxContextTokens)
}

// Reset clears learned limits. Used by tests.
func (c *CapabilityCache) Reset() {
	c.mu.Lock()
	c.learned = make(map[string]ContextWindow)
	c.mu.Unlock()
}

func normalizeModelName(model string) string {
	name := strings.ToLower(model)
	name = strings.TrimPrefix(name, CopilotPrefix)
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
