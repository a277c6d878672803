package llms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aistudio/backbone/config"
)

// CopilotPrefix marks model ids routed to the Copilot driver.
const CopilotPrefix = "copilot:"

// providerCacheTTL bounds how long a cached driver is reused, so
// configuration changes propagate without a restart.
const providerCacheTTL = 60 * time.Second

var reasoningPrefixes = []string{"o1", "o3", "o4"}

// IsReasoningModel reports whether a model name (after stripping any provider
// prefix) belongs to the reasoning family. Reasoning models reject the system
// role and tools, and stream via the non-streaming endpoint.
func IsReasoningModel(model string) bool {
	name := strings.ToLower(model)
	name = strings.TrimPrefix(name, CopilotPrefix)
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	for _, prefix := range reasoningPrefixes {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}

// NewRequestID mints the billing-correlation id for one user message.
func NewRequestID() string {
	rid := uuid.NewString()
	slog.Info("New request id", "request_id", rid[:8])
	return rid
}

// ProviderRecord is a persisted third-party provider row. Persistence is an
// external collaborator; the client only reads.
type ProviderRecord struct {
	Slug         string
	ProviderType string
	Name         string
	Icon         string
	BaseURL      string
	APIKey       string
	Enabled      bool
}

// ProviderStore resolves provider slugs against persistence.
type ProviderStore interface {
	GetProviderBySlug(ctx context.Context, slug string) (*ProviderRecord, error)
}

// StreamOptions parameterize one generation call.
type StreamOptions struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Tools        []Tool
	ToolChoice   string
	RequestID    string
}

// Client is the unified LLM gateway: routes model ids to drivers, normalizes
// messages, handles the reasoning-model special case, and pools drivers.
// The client exclusively owns its provider drivers.
type Client struct {
	store         ProviderStore
	copilotTokens SessionTokenSource

	mu        sync.Mutex
	providers map[string]Provider
	cachedAt  time.Time
}

var (
	clientInstance *Client
	clientMu       sync.Mutex
)

// Initialize sets up the process-wide client. Tests call it with fakes.
func Initialize(store ProviderStore, copilotTokens SessionTokenSource) *Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	clientInstance = NewClient(store, copilotTokens)
	return clientInstance
}

// GetClient returns the process-wide client, creating a storeless one if
// Initialize was never called.
func GetClient() *Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	if clientInstance == nil {
		clientInstance = NewClient(nil, nil)
	}
	return clientInstance
}

// Shutdown closes the process-wide client.
func Shutdown() {
	clientMu.Lock()
	defer clientMu.Unlock()
	if clientInstance != nil {
		_ = clientInstance.Close()
		clientInstance = nil
	}
}

// NewClient creates an independent client instance.
func NewClient(store ProviderStore, copilotTokens SessionTokenSource) *Client {
	return &Client{
		store:         store,
		copilotTokens: copilotTokens,
		providers:     make(map[string]Provider),
	}
}

// ── Provider routing ──

// resolveProvider maps a model id to (driver, actualModel).
//
//	"gpt-4o"                 → default provider
//	"copilot:gpt-4o"         → Copilot
//	"deepseek:deepseek-chat" → third-party slug looked up in persistence
func (c *Client) resolveProvider(ctx context.Context, modelID string) (Provider, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := time.Since(c.cachedAt) > providerCacheTTL

	if strings.HasPrefix(modelID, CopilotPrefix) {
		actual := modelID[len(CopilotPrefix):]
		if _, ok := c.providers["copilot"]; !ok || stale {
			info := ProviderInfo{
				ProviderType: "copilot",
				Slug:         "copilot",
				BaseURL:      config.Get().CopilotChatURL,
				Name:         "Copilot",
				Icon:         "☁️",
			}
			c.replaceProviderLocked("copilot", NewCopilotProvider(info, c.copilotTokens))
		}
		return c.providers["copilot"], actual, nil
	}

	if idx := strings.Index(modelID, ":"); idx > 0 {
		slug, actual := modelID[:idx], modelID[idx+1:]
		if p, ok := c.providers[slug]; ok && !stale {
			return p, actual, nil
		}
		if c.store != nil {
			record, err := c.store.GetProviderBySlug(ctx, slug)
			if err == nil && record != nil && record.Enabled {
				info := ProviderInfo{
					ProviderType: record.ProviderType,
					Slug:         record.Slug,
					BaseURL:      record.BaseURL,
					APIKey:       record.APIKey,
					Name:         record.Name,
					Icon:         record.Icon,
				}
				c.replaceProviderLocked(slug, NewOpenAICompatProvider(info))
				return c.providers[slug], actual, nil
			}
		}
		slog.Warn("Provider slug not found or disabled, falling back to default", "slug", slug)
	}

	if _, ok := c.providers["default"]; !ok || stale {
		settings := config.Get()
		apiKey := settings.GitHubToken
		if c.store != nil {
			if record, err := c.store.GetProviderBySlug(ctx, "github"); err == nil && record != nil && record.APIKey != "" {
				apiKey = record.APIKey
			}
		}
		info := ProviderInfo{
			ProviderType: "github_models",
			Slug:         "github",
			BaseURL:      settings.ModelsEndpoint,
			APIKey:       strings.TrimSpace(apiKey),
			Name:         "GitHub Models",
			Icon:         "🐙",
		}
		c.replaceProviderLocked("default", NewGitHubModelsProvider(info))
	}
	return c.providers["default"], modelID, nil
}

func (c *Client) replaceProviderLocked(key string, p Provider) {
	if old, ok := c.providers[key]; ok {
		_ = old.Close()
	}
	c.providers[key] = p
	c.cachedAt = time.Now()
}

// InvalidateCache drops all cached drivers. Called on configuration change.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.providers {
		_ = p.Close()
	}
	c.providers = make(map[string]Provider)
	c.cachedAt = time.Time{}
}

// ── Message normalization ──

// BuildAPIMessages converts the internal message list to wire form. The
// system prompt is prepended; reasoning models get it as a prefixed user
// message because they reject the system role.
func BuildAPIMessages(messages []Message, systemPrompt string, isReasoning bool) []apiMessage {
	api := make([]apiMessage, 0, len(messages)+1)

	if systemPrompt != "" {
		if isReasoning {
			api = append(api, apiMessage{
				Role:    "user",
				Content: "[System Instructions]\n" + systemPrompt,
			})
		} else {
			api = append(api, apiMessage{Role: "system", Content: systemPrompt})
		}
	}

	for _, msg := range messages {
		switch {
		case msg.Role == "tool":
			api = append(api, apiMessage{
				Role:       "tool",
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			entry := apiMessage{Role: "assistant"}
			if msg.Content != "" {
				entry.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				entry.ToolCalls = append(entry.ToolCalls, apiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: apiFunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			api = append(api, entry)

		case msg.Role == "user" && len(msg.Images) > 0:
			var parts []map[string]any
			if msg.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, img := range msg.Images {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
					},
				})
			}
			api = append(api, apiMessage{Role: msg.Role, Content: parts})

		default:
			api = append(api, apiMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	return api
}

// ── Core interface ──

// Stream performs one streaming LLM call. No tool loop here; the agent layer
// owns that. The returned channel is closed when the response ends.
func (c *Client) Stream(ctx context.Context, messages []Message, opts StreamOptions) <-chan ProviderEvent {
	out := make(chan ProviderEvent, 64)

	go func() {
		defer close(out)

		provider, actualModel, err := c.resolveProvider(ctx, opts.Model)
		if err != nil {
			out <- ProviderEvent{Type: EventError, Err: err.Error()}
			return
		}

		if authErr := c.checkAuth(provider); authErr != "" {
			out <- ProviderEvent{Type: EventError, Err: authErr}
			return
		}

		isReasoning := IsReasoningModel(actualModel)

		tools := opts.Tools
		if isReasoning && len(tools) > 0 {
			slog.Info("Reasoning model does not support tools, dropping tool definitions",
				"model", actualModel)
			tools = nil
		}

		if isReasoning {
			c.streamReasoning(ctx, out, provider, messages, actualModel, opts)
			return
		}

		req := Request{
			Model:       actualModel,
			Messages:    BuildAPIMessages(messages, opts.SystemPrompt, false),
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Tools:       tools,
			ToolChoice:  opts.ToolChoice,
			RequestID:   opts.RequestID,
		}
		events, err := provider.Stream(ctx, req)
		if err != nil {
			out <- ProviderEvent{Type: EventError, Err: err.Error()}
			return
		}
		for event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// streamReasoning replays a non-streaming completion as a synthetic
// (thinking?, content?, usage) event sequence.
func (c *Client) streamReasoning(ctx context.Context, out chan<- ProviderEvent, provider Provider, messages []Message, actualModel string, opts StreamOptions) {
	req := Request{
		Model:     actualModel,
		Messages:  BuildAPIMessages(messages, opts.SystemPrompt, true),
		MaxTokens: opts.MaxTokens,
		RequestID: opts.RequestID,
	}
	result, err := provider.Complete(ctx, req)
	if err != nil {
		event := ProviderEvent{Type: EventError, Err: err.Error()}
		if pe, ok := err.(*ProviderError); ok {
			event.ErrorMeta = pe.Meta
		}
		out <- event
		return
	}

	if result.Thinking != "" {
		out <- ProviderEvent{Type: EventThinkingDelta, Text: result.Thinking}
	}
	if result.Content != "" {
		out <- ProviderEvent{Type: EventContentDelta, Text: result.Content}
	}
	if result.Usage != nil {
		usage := *result.Usage
		out <- ProviderEvent{Type: EventUsage, Usage: &usage}
	}
}

// CompleteText performs a non-streaming call and returns the concatenated
// content. Used by summarisation and other internal callers.
func (c *Client) CompleteText(ctx context.Context, messages []Message, opts StreamOptions) (string, error) {
	var parts []string
	var streamErr error
	for event := range c.Stream(ctx, messages, opts) {
		switch event.Type {
		case EventContentDelta:
			parts = append(parts, event.Text)
		case EventError:
			streamErr = fmt.Errorf("%s", event.Err)
		}
	}
	return strings.Join(parts, ""), streamErr
}

// Embed resolves the provider for providerSlug and requests embeddings.
func (c *Client) Embed(ctx context.Context, texts []string, model, providerSlug string) (EmbeddingResult, error) {
	modelID := model
	if providerSlug != "" && providerSlug != "github" {
		modelID = providerSlug + ":" + model
	}
	provider, actual, err := c.resolveProvider(ctx, modelID)
	if err != nil {
		return EmbeddingResult{}, err
	}
	return provider.Embed(ctx, texts, actual)
}

// checkAuth enforces the per-driver authentication precondition before any
// request is issued. Returns a user-facing error string, or empty.
func (c *Client) checkAuth(provider Provider) string {
	info := provider.Info()
	switch info.ProviderType {
	case "copilot":
		if c.copilotTokens == nil || !c.copilotTokens.IsAuthenticated() {
			return ErrCopilotNotAuthorized.Message
		}
	case "github_models":
		if info.APIKey == "" {
			return "❌ 未配置 GitHub Models 全局 Token，请在 AI 服务设置中配置"
		}
	default:
		if info.APIKey == "" {
			return fmt.Sprintf("❌ %s 未配置 API Key，请在 AI 服务设置中配置", info.Name)
		}
	}
	return ""
}

// Close releases all pooled drivers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.providers {
		_ = p.Close()
	}
	c.providers = make(map[string]Provider)
	return nil
}
