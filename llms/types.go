// Package llms implements the provider-agnostic LLM gateway: three provider
// driver families speaking chat-completions over HTTPS with streamed SSE, a
// routing client with message normalization and reasoning-model fallback, and
// the model capability cache.
package llms

import "encoding/json"

// ============================================================================
// INTERNAL MESSAGE MODEL
// ============================================================================

// Image is an inline image attached to a user message.
type Image struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCallPayload is a tool call in wire form; Arguments stays a JSON string.
type ToolCallPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is the internal conversation message. Insertion order carries
// conversation order.
type Message struct {
	Role       string            `json:"role"` // system | user | assistant | tool
	Content    string            `json:"content"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Images     []Image           `json:"images,omitempty"`
}

// ============================================================================
// WIRE TYPES (OpenAI chat-completions format)
// ============================================================================

// Tool is a tool definition in wire form.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function schema forwarded to the model.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// apiMessage is the wire message. Content is any so that an assistant message
// carrying tool calls serializes content as null.
type apiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function apiFunctionCall `json:"function"`
}

type apiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
}

// ============================================================================
// STREAMING EVENTS
// ============================================================================

// EventType enumerates provider stream events.
type EventType string

const (
	EventContentDelta  EventType = "content_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	EventFinish        EventType = "finish"
	EventError         EventType = "error"
)

// Usage carries token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// ProviderEvent is one event of a streamed response. The payload fields used
// depend on Type:
//
//	content_delta / thinking_delta: Text
//	tool_call_delta:                ToolCallIndex, ToolCallID, Name, ArgumentsDelta
//	usage:                          Usage
//	finish:                         FinishReason
//	error:                          Err, ErrorMeta
type ProviderEvent struct {
	Type EventType

	Text string

	ToolCallIndex  int
	ToolCallID     string
	Name           string
	ArgumentsDelta string

	Usage *Usage

	FinishReason string

	Err       string
	ErrorMeta *ErrorMeta
}

// ToolCallResult is a fully assembled tool call from a completion response.
type ToolCallResult struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	RawArgs   string         `json:"-"`
}

// CompletionResult is a non-streaming completion.
type CompletionResult struct {
	Content      string           `json:"content"`
	Thinking     string           `json:"thinking,omitempty"`
	ToolCalls    []ToolCallResult `json:"tool_calls,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

// EmbeddingResult is the output of an embeddings call.
type EmbeddingResult struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
}

// ============================================================================
// PROVIDER CONTRACT
// ============================================================================

// ProviderInfo identifies a resolved provider.
type ProviderInfo struct {
	ProviderType string // github_models | copilot | openai_compatible
	Slug         string
	BaseURL      string
	APIKey       string
	Name         string
	Icon         string
}

// Request is one generation request in wire-ready form.
type Request struct {
	Model       string
	Messages    []apiMessage
	Temperature float64
	MaxTokens   int
	Tools       []Tool
	ToolChoice  string
	RequestID   string
}

// ParseArguments decodes a tool call's raw argument string, preserving the
// raw text under "_raw" when it is not valid JSON.
func ParseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
