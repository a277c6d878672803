// Package agent implements the ReAct runtime: stream from the LLM client,
// dispatch tool calls, enforce round caps, detect fabricated tool results,
// trim tool output to the context budget, and emit a typed event stream.
package agent

import (
	"context"

	"github.com/aistudio/backbone/llms"
)

// Event types surfaced to callers. Every event serialises to
// {"type": ..., ...payload} compatible with an SSE stream.
const (
	EventContent        = "content"
	EventThinking       = "thinking"
	EventToolCallStart  = "tool_call_start"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventToolError      = "tool_error"
	EventUsage          = "usage"
	EventTruncated      = "truncated"
	EventAskUserPending = "ask_user_pending"
	EventError          = "error"
	EventPlanUpdate     = "plan_update"
	EventReflection     = "reflection"
)

// ToolCallInfo identifies a tool call in events.
type ToolCallInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// UsageInfo is the per-round token accounting event payload.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ToolRounds       int `json:"tool_rounds"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Event is one agent event. Payload fields are populated per Type.
type Event struct {
	Type string `json:"type"`

	Content string `json:"content,omitempty"`

	ToolCall   *ToolCallInfo  `json:"tool_call,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`

	Usage *UsageInfo `json:"usage,omitempty"`

	Error     string          `json:"error,omitempty"`
	ErrorMeta *llms.ErrorMeta `json:"error_meta,omitempty"`

	Plan       string `json:"plan,omitempty"`
	Reflection string `json:"reflection,omitempty"`
	Action     string `json:"action,omitempty"`
}

// ToolExecutor runs one tool call and returns the result text.
type ToolExecutor func(ctx context.Context, name string, arguments map[string]any) (string, error)

// Reflection is the outcome of a periodic self-check.
type Reflection struct {
	Summary string `json:"summary"`
	Action  string `json:"action"` // continue | adjust | abort
}

// Reflector is invoked every ReflectionInterval rounds.
type Reflector func(ctx context.Context, round int, stats map[string]int) (*Reflection, error)

// DefaultMaxToolRounds caps tool rounds per turn.
const DefaultMaxToolRounds = 15

// Input parameterises one agent run.
type Input struct {
	Messages     []llms.Message
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Tools        []llms.Tool

	ToolExecutor ToolExecutor

	MaxToolRounds int // defaults to DefaultMaxToolRounds

	// Plan, when set, is emitted as a plan_update before the first round.
	Plan string

	EnableReflection   bool
	ReflectionInterval int
	Reflector          Reflector

	// FabricationGuard overrides the config default when non-nil.
	FabricationGuard *bool

	RequestID string
	SessionID string
	ProjectID string
}

func (in *Input) maxRounds() int {
	if in.MaxToolRounds > 0 {
		return in.MaxToolRounds
	}
	return DefaultMaxToolRounds
}
