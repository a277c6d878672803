package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aistudio/backbone/config"
	"github.com/aistudio/backbone/llms"
	"github.com/aistudio/backbone/observability"
	"github.com/aistudio/backbone/utils"
)

// ReActAgent runs the reasoning + acting loop: stream a model response, run
// any requested tools, inject the results, repeat until the model answers in
// plain text, a cap is hit, or the user must be consulted.
type ReActAgent struct {
	client *llms.Client
}

// New creates an agent over an LLM client. A nil client selects the shared
// one.
func New(client *llms.Client) *ReActAgent {
	if client == nil {
		client = llms.GetClient()
	}
	return &ReActAgent{client: client}
}

// Run starts one agent run. The returned channel closes when the run ends;
// cancelling ctx aborts streaming and stops further events.
func (a *ReActAgent) Run(ctx context.Context, input Input) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		a.run(ctx, input, out)
	}()
	return out
}

// pendingCall accumulates one tool call from streamed deltas; identity is
// the index within the streamed response.
type pendingCall struct {
	id   string
	name string
	args string
}

func (a *ReActAgent) run(ctx context.Context, input Input, out chan<- Event) {
	emit := func(event Event) bool {
		select {
		case out <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tracer := observability.GetTracer()
	span := tracer.StartSpan(observability.SpanAgentRun, "agent_run", "", "",
		input.Model, input.ProjectID, nil)
	totalPrompt, totalCompletion := 0, 0
	status, statusMessage := "ok", ""
	defer func() {
		tracer.EndSpan(span, totalPrompt, totalCompletion, status, statusMessage)
	}()

	if input.Plan != "" {
		if !emit(Event{Type: EventPlanUpdate, Plan: input.Plan}) {
			return
		}
	}

	tools := input.Tools
	if llms.IsReasoningModel(input.Model) && len(tools) > 0 {
		slog.Info("Reasoning model does not support tools, dropping tool definitions",
			"model", input.Model)
		tools = nil
	}

	messages := make([]llms.Message, len(input.Messages))
	copy(messages, input.Messages)

	seenCalls := map[string]bool{}
	totalRounds := 0
	fabricationRetries := 0
	executedCalls := 0

	budget := observability.GetBudget()
	metrics := observability.GetMetrics()

	for {
		if check := budget.CheckBudget(input.SessionID, input.ProjectID); !check.Allowed {
			status, statusMessage = "error", "budget exceeded"
			emit(Event{Type: EventError, Error: "⚠️ " + strings.Join(check.Warnings, "; ")})
			return
		}

		toolChoice := "auto"
		if fabricationRetries > 0 {
			toolChoice = "required"
		}

		pending := map[int]*pendingCall{}
		askUserStarted := map[int]bool{}
		var textParts []string
		responseHasContent := false
		finishReason := ""
		var usage *llms.Usage

		metrics.Increment("ai_requests", 1, map[string]string{"model": input.Model})
		roundStart := time.Now()

		stream := a.client.Stream(ctx, messages, llms.StreamOptions{
			Model:        input.Model,
			SystemPrompt: input.SystemPrompt,
			Temperature:  input.Temperature,
			MaxTokens:    input.MaxTokens,
			Tools:        tools,
			ToolChoice:   toolChoice,
			RequestID:    input.RequestID,
		})

		for event := range stream {
			switch event.Type {
			case llms.EventContentDelta:
				responseHasContent = true
				textParts = append(textParts, event.Text)
				if !emit(Event{Type: EventContent, Content: event.Text}) {
					return
				}

			case llms.EventThinkingDelta:
				if !emit(Event{Type: EventThinking, Content: event.Text}) {
					return
				}

			case llms.EventToolCallDelta:
				tc, ok := pending[event.ToolCallIndex]
				if !ok {
					tc = &pendingCall{}
					pending[event.ToolCallIndex] = tc
				}
				if event.ToolCallID != "" {
					tc.id = event.ToolCallID
				}
				if event.Name != "" {
					tc.name = event.Name
					// Surface ask_user as early as possible so the UI can
					// prepare the question form while arguments stream.
					if event.Name == "ask_user" && tc.id != "" && !askUserStarted[event.ToolCallIndex] {
						askUserStarted[event.ToolCallIndex] = true
						if !emit(Event{
							Type:     EventToolCallStart,
							ToolCall: &ToolCallInfo{ID: tc.id, Name: "ask_user"},
						}) {
							return
						}
					}
				}
				if event.ArgumentsDelta != "" {
					tc.args += event.ArgumentsDelta
				}

			case llms.EventUsage:
				usage = event.Usage

			case llms.EventFinish:
				finishReason = event.FinishReason

			case llms.EventError:
				if event.ErrorMeta != nil {
					llms.Capabilities().LearnFromError(input.Model, event.Err)
				}
				metrics.Increment("ai_errors", 1, map[string]string{"model": input.Model})
				status, statusMessage = "error", event.Err
				emit(Event{Type: EventError, Error: event.Err, ErrorMeta: event.ErrorMeta})
				return
			}
		}
		if ctx.Err() != nil {
			status, statusMessage = "error", ctx.Err().Error()
			return
		}

		metrics.Observe("ai_latency_ms", float64(time.Since(roundStart).Milliseconds()),
			map[string]string{"model": input.Model})

		if usage != nil {
			totalPrompt += usage.PromptTokens
			totalCompletion += usage.CompletionTokens
			metrics.Increment("tokens_used", float64(usage.TotalTokens),
				map[string]string{"model": input.Model})
			cost := observability.EstimateCost(input.Model, usage.PromptTokens, usage.CompletionTokens)
			metrics.Increment("cost_cents", cost, map[string]string{"model": input.Model})
			budget.RecordUsage(usage.TotalTokens, cost, input.SessionID, input.ProjectID)

			if !emit(Event{Type: EventUsage, Usage: &UsageInfo{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
				ToolRounds:       totalRounds,
				ReasoningTokens:  usage.ReasoningTokens,
			}}) {
				return
			}
		}

		// A length-truncated response cannot carry complete tool calls.
		if finishReason == "length" {
			if len(pending) > 0 {
				slog.Info("Output truncated by max_tokens, discarding incomplete tool calls",
					"count", len(pending))
				pending = map[int]*pendingCall{}
			}
			if responseHasContent {
				if !emit(Event{Type: EventTruncated}) {
					return
				}
			}
		}

		if len(pending) > 0 && input.ToolExecutor != nil {
			totalRounds++
			if totalRounds > input.maxRounds() {
				emit(Event{Type: EventContent, Content: fmt.Sprintf(
					"\n\n⚠️ 工具调用已达上限 (%d轮)，停止继续调用。", input.maxRounds())})
				return
			}

			indices := make([]int, 0, len(pending))
			for idx := range pending {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			var assistantCalls []llms.ToolCallPayload
			for _, idx := range indices {
				tc := pending[idx]
				assistantCalls = append(assistantCalls, llms.ToolCallPayload{
					ID: tc.id, Name: tc.name, Arguments: tc.args,
				})
			}
			messages = append(messages, llms.Message{
				Role:      "assistant",
				ToolCalls: assistantCalls,
			})

			var toolMessages []llms.Message
			hasAskUser := false

			for _, idx := range indices {
				tc := pending[idx]
				arguments := llms.ParseArguments(tc.args)
				if tc.name == "ask_user" {
					hasAskUser = true
				}

				signature := callSignature(tc.name, arguments)
				isDuplicate := seenCalls[signature]
				seenCalls[signature] = true

				if !emit(Event{Type: EventToolCall, ToolCall: &ToolCallInfo{
					ID: tc.id, Name: tc.name, Arguments: arguments,
				}}) {
					return
				}
				metrics.Increment("tool_calls", 1, map[string]string{"model": input.Model})

				if isDuplicate {
					resultText := "你已经读取过这个内容了，请直接使用之前的结果，不要重复读取。"
					zero := int64(0)
					if !emit(Event{
						Type: EventToolResult, ToolCallID: tc.id, Name: tc.name,
						Arguments: arguments, Result: resultText, DurationMS: &zero,
					}) {
						return
					}
					toolMessages = append(toolMessages, llms.Message{
						Role: "tool", ToolCallID: tc.id, Content: resultText,
					})
					continue
				}

				executedCalls++
				toolSpan := tracer.StartSpan(observability.SpanToolCall, tc.name,
					span.TraceID, span.SpanID, input.Model, input.ProjectID, nil)
				start := time.Now()
				resultText, err := input.ToolExecutor(ctx, tc.name, arguments)
				durationMS := time.Since(start).Milliseconds()

				if err != nil {
					errorMsg := fmt.Sprintf("工具执行失败: %v", err)
					tracer.EndSpan(toolSpan, 0, 0, "error", errorMsg)
					if !emit(Event{
						Type: EventToolError, ToolCallID: tc.id, Name: tc.name, Error: errorMsg,
					}) {
						return
					}
					toolMessages = append(toolMessages, llms.Message{
						Role: "tool", ToolCallID: tc.id, Content: errorMsg,
					})
					continue
				}
				tracer.EndSpan(toolSpan, 0, 0, "ok", "")

				resultText = a.trimToolResult(resultText, messages, input)
				if !emit(Event{
					Type: EventToolResult, ToolCallID: tc.id, Name: tc.name,
					Arguments: arguments, Result: resultText, DurationMS: &durationMS,
				}) {
					return
				}
				toolMessages = append(toolMessages, llms.Message{
					Role: "tool", ToolCallID: tc.id, Content: resultText,
				})
			}

			// Injected in original call order to preserve LLM semantics even
			// when executions completed out of order.
			messages = append(messages, toolMessages...)

			if hasAskUser {
				emit(Event{Type: EventAskUserPending})
				return
			}

			if input.EnableReflection && input.Reflector != nil &&
				input.ReflectionInterval > 0 && totalRounds%input.ReflectionInterval == 0 {
				reflection, err := input.Reflector(ctx, totalRounds, map[string]int{
					"tool_calls_count": executedCalls,
					"seen_signatures":  len(seenCalls),
				})
				if err == nil && reflection != nil {
					if !emit(Event{
						Type: EventReflection, Reflection: reflection.Summary, Action: reflection.Action,
					}) {
						return
					}
					if reflection.Action == "abort" {
						emit(Event{Type: EventContent, Content: fmt.Sprintf(
							"\n\n⚠️ Agent 反思后决定终止: %s", reflection.Summary)})
						return
					}
				}
			}

			continue
		}

		// No tool calls: check for fabricated execution claims before ending.
		if responseHasContent && len(tools) > 0 && fabricationRetries < 2 && a.fabricationEnabled(input) {
			fullText := strings.Join(textParts, "")
			if DetectFabrication(fullText) {
				fabricationRetries++
				slog.Warn("Fabricated tool execution detected, retrying",
					"retry", fabricationRetries)
				messages = append(messages,
					llms.Message{Role: "assistant", Content: fullText},
					llms.Message{Role: "user", Content: fabricationCorrection},
				)
				if !emit(Event{Type: EventContent, Content: fabricationNotice}) {
					return
				}
				continue
			}
		}

		if !responseHasContent {
			slog.Warn("Model returned empty response", "finish_reason", finishReason)
			emit(Event{Type: EventContent,
				Content: "\n\n⚠️ AI 返回了空响应，请重新发送或换个说法试试。"})
		}
		return
	}
}

func (a *ReActAgent) fabricationEnabled(input Input) bool {
	if input.FabricationGuard != nil {
		return *input.FabricationGuard
	}
	return config.Get().FabricationDetection
}

// trimToolResult cuts a tool result to the remaining context budget. Under
// 500 remaining tokens the cut is aggressive with a shortage warning;
// otherwise the result is cut to fit with a hint to use line ranges.
func (a *ReActAgent) trimToolResult(resultText string, messages []llms.Message, input Input) string {
	maxInput, _ := llms.Capabilities().GetContextWindow(input.Model)
	currentTokens := utils.EstimateMessagesTokens(messagesToMsgs(messages))
	resultTokens := utils.EstimateTokens(resultText)
	remainingBudget := maxInput - currentTokens - input.MaxTokens - 200

	switch {
	case remainingBudget <= 500:
		resultText = utils.TruncateText(resultText, 500)
		resultText += "\n\n[⚠️ 上下文空间不足, 内容已大幅截断]"
	case resultTokens > remainingBudget:
		resultText = utils.TruncateText(resultText, remainingBudget)
		resultText += fmt.Sprintf(
			"\n\n[… 内容已截断以适配模型上下文窗口 (%d tokens), 请用 start_line/end_line 指定范围精确读取]",
			remainingBudget)
	}
	return resultText
}

// callSignature is the duplicate-detection identity: name plus canonical
// JSON of the arguments (encoding/json sorts map keys).
func callSignature(name string, arguments map[string]any) string {
	data, err := json.Marshal(arguments)
	if err != nil {
		data = []byte("{}")
	}
	return name + ":" + string(data)
}

func messagesToMsgs(messages []llms.Message) []utils.Msg {
	out := make([]utils.Msg, len(messages))
	for i, m := range messages {
		out[i] = utils.Msg{Role: m.Role, Content: m.Content}
	}
	return out
}
