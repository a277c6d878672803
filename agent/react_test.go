package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio/backbone/config"
	"github.com/aistudio/backbone/llms"
)

// scriptedRound describes one fake provider response.
type scriptedRound struct {
	content   string
	toolCalls []scriptedCall
	// wantToolChoice, when set, is asserted against the request.
	wantToolChoice string
}

type scriptedCall struct {
	id   string
	name string
	args string
}

// newScriptedServer serves rounds in order, asserting tool_choice when asked.
func newScriptedServer(t *testing.T, rounds []scriptedRound) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		require.Less(t, n, len(rounds), "more rounds requested than scripted")
		round := rounds[n]

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if round.wantToolChoice != "" {
			assert.Equal(t, round.wantToolChoice, req["tool_choice"], "round %d", n)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		var sb strings.Builder
		if round.content != "" {
			chunk := map[string]any{"choices": []any{map[string]any{
				"delta": map[string]any{"content": round.content},
			}}}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(&sb, "data: %s\n\n", data)
		}
		for _, tc := range round.toolCalls {
			// First delta carries id + name, second carries the arguments —
			// mirrors real streaming.
			first := map[string]any{"choices": []any{map[string]any{
				"delta": map[string]any{"tool_calls": []any{map[string]any{
					"index": 0, "id": tc.id,
					"function": map[string]any{"name": tc.name, "arguments": ""},
				}}},
			}}}
			data, _ := json.Marshal(first)
			fmt.Fprintf(&sb, "data: %s\n\n", data)

			second := map[string]any{"choices": []any{map[string]any{
				"delta": map[string]any{"tool_calls": []any{map[string]any{
					"index": 0,
					"function": map[string]any{"arguments": tc.args},
				}}},
			}}}
			data, _ = json.Marshal(second)
			fmt.Fprintf(&sb, "data: %s\n\n", data)
		}

		finishReason := "stop"
		if len(round.toolCalls) > 0 {
			finishReason = "tool_calls"
		}
		final := map[string]any{
			"choices": []any{map[string]any{
				"delta": map[string]any{}, "finish_reason": finishReason,
			}},
			"usage": map[string]any{
				"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15,
			},
		}
		data, _ := json.Marshal(final)
		fmt.Fprintf(&sb, "data: %s\n\ndata: [DONE]\n\n", data)
		_, _ = w.Write([]byte(sb.String()))
	}))

	settings := config.Get()
	settings.GitHubToken = "test-token"
	settings.ModelsEndpoint = server.URL
	config.Replace(settings)
	return server, &calls
}

func collectEvents(t *testing.T, input Input) []Event {
	t.Helper()
	agent := New(llms.NewClient(nil, nil))
	var events []Event
	for event := range agent.Run(context.Background(), input) {
		events = append(events, event)
	}
	return events
}

func eventsOfType(events []Event, eventType string) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var testTools = []llms.Tool{{
	Type: "function",
	Function: llms.ToolFunction{
		Name:        "read_file",
		Description: "read a file",
		Parameters:  map[string]any{"type": "object"},
	},
}, {
	Type: "function",
	Function: llms.ToolFunction{
		Name:        "ask_user",
		Description: "ask the user",
		Parameters:  map[string]any{"type": "object"},
	},
}}

func TestPlainAnswerNoTools(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{{content: "你好！很高兴见到你。"}})
	defer server.Close()

	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "你好"}},
		Model:    "gpt-4o",
	})

	contents := eventsOfType(events, EventContent)
	require.NotEmpty(t, contents)

	usages := eventsOfType(events, EventUsage)
	require.Len(t, usages, 1)
	assert.Equal(t, 0, usages[0].Usage.ToolRounds)
	assert.Equal(t, 15, usages[0].Usage.TotalTokens)

	assert.Empty(t, eventsOfType(events, EventToolCall))
}

func TestSingleToolCallSuccess(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{
		{toolCalls: []scriptedCall{{id: "call_1", name: "read_file", args: `{"path":"README.md"}`}}},
		{content: "README 内容是五行文本。"},
	})
	defer server.Close()

	var executedNames []string
	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "读取 README.md"}},
		Model:    "gpt-4o",
		Tools:    testTools,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			executedNames = append(executedNames, name)
			assert.Equal(t, "README.md", args["path"])
			return "line1\nline2\nline3\nline4\nline5", nil
		},
	})

	toolCalls := eventsOfType(events, EventToolCall)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "read_file", toolCalls[0].ToolCall.Name)
	assert.Equal(t, "README.md", toolCalls[0].ToolCall.Arguments["path"])

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Result, "line3")
	require.NotNil(t, results[0].DurationMS)
	assert.GreaterOrEqual(t, *results[0].DurationMS, int64(0))

	assert.NotEmpty(t, eventsOfType(events, EventContent))
	assert.Equal(t, []string{"read_file"}, executedNames)

	// Invariant: tool_call events == executed invocations == injected tool
	// messages (all 1 here).
	assert.Len(t, toolCalls, len(results))
}

func TestRoundCap(t *testing.T) {
	// The model insists on a fresh tool call every round.
	server, calls := newScriptedServer(t, []scriptedRound{
		{toolCalls: []scriptedCall{{id: "c1", name: "read_file", args: `{"path":"a.py"}`}}},
		{toolCalls: []scriptedCall{{id: "c2", name: "read_file", args: `{"path":"b.py"}`}}},
		{toolCalls: []scriptedCall{{id: "c3", name: "read_file", args: `{"path":"c.py"}`}}},
	})
	defer server.Close()

	events := collectEvents(t, Input{
		Messages:      []llms.Message{{Role: "user", Content: "go"}},
		Model:         "gpt-4o",
		Tools:         testTools,
		MaxToolRounds: 2,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			return "content", nil
		},
	})

	assert.Len(t, eventsOfType(events, EventToolCall), 2)
	assert.Len(t, eventsOfType(events, EventToolResult), 2)
	assert.EqualValues(t, 3, calls.Load())

	var capNotice bool
	for _, e := range eventsOfType(events, EventContent) {
		if strings.Contains(e.Content, "工具调用已达上限 (2轮)") {
			capNotice = true
		}
	}
	assert.True(t, capNotice)

	// No tool_call after the cap notice.
	last := events[len(events)-1]
	assert.Equal(t, EventContent, last.Type)
}

func TestDuplicateSuppression(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{
		{toolCalls: []scriptedCall{{id: "c1", name: "read_file", args: `{"path":"a.py"}`}}},
		{toolCalls: []scriptedCall{{id: "c2", name: "read_file", args: `{"path":"a.py"}`}}},
		{content: "使用之前的结果即可。"},
	})
	defer server.Close()

	executed := 0
	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "读 a.py 两次"}},
		Model:    "gpt-4o",
		Tools:    testTools,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			executed++
			return "file body", nil
		},
	})

	toolCalls := eventsOfType(events, EventToolCall)
	require.Len(t, toolCalls, 2)

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 2)

	// The executor ran once; the second call got the synthetic result.
	assert.Equal(t, 1, executed)
	assert.True(t, strings.HasPrefix(results[1].Result, "你已经读取过"))
	require.NotNil(t, results[1].DurationMS)
	assert.EqualValues(t, 0, *results[1].DurationMS)
}

func TestFabricationRetry(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{
		{content: "我已经执行了 rm -rf /tmp/foo，目录已删除。"},
		{content: "好的，我会使用工具。", wantToolChoice: "required"},
	})
	defer server.Close()

	enabled := true
	events := collectEvents(t, Input{
		Messages:         []llms.Message{{Role: "user", Content: "删除 /tmp/foo"}},
		Model:            "gpt-4o",
		Tools:            testTools,
		FabricationGuard: &enabled,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			return "", nil
		},
	})

	var notified bool
	for _, e := range eventsOfType(events, EventContent) {
		if strings.Contains(e.Content, "检测到 AI 伪造执行结果") {
			notified = true
		}
	}
	assert.True(t, notified)
}

func TestFabricationStopsAfterTwoRetries(t *testing.T) {
	fabricated := "我已经执行了 rm -rf /tmp/foo"
	server, calls := newScriptedServer(t, []scriptedRound{
		{content: fabricated},
		{content: fabricated, wantToolChoice: "required"},
		{content: fabricated, wantToolChoice: "required"},
	})
	defer server.Close()

	enabled := true
	events := collectEvents(t, Input{
		Messages:         []llms.Message{{Role: "user", Content: "删除"}},
		Model:            "gpt-4o",
		Tools:            testTools,
		FabricationGuard: &enabled,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			return "", nil
		},
	})

	// Three model rounds total: initial + two retries, then the loop ends.
	assert.EqualValues(t, 3, calls.Load())
	assert.NotEmpty(t, events)
}

func TestAskUserPause(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{
		{toolCalls: []scriptedCall{{id: "c1", name: "ask_user",
			args: `{"questions":["用什么数据库?","部署在哪个区域?"]}`}}},
	})
	defer server.Close()

	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "帮我设计"}},
		Model:    "gpt-4o",
		Tools:    testTools,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			return "✅ 已向用户展示 2 个问题，请等待用户回答后再继续讨论。", nil
		},
	})

	assert.Len(t, eventsOfType(events, EventToolCallStart), 1)
	assert.Len(t, eventsOfType(events, EventToolCall), 1)

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Result, "2 个问题")

	pending := eventsOfType(events, EventAskUserPending)
	require.Len(t, pending, 1)

	// ask_user_pending terminates the run.
	assert.Equal(t, EventAskUserPending, events[len(events)-1].Type)
}

func TestToolErrorContinuesLoop(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{
		{toolCalls: []scriptedCall{{id: "c1", name: "read_file", args: `{"path":"gone"}`}}},
		{content: "文件不存在。"},
	})
	defer server.Close()

	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "读"}},
		Model:    "gpt-4o",
		Tools:    testTools,
		ToolExecutor: func(ctx context.Context, name string, args map[string]any) (string, error) {
			return "", fmt.Errorf("boom")
		},
	})

	errors := eventsOfType(events, EventToolError)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0].Error, "boom")

	// The loop continued and produced the final answer.
	assert.NotEmpty(t, eventsOfType(events, EventContent))
}

func TestProviderErrorTerminates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limit, please wait 30 seconds"))
	}))
	defer server.Close()

	settings := config.Get()
	settings.GitHubToken = "t"
	settings.ModelsEndpoint = server.URL
	config.Replace(settings)

	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	})

	errorEvents := eventsOfType(events, EventError)
	require.Len(t, errorEvents, 1)
	require.NotNil(t, errorEvents[0].ErrorMeta)
	assert.Equal(t, "rate_limit", errorEvents[0].ErrorMeta.ErrorType)
	assert.Equal(t, 30, errorEvents[0].ErrorMeta.WaitSeconds)
}

func TestPlanUpdateEmittedFirst(t *testing.T) {
	server, _ := newScriptedServer(t, []scriptedRound{{content: "ok"}})
	defer server.Close()

	events := collectEvents(t, Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
		Plan:     "1. 分析需求\n2. 输出方案",
	})

	require.NotEmpty(t, events)
	assert.Equal(t, EventPlanUpdate, events[0].Type)
}

func TestEventSerialization(t *testing.T) {
	zero := int64(0)
	event := Event{
		Type: EventToolResult, ToolCallID: "c1", Name: "read_file",
		Arguments: map[string]any{"path": "a"}, Result: "body", DurationMS: &zero,
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tool_result", decoded["type"])
	// duration_ms must be present even when zero.
	assert.Contains(t, decoded, "duration_ms")
	assert.EqualValues(t, 0, decoded["duration_ms"])
}

func TestDetectFabrication(t *testing.T) {
	assert.True(t, DetectFabrication("我已经执行了 rm -rf /tmp/foo"))
	assert.True(t, DetectFabrication("运行结果：一切正常"))
	assert.True(t, DetectFabrication("bash: ls: No such file or directory"))
	assert.False(t, DetectFabrication("我可以帮你执行这个命令，需要先调用工具。"))
	assert.False(t, DetectFabrication(""))
}
