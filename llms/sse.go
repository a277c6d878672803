package llms

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Stream chunk shapes shared by all three provider families. The wire format
// is identical; only headers and auth differ.

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content          string        `json:"content,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Thinking         string        `json:"thinking,omitempty"`
	ToolCalls        []apiToolCallDelta `json:"tool_calls,omitempty"`
}

type apiToolCallDelta struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Function apiFunctionCall `json:"function"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content,omitempty"`
			Thinking         string        `json:"thinking,omitempty"`
			ToolCalls        []apiToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens            int `json:"prompt_tokens"`
		CompletionTokens        int `json:"completion_tokens"`
		TotalTokens             int `json:"total_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// parseSSEChunk converts one decoded chunk into zero or more events, in the
// fixed order finish → thinking → content → tool calls → usage.
func parseSSEChunk(chunk *streamChunk) []ProviderEvent {
	var events []ProviderEvent

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]

		if choice.FinishReason != "" {
			events = append(events, ProviderEvent{
				Type:         EventFinish,
				FinishReason: choice.FinishReason,
			})
		}

		thinking := choice.Delta.ReasoningContent
		if thinking == "" {
			thinking = choice.Delta.Thinking
		}
		if thinking != "" {
			events = append(events, ProviderEvent{Type: EventThinkingDelta, Text: thinking})
		}

		if choice.Delta.Content != "" {
			events = append(events, ProviderEvent{Type: EventContentDelta, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, ProviderEvent{
				Type:           EventToolCallDelta,
				ToolCallIndex:  tc.Index,
				ToolCallID:     tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
	}

	if chunk.Usage != nil {
		usage := *chunk.Usage
		events = append(events, ProviderEvent{Type: EventUsage, Usage: &usage})
	}

	return events
}

// readSSE reads "data: <json>" lines from body until [DONE] or EOF, emitting
// parsed events. Malformed lines are skipped.
func readSSE(body io.Reader, emit func(ProviderEvent) bool) {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data: ") {
			if err != nil {
				return
			}
			continue
		}
		data := strings.TrimSpace(line[len("data: "):])
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
			continue
		}
		for _, event := range parseSSEChunk(&chunk) {
			if !emit(event) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// parseCompletionResponse decodes a non-streaming completion body.
func parseCompletionResponse(body []byte) (CompletionResult, error) {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CompletionResult{}, err
	}

	result := CompletionResult{}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.Thinking = choice.Message.ReasoningContent
		if result.Thinking == "" {
			result.Thinking = choice.Message.Thinking
		}
		result.FinishReason = choice.FinishReason

		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCallResult{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: ParseArguments(tc.Function.Arguments),
				RawArgs:   tc.Function.Arguments,
			})
		}
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			ReasoningTokens:  resp.Usage.CompletionTokensDetails.ReasoningTokens,
		}
	}
	return result, nil
}
