package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aistudio/backbone/internal/httpclient"
)

// Provider is the driver contract shared by the three provider families.
// Drivers only translate protocol differences (auth, headers, SSE); message
// history, tool loops and context windows are the caller's concern.
type Provider interface {
	// Stream issues a streaming chat completion. The returned channel is
	// closed when the response ends; cancelling ctx aborts the request.
	Stream(ctx context.Context, req Request) (<-chan ProviderEvent, error)

	// Complete issues a non-streaming chat completion.
	Complete(ctx context.Context, req Request) (CompletionResult, error)

	// Embed returns embeddings for texts. Drivers that don't support
	// embeddings return an error.
	Embed(ctx context.Context, texts []string, model string) (EmbeddingResult, error)

	Info() ProviderInfo
	Close() error
}

// headerFunc builds per-request headers; Copilot needs the request id.
type headerFunc func(ctx context.Context, requestID string) (map[string]string, error)

// chatCore implements the shared chat-completions wire protocol. Each driver
// wraps it with family-specific headers and auth.
type chatCore struct {
	info       ProviderInfo
	httpClient *httpclient.Client
	headers    headerFunc
}

func newChatCore(info ProviderInfo, headers headerFunc) *chatCore {
	return &chatCore{
		info:       info,
		httpClient: httpclient.New(),
		headers:    headers,
	}
}

func (c *chatCore) Info() ProviderInfo { return c.info }

func (c *chatCore) Close() error {
	c.httpClient.Close()
	return nil
}

func (c *chatCore) url(path string) string {
	base := c.info.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

func (c *chatCore) post(ctx context.Context, path string, payload any, requestID string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	headers, err := c.headers(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return c.httpClient.Do(req)
}

// Stream posts the request with stream=true and forwards SSE events. A non-200
// status yields a single classified error event.
func (c *chatCore) Stream(ctx context.Context, req Request) (<-chan ProviderEvent, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		payload.Tools = req.Tools
		payload.ToolChoice = req.ToolChoice
	}

	out := make(chan ProviderEvent, 64)
	go func() {
		defer close(out)

		resp, err := c.post(ctx, "/chat/completions", payload, req.RequestID)
		if err != nil {
			emitStreamError(ctx, out, ProviderEvent{Type: EventError, Err: err.Error()})
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errText := string(body)
			emitStreamError(ctx, out, ProviderEvent{
				Type:      EventError,
				Err:       fmt.Sprintf("%s error (%d): %s", c.info.Name, resp.StatusCode, errText),
				ErrorMeta: ParseErrorMeta(resp.StatusCode, errText, req.Model, c.info.ProviderType),
			})
			return
		}

		readSSE(resp.Body, func(event ProviderEvent) bool {
			select {
			case out <- event:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return out, nil
}

func emitStreamError(ctx context.Context, out chan<- ProviderEvent, event ProviderEvent) {
	select {
	case out <- event:
	case <-ctx.Done():
	}
}

// Complete posts the request without streaming.
func (c *chatCore) Complete(ctx context.Context, req Request) (CompletionResult, error) {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		payload.Tools = req.Tools
		payload.ToolChoice = req.ToolChoice
	}

	resp, err := c.post(ctx, "/chat/completions", payload, req.RequestID)
	if err != nil {
		return CompletionResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errText := string(body)
		return CompletionResult{}, &ProviderError{
			Message:    fmt.Sprintf("%s error (%d): %s", c.info.Name, resp.StatusCode, errText),
			StatusCode: resp.StatusCode,
			Meta:       ParseErrorMeta(resp.StatusCode, errText, req.Model, c.info.ProviderType),
		}
	}

	return parseCompletionResponse(body)
}

// Embed posts an embeddings request.
func (c *chatCore) Embed(ctx context.Context, texts []string, model string) (EmbeddingResult, error) {
	payload := map[string]any{"model": model, "input": texts}

	resp, err := c.post(ctx, "/embeddings", payload, "")
	if err != nil {
		return EmbeddingResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return EmbeddingResult{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return EmbeddingResult{}, &ProviderError{
			Message:    fmt.Sprintf("embedding error (%d): %s", resp.StatusCode, string(body)),
			StatusCode: resp.StatusCode,
		}
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return EmbeddingResult{}, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	result := EmbeddingResult{Model: model}
	for _, item := range decoded.Data {
		result.Embeddings = append(result.Embeddings, item.Embedding)
	}
	return result, nil
}
