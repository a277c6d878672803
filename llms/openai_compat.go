package llms

import "context"

// OpenAICompatProvider serves any third-party endpoint speaking the OpenAI
// chat-completions protocol (DeepSeek, Qwen, Moonshot, self-hosted vLLM,
// Ollama, …). Base URL and key come from the per-slug provider record.
type OpenAICompatProvider struct {
	*chatCore
}

// NewOpenAICompatProvider creates a third-party driver.
func NewOpenAICompatProvider(info ProviderInfo) *OpenAICompatProvider {
	p := &OpenAICompatProvider{}
	p.chatCore = newChatCore(info, func(ctx context.Context, requestID string) (map[string]string, error) {
		headers := map[string]string{}
		if info.APIKey != "" {
			headers["Authorization"] = "Bearer " + info.APIKey
		}
		return headers, nil
	})
	return p
}
