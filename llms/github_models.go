package llms

import "context"

// GitHubModelsProvider is the default provider family: bearer PAT auth,
// chat-completions + embeddings, streamed SSE.
type GitHubModelsProvider struct {
	*chatCore
}

// NewGitHubModelsProvider creates the default provider driver.
func NewGitHubModelsProvider(info ProviderInfo) *GitHubModelsProvider {
	p := &GitHubModelsProvider{}
	p.chatCore = newChatCore(info, func(ctx context.Context, requestID string) (map[string]string, error) {
		return map[string]string{
			"Authorization": "Bearer " + info.APIKey,
		}, nil
	})
	return p
}
