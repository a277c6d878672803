package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aistudio/backbone/internal/httpclient"
)

const githubAPI = "https://api.github.com"

// GitHubFallback is a minimal REST shim covering the handful of GitHub MCP
// tools the studio depends on, used when the github MCP server is down.
type GitHubFallback struct {
	httpClient *httpclient.Client
	secrets    SecretStore
}

// NewGitHubFallback creates the shim.
func NewGitHubFallback(secrets SecretStore) *GitHubFallback {
	return &GitHubFallback{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
		secrets: secrets,
	}
}

// fallbackTools is the set of MCP tool names the shim can serve.
var fallbackTools = map[string]bool{
	"get_issue": true, "create_issue": true, "list_pull_requests": true,
	"get_pull_request": true, "merge_pull_request": true, "get_repo": true,
	"list_branches": true,
}

// CanServe reports whether the shim handles toolName.
func (g *GitHubFallback) CanServe(toolName string) bool {
	return fallbackTools[toolName]
}

// Execute serves one fallback call, resolving the token and repo binding the
// same way the MCP secret resolver would.
func (g *GitHubFallback) Execute(ctx context.Context, toolName string, arguments map[string]any, workspaceDir, projectID string) (string, error) {
	if !g.CanServe(toolName) {
		return "", fmt.Errorf("no fallback for tool %s", toolName)
	}

	vars := collectVariables(ctx, g.secrets, workspaceDir, projectID)
	token := vars["github_token"]
	repo := stringArg(arguments, "repo")
	if repo == "" {
		if owner, name := stringArg(arguments, "owner"), stringArg(arguments, "repo_name"); owner != "" && name != "" {
			repo = owner + "/" + name
		} else {
			repo = vars["github_repo"]
		}
	}
	if repo == "" {
		return "", fmt.Errorf("no repository binding configured")
	}

	switch toolName {
	case "get_issue":
		return g.request(ctx, token, http.MethodGet,
			fmt.Sprintf("/repos/%s/issues/%d", repo, intArg(arguments, "issue_number")), nil)
	case "create_issue":
		payload := map[string]any{"title": stringArg(arguments, "title")}
		if body := stringArg(arguments, "body"); body != "" {
			payload["body"] = body
		}
		return g.request(ctx, token, http.MethodPost, fmt.Sprintf("/repos/%s/issues", repo), payload)
	case "list_pull_requests":
		state := stringArg(arguments, "state")
		if state == "" {
			state = "open"
		}
		return g.request(ctx, token, http.MethodGet,
			fmt.Sprintf("/repos/%s/pulls?state=%s&per_page=20", repo, state), nil)
	case "get_pull_request":
		return g.request(ctx, token, http.MethodGet,
			fmt.Sprintf("/repos/%s/pulls/%d", repo, intArg(arguments, "pull_number")), nil)
	case "merge_pull_request":
		payload := map[string]any{}
		if method := stringArg(arguments, "merge_method"); method != "" {
			payload["merge_method"] = method
		}
		return g.request(ctx, token, http.MethodPut,
			fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, intArg(arguments, "pull_number")), payload)
	case "get_repo":
		return g.request(ctx, token, http.MethodGet, "/repos/"+repo, nil)
	case "list_branches":
		return g.request(ctx, token, http.MethodGet,
			fmt.Sprintf("/repos/%s/branches?per_page=50", repo), nil)
	}
	return "", fmt.Errorf("unhandled fallback tool %s", toolName)
}

func (g *GitHubFallback) request(ctx context.Context, token, method, path string, payload any) (string, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, githubAPI+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("GitHub API %s %s failed (%d): %s",
			method, path, resp.StatusCode, truncate(string(data), 300))
	}

	// Pretty-print compactly for the model.
	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		pretty, err := json.MarshalIndent(decoded, "", "  ")
		if err == nil {
			return truncate(string(pretty), 6000), nil
		}
	}
	return truncate(strings.TrimSpace(string(data)), 6000), nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
