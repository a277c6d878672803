package mcp

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aistudio/backbone/config"
)

// WorkspaceDirRecord is a persisted workspace-directory row carrying
// per-directory credentials and repo bindings.
type WorkspaceDirRecord struct {
	Path        string
	GitHubToken string
	GitHubRepo  string
	GitLabToken string
	GitLabRepo  string
	GitLabURL   string
	IsActive    bool
}

// SecretStore reads workspace-directory rows from persistence.
type SecretStore interface {
	WorkspaceDirForProject(ctx context.Context, projectID string) (*WorkspaceDirRecord, error)
	WorkspaceDirByPath(ctx context.Context, path string) (*WorkspaceDirRecord, error)
	ActiveWorkspaceDir(ctx context.Context) (*WorkspaceDirRecord, error)
}

// ResolveEnv resolves an env template for one connection. Variable precedence
// is the project's workspace-directory row, then the explicit path's row,
// then the active row, then global settings. Empty values and unresolved
// {...} placeholders are dropped. Token values are never logged.
func ResolveEnv(ctx context.Context, store SecretStore, envTemplate map[string]string, workspaceDir, projectID string) map[string]string {
	variables := collectVariables(ctx, store, workspaceDir, projectID)

	resolved := make(map[string]string, len(envTemplate))
	for key, template := range envTemplate {
		value := template
		for name, varValue := range variables {
			placeholder := "{" + name + "}"
			if strings.Contains(value, placeholder) {
				value = strings.ReplaceAll(value, placeholder, varValue)
			}
		}
		if value == "" || strings.Contains(value, "{") {
			continue
		}
		resolved[key] = value
	}

	slog.Debug("MCP secrets resolved", "keys", len(resolved), "template_keys", len(envTemplate))
	return resolved
}

func collectVariables(ctx context.Context, store SecretStore, workspaceDir, projectID string) map[string]string {
	variables := map[string]string{}

	var ws *WorkspaceDirRecord
	if store != nil {
		if projectID != "" {
			ws, _ = store.WorkspaceDirForProject(ctx, projectID)
		}
		if ws == nil && workspaceDir != "" {
			ws, _ = store.WorkspaceDirByPath(ctx, workspaceDir)
		}
		if ws == nil {
			ws, _ = store.ActiveWorkspaceDir(ctx)
		}
	}

	if ws != nil {
		setIf(variables, "github_token", ws.GitHubToken)
		setIf(variables, "github_repo", ws.GitHubRepo)
		setIf(variables, "gitlab_token", ws.GitLabToken)
		setIf(variables, "gitlab_repo", ws.GitLabRepo)
		setIf(variables, "gitlab_url", ws.GitLabURL)
		setIf(variables, "workspace_path", ws.Path)
	}

	settings := config.Get()
	setDefault(variables, "github_token", settings.GitHubToken)
	setDefault(variables, "github_repo", settings.GitHubRepo)
	setDefault(variables, "workspace_path", settings.WorkspacePath)

	return variables
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok && value != "" {
		m[key] = value
	}
}

// ValidateSecrets reports which template keys failed to resolve.
func ValidateSecrets(envTemplate, resolved map[string]string) (complete bool, missing []string) {
	for key := range envTemplate {
		if resolved[key] == "" {
			missing = append(missing, key)
		}
	}
	return len(missing) == 0, missing
}
