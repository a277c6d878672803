package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio/backbone/config"
)

type fakeSecretStore struct {
	byProject map[string]*WorkspaceDirRecord
	byPath    map[string]*WorkspaceDirRecord
	active    *WorkspaceDirRecord
}

func (f *fakeSecretStore) WorkspaceDirForProject(ctx context.Context, projectID string) (*WorkspaceDirRecord, error) {
	return f.byProject[projectID], nil
}

func (f *fakeSecretStore) WorkspaceDirByPath(ctx context.Context, path string) (*WorkspaceDirRecord, error) {
	return f.byPath[path], nil
}

func (f *fakeSecretStore) ActiveWorkspaceDir(ctx context.Context) (*WorkspaceDirRecord, error) {
	return f.active, nil
}

func TestResolveEnvPrecedence(t *testing.T) {
	store := &fakeSecretStore{
		byProject: map[string]*WorkspaceDirRecord{
			"p1": {Path: "/ws/p1", GitHubToken: "project-token", GitHubRepo: "org/p1"},
		},
		active: &WorkspaceDirRecord{Path: "/ws/active", GitHubToken: "active-token"},
	}

	template := map[string]string{
		"GITHUB_PERSONAL_ACCESS_TOKEN": "{github_token}",
		"GITHUB_REPOSITORY":            "{github_repo}",
		"WORKSPACE":                    "{workspace_path}",
	}

	// Project row wins.
	env := ResolveEnv(context.Background(), store, template, "", "p1")
	assert.Equal(t, "project-token", env["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.Equal(t, "org/p1", env["GITHUB_REPOSITORY"])
	assert.Equal(t, "/ws/p1", env["WORKSPACE"])

	// Unknown project falls back to the active row.
	env = ResolveEnv(context.Background(), store, template, "", "nope")
	assert.Equal(t, "active-token", env["GITHUB_PERSONAL_ACCESS_TOKEN"])
}

func TestResolveEnvDropsUnresolved(t *testing.T) {
	settings := config.Get()
	settings.GitHubToken = ""
	settings.GitHubRepo = ""
	config.Replace(settings)

	env := ResolveEnv(context.Background(), nil, map[string]string{
		"TOKEN":  "{github_token}",
		"STATIC": "fixed-value",
		"MIXED":  "prefix-{unknown_var}",
	}, "", "")

	// Unresolved placeholders and empty values are dropped.
	assert.NotContains(t, env, "TOKEN")
	assert.NotContains(t, env, "MIXED")
	assert.Equal(t, "fixed-value", env["STATIC"])
}

func TestValidateSecrets(t *testing.T) {
	template := map[string]string{"A": "{a}", "B": "{b}"}
	complete, missing := ValidateSecrets(template, map[string]string{"A": "x"})
	assert.False(t, complete)
	require.Len(t, missing, 1)
	assert.Equal(t, "B", missing[0])

	complete, missing = ValidateSecrets(template, map[string]string{"A": "x", "B": "y"})
	assert.True(t, complete)
	assert.Empty(t, missing)
}

func TestRateLimiter(t *testing.T) {
	ResetRateLimitForTest()

	for i := 0; i < rateLimitMaxCalls; i++ {
		assert.True(t, CheckRateLimit("github", "p1"), "call %d", i)
	}
	// 61st call in the window is rejected.
	assert.False(t, CheckRateLimit("github", "p1"))

	// Other keys are independent.
	assert.True(t, CheckRateLimit("github", "p2"))
	assert.True(t, CheckRateLimit("slack", "p1"))
	assert.True(t, CheckRateLimit("github", "")) // global scope
}

func TestRegistryLifecycle(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ServerConfig{Slug: "github", Name: "GitHub", Enabled: true, Transport: "stdio"})
	registry.Register(ServerConfig{Slug: "off", Enabled: false})

	cfg, ok := registry.GetServer("github")
	require.True(t, ok)
	assert.Equal(t, "GitHub", cfg.Name)

	enabled := registry.EnabledServers()
	require.Len(t, enabled, 1)
	assert.Equal(t, "github", enabled[0].Slug)

	registry.UpdateDiscoveredTools("github", []ToolSchema{{Name: "get_repo"}})
	cfg, _ = registry.GetServer("github")
	require.Len(t, cfg.DiscoveredTools, 1)

	registry.Unregister("github")
	_, ok = registry.GetServer("github")
	assert.False(t, ok)
}
