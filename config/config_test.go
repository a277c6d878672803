package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("WORKSPACE_PATH", "/tmp/ws")
	t.Setenv("ALLOW_UNATTENDED_WRITES", "true")
	t.Setenv("RAG_ENABLED", "false")

	settings, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ws", settings.WorkspacePath)
	assert.True(t, settings.AllowUnattendedWrites)
	assert.False(t, settings.RAGEnabled)
	assert.Equal(t, "gpt-4o", settings.DefaultModel)

	// The published snapshot matches.
	assert.Equal(t, settings, Get())
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"default_model: deepseek:deepseek-chat\nlog_level: debug\n"), 0o644))

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek:deepseek-chat", settings.DefaultModel)
	assert.Equal(t, "debug", settings.LogLevel)
}

func TestReplacePublishesSnapshot(t *testing.T) {
	original := Get()
	modified := original
	modified.GitHubToken = "new-token"
	Replace(modified)

	assert.Equal(t, "new-token", Get().GitHubToken)
	Replace(original)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("warning").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}
