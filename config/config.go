// Package config holds the process-wide settings snapshot.
//
// Settings are loaded once from the environment (with optional .env and YAML
// overlays) and published as an immutable snapshot. Mutation replaces the
// whole snapshot; readers take it once per agent run.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Settings is an immutable configuration snapshot.
type Settings struct {
	// WorkspacePath is the root directory tools may touch.
	WorkspacePath string `yaml:"workspace_path"`

	// DataPath holds clones, indexes and the SQLite database.
	DataPath string `yaml:"data_path"`

	// DatabasePath overrides the default <data_path>/backbone.db location.
	DatabasePath string `yaml:"database_path"`

	// GitHubToken is the global PAT used by the default provider and the
	// GitHub fallback when no workspace-level token is bound.
	GitHubToken string `yaml:"github_token"`

	// GitHubRepo is the default owner/repo binding.
	GitHubRepo string `yaml:"github_repo"`

	// GitCloneURL overrides repo-derived clone URLs.
	GitCloneURL string `yaml:"git_clone_url"`

	// ModelsEndpoint is the default provider's chat-completions base URL.
	ModelsEndpoint string `yaml:"models_endpoint"`

	// CopilotChatURL is the Copilot provider's base URL.
	CopilotChatURL string `yaml:"copilot_chat_url"`

	// DefaultModel is used when callers pass an empty model id.
	DefaultModel string `yaml:"default_model"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AllowUnattendedWrites lets the executor run write commands without an
	// approval callback. Off unless explicitly configured.
	AllowUnattendedWrites bool `yaml:"allow_unattended_writes"`

	// FabricationDetection toggles the agent's fabrication guard.
	FabricationDetection bool `yaml:"fabrication_detection"`

	// RAGEnabled toggles the retrieval context source and indexer.
	RAGEnabled bool `yaml:"rag_enabled"`

	// MemoryEnabled toggles the long-term memory context source.
	MemoryEnabled bool `yaml:"memory_enabled"`
}

var current atomic.Pointer[Settings]

func init() {
	s := defaults()
	current.Store(&s)
}

func defaults() Settings {
	return Settings{
		WorkspacePath:        "/workspace",
		DataPath:             "./backbone-data",
		ModelsEndpoint:       "https://models.inference.ai.azure.com",
		CopilotChatURL:       "https://api.githubcopilot.com",
		DefaultModel:         "gpt-4o",
		LogLevel:             "info",
		FabricationDetection: true,
		RAGEnabled:           true,
		MemoryEnabled:        true,
	}
}

// Get returns the current settings snapshot.
func Get() Settings {
	return *current.Load()
}

// Replace publishes a new settings snapshot.
func Replace(s Settings) {
	current.Store(&s)
}

// Load builds settings from defaults, an optional YAML file, then the
// environment, and publishes the result.
func Load(yamlPath string) (Settings, error) {
	LoadDotEnv()

	s := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return s, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&s)
	Replace(s)
	return s, nil
}

func applyEnv(s *Settings) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr(&s.WorkspacePath, "WORKSPACE_PATH")
	setStr(&s.DataPath, "DATA_PATH")
	setStr(&s.DatabasePath, "DATABASE_PATH")
	setStr(&s.GitHubToken, "GITHUB_TOKEN")
	setStr(&s.GitHubRepo, "GITHUB_REPO")
	setStr(&s.GitCloneURL, "GIT_CLONE_URL")
	setStr(&s.ModelsEndpoint, "MODELS_ENDPOINT")
	setStr(&s.CopilotChatURL, "COPILOT_CHAT_URL")
	setStr(&s.DefaultModel, "DEFAULT_MODEL")
	setStr(&s.LogLevel, "LOG_LEVEL")
	setBool(&s.AllowUnattendedWrites, "ALLOW_UNATTENDED_WRITES")
	setBool(&s.FabricationDetection, "FABRICATION_DETECTION")
	setBool(&s.RAGEnabled, "RAG_ENABLED")
	setBool(&s.MemoryEnabled, "MEMORY_ENABLED")
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
