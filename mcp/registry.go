// Package mcp implements the client side of the Model Context Protocol:
// persistent server configurations, per-server subprocess lifecycle with
// JSON-RPC 2.0 framing, tool discovery and adaptation, secret resolution,
// auditing, and rate limiting. HTTP transports ride on the mcp-go client.
package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ToolSchema is a discovered MCP tool in studio form.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerConfig describes one configured MCP server. Exactly one of
// Command+Args (stdio) or URL (sse / streamable_http) is operative per
// transport. EnvTemplate values may contain {var} placeholders resolved at
// connect time.
type ServerConfig struct {
	ID            int64             `json:"id"`
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Transport     string            `json:"transport"` // stdio | sse | streamable_http
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	EnvTemplate   map[string]string `json:"env_template,omitempty"`
	URL           string            `json:"url,omitempty"`
	Enabled       bool              `json:"enabled"`
	PermissionMap map[string]string `json:"permission_map,omitempty"`

	// DiscoveredTools is filled at runtime after a successful connect.
	DiscoveredTools []ToolSchema `json:"discovered_tools,omitempty"`
}

// ServerStore reads server configurations from persistence.
type ServerStore interface {
	ListMCPServers(ctx context.Context) ([]ServerConfig, error)
}

// Registry owns server configs and tool metadata. The client manager reads
// configs and publishes discovered tools back on successful connect.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig
	store   ServerStore
}

var (
	registryInstance *Registry
	registryOnce     sync.Once
)

// GetRegistry returns the process-wide server registry.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		registryInstance = NewRegistry()
	})
	return registryInstance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*ServerConfig)}
}

// SetStore attaches the persistence source.
func (r *Registry) SetStore(store ServerStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// Refresh reloads all server configs from persistence. A server that is
// still present keeps its previously discovered tools when its reloaded
// config carries none.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return nil
	}

	configs, err := store.ListMCPServers(ctx)
	if err != nil {
		slog.Warn("MCP registry refresh failed", "error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make(map[string]*ServerConfig, len(configs))
	for i := range configs {
		cfg := configs[i]
		if old, ok := r.servers[cfg.Slug]; ok && len(cfg.DiscoveredTools) == 0 {
			cfg.DiscoveredTools = old.DiscoveredTools
		}
		fresh[cfg.Slug] = &cfg
	}
	r.servers = fresh
	slog.Info("MCP registry loaded", "servers", len(r.servers))
	return nil
}

// Register adds or replaces a server config.
func (r *Registry) Register(cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[cfg.Slug] = &cfg
	slog.Info("MCP server registered", "slug", cfg.Slug, "name", cfg.Name)
}

// Unregister removes a server config.
func (r *Registry) Unregister(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, slug)
}

// GetServer returns a copy of the config for slug.
func (r *Registry) GetServer(slug string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[slug]
	if !ok {
		return ServerConfig{}, false
	}
	return *cfg, true
}

// EnabledServers returns all enabled configs sorted by slug.
func (r *Registry) EnabledServers() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServerConfig
	for _, cfg := range r.servers {
		if cfg.Enabled {
			out = append(out, *cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// UpdateDiscoveredTools publishes a server's tool list after connect.
func (r *Registry) UpdateDiscoveredTools(slug string, toolList []ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.servers[slug]; ok {
		cfg.DiscoveredTools = toolList
		slog.Info("MCP tools discovered", "slug", slug, "count", len(toolList))
	}
}

// ResetForTest clears the registry state.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]*ServerConfig)
	r.store = nil
}
