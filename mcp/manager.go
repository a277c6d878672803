package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns all MCP connections: created on first use, kept warm, pinged
// for health, force-disconnected on config update. Connection setup is
// serialised per manager; concurrent callers on the same server share one
// connection.
type Manager struct {
	mu          sync.Mutex
	connections map[string]serverConn
	lastErrors  map[string]string
	registry    *Registry
}

var (
	managerInstance *Manager
	managerOnce     sync.Once
)

// GetManager returns the process-wide connection manager.
func GetManager() *Manager {
	managerOnce.Do(func() {
		managerInstance = NewManager(GetRegistry())
	})
	return managerInstance
}

// NewManager creates a manager bound to a registry.
func NewManager(registry *Registry) *Manager {
	return &Manager{
		connections: make(map[string]serverConn),
		lastErrors:  make(map[string]string),
		registry:    registry,
	}
}

// GetOrConnect returns a live connection for the config, creating one when
// needed. envOverride injects per-call credentials (e.g. a workspace-bound
// token). On success discovered tools are published to the registry.
func (m *Manager) GetOrConnect(ctx context.Context, cfg ServerConfig, envOverride map[string]string) (serverConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[cfg.Slug]; ok {
		if conn.Connected() {
			return conn, nil
		}
		conn.Disconnect()
		delete(m.connections, cfg.Slug)
	}

	var conn serverConn
	var err error
	switch cfg.Transport {
	case "", "stdio":
		stdio := newStdioConn(cfg, envOverride)
		err = stdio.connect(ctx)
		conn = stdio
	case "sse", "streamable_http":
		httpc := newHTTPConn(cfg)
		err = httpc.connect(ctx)
		conn = httpc
	default:
		return nil, fmt.Errorf("unsupported MCP transport: %s", cfg.Transport)
	}

	if err != nil {
		if lastErr := conn.LastError(); lastErr != "" {
			m.lastErrors[cfg.Slug] = lastErr
		} else {
			m.lastErrors[cfg.Slug] = err.Error()
		}
		return nil, err
	}

	m.connections[cfg.Slug] = conn
	delete(m.lastErrors, cfg.Slug)

	if toolList, err := conn.ListTools(ctx); err == nil {
		if m.registry != nil {
			m.registry.UpdateDiscoveredTools(cfg.Slug, toolList)
		}
	} else {
		slog.Warn("MCP tool discovery failed", "slug", cfg.Slug, "error", err)
	}

	return conn, nil
}

// GetConnection returns an existing live connection without creating one.
func (m *Manager) GetConnection(slug string) serverConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[slug]; ok && conn.Connected() {
		return conn
	}
	return nil
}

// Disconnect closes a single server's connection, e.g. on config update.
func (m *Manager) Disconnect(slug string) {
	m.mu.Lock()
	conn, ok := m.connections[slug]
	delete(m.connections, slug)
	m.mu.Unlock()
	if ok {
		conn.Disconnect()
	}
}

// DisconnectAll gracefully closes every connection. Called at shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]serverConn)
	m.mu.Unlock()

	for slug, conn := range conns {
		conn.Disconnect()
		slog.Debug("MCP connection closed", "slug", slug)
	}
	slog.Info("MCP manager shut down", "connections", len(conns))
}

// LastError returns the most recent connect failure for a server.
func (m *Manager) LastError(slug string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErrors[slug]
}

// HealthStatus summarises one connection's health.
type HealthStatus struct {
	Connected  bool           `json:"connected"`
	Healthy    bool           `json:"healthy"`
	ServerInfo map[string]any `json:"server_info,omitempty"`
}

// HealthCheck pings every connection.
func (m *Manager) HealthCheck(ctx context.Context) map[string]HealthStatus {
	m.mu.Lock()
	conns := make(map[string]serverConn, len(m.connections))
	for slug, conn := range m.connections {
		conns[slug] = conn
	}
	m.mu.Unlock()

	result := make(map[string]HealthStatus, len(conns))
	for slug, conn := range conns {
		status := HealthStatus{Connected: conn.Connected()}
		if status.Connected {
			status.Healthy = conn.Ping(ctx) == nil
			status.ServerInfo = conn.ServerInfo()
		}
		result[slug] = status
	}
	return result
}
