package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// httpConn serves the sse and streamable_http transports via the mcp-go
// client, which handles session negotiation and SSE reconnects.
type httpConn struct {
	config     ServerConfig
	client     *client.Client
	connected  bool
	serverInfo map[string]any
	lastError  string
}

func newHTTPConn(cfg ServerConfig) *httpConn {
	return &httpConn{config: cfg}
}

func (c *httpConn) connect(ctx context.Context) error {
	var mcpClient *client.Client
	var err error

	switch c.config.Transport {
	case "sse":
		mcpClient, err = client.NewSSEMCPClient(c.config.URL)
	case "streamable_http":
		mcpClient, err = client.NewStreamableHttpClient(c.config.URL)
	default:
		return fmt.Errorf("unsupported MCP transport: %s", c.config.Transport)
	}
	if err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "backbone", Version: "1.0.0"}

	initResp, err := mcpClient.Initialize(ctx, initReq)
	if err != nil {
		_ = mcpClient.Close()
		c.lastError = err.Error()
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.serverInfo = map[string]any{
		"name":    initResp.ServerInfo.Name,
		"version": initResp.ServerInfo.Version,
	}
	slog.Info("MCP client connected (http)",
		"slug", c.config.Slug, "transport", c.config.Transport, "url", c.config.URL)
	return nil
}

func (c *httpConn) Connected() bool            { return c.connected }
func (c *httpConn) ServerInfo() map[string]any { return c.serverInfo }
func (c *httpConn) LastError() string          { return c.lastError }

func (c *httpConn) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return convertTools(resp.Tools), nil
}

func (c *httpConn) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, toolCallRPCTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	return c.client.CallTool(ctx, req)
}

func (c *httpConn) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.client.Ping(ctx)
}

func (c *httpConn) Disconnect() {
	c.connected = false
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	slog.Info("MCP client disconnected", "slug", c.config.Slug)
}
