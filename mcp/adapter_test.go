package mcp

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio/backbone/tools"
)

func TestToolNameRoundTrip(t *testing.T) {
	name := MakeStudioToolName("github", "create_issue")
	assert.Equal(t, "mcp_github__create_issue", name)

	slug, tool, ok := ParseStudioToolName(name)
	require.True(t, ok)
	assert.Equal(t, "github", slug)
	assert.Equal(t, "create_issue", tool)

	// Tool names containing the separator survive the round trip.
	weird := MakeStudioToolName("srv", "do__thing")
	slug, tool, ok = ParseStudioToolName(weird)
	require.True(t, ok)
	assert.Equal(t, "srv", slug)
	assert.Equal(t, "do__thing", tool)
}

func TestParseStudioToolNameRejectsNonMCP(t *testing.T) {
	for _, name := range []string{"read_file", "mcp_", "mcp_github", "mcp___x", "other__tool"} {
		_, _, ok := ParseStudioToolName(name)
		assert.False(t, ok, name)
	}
	assert.False(t, IsMCPTool("run_command"))
	assert.True(t, IsMCPTool("mcp_github__get_repo"))
}

func TestCheckPermission(t *testing.T) {
	perms := tools.NewPermissionSet([]string{"mcp_github", "mcp_github_merge"})

	// Server grant alone suffices when no map entry names the tool.
	assert.True(t, CheckPermission("github", "get_issue", perms, nil))

	// Missing server grant denies.
	assert.False(t, CheckPermission("slack", "post", perms, nil))

	// Mapped tool requires the mapped key.
	pm := map[string]string{"merge_pull_request": "mcp_github_merge", "delete_repo": "mcp_github_admin"}
	assert.True(t, CheckPermission("github", "merge_pull_request", perms, pm))
	assert.False(t, CheckPermission("github", "delete_repo", perms, pm))
}

func TestToolToDefinition(t *testing.T) {
	server := ServerConfig{
		Slug: "github", Name: "GitHub MCP",
		PermissionMap: map[string]string{"merge_pull_request": "mcp_github_merge"},
	}
	tool := ToolSchema{
		Name:        "merge_pull_request",
		Description: "Merge a pull request",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"pull_number": map[string]any{"type": "number"}},
			"required":   []any{"pull_number"},
		},
	}

	def := ToolToDefinition(tool, server)
	assert.Equal(t, "mcp_github__merge_pull_request", def.Name)
	assert.Contains(t, def.Description, "[GitHub MCP]")
	assert.Equal(t, "object", def.Parameters["type"])
	assert.Contains(t, def.RequiredPermissions, "mcp_github")
	assert.Contains(t, def.RequiredPermissions, "mcp_github_merge")
}

func TestDefinitionsForPermissions(t *testing.T) {
	registry := NewRegistry()
	registry.Register(ServerConfig{Slug: "github", Name: "GitHub", Enabled: true,
		DiscoveredTools: []ToolSchema{{Name: "get_repo"}, {Name: "get_issue"}}})
	registry.Register(ServerConfig{Slug: "slack", Name: "Slack", Enabled: true,
		DiscoveredTools: []ToolSchema{{Name: "post_message"}}})
	registry.Register(ServerConfig{Slug: "off", Enabled: false,
		DiscoveredTools: []ToolSchema{{Name: "never"}}})

	source := DefinitionsForPermissions(registry)
	defs := source(tools.NewPermissionSet([]string{"mcp_github"}))

	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
	}
	assert.True(t, names["mcp_github__get_repo"])
	assert.True(t, names["mcp_github__get_issue"])
	assert.False(t, names["mcp_slack__post_message"])
	assert.False(t, names["mcp_off__never"])
}

func TestResultToText(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "line one"},
			mcp.TextContent{Type: "text", Text: "line two"},
		},
	}
	assert.Equal(t, "line one\nline two", ResultToText(result))

	errResult := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "not found"}},
	}
	text := ResultToText(errResult)
	assert.Contains(t, text, "⚠️ MCP 工具执行失败")
	assert.Contains(t, text, "not found")

	assert.Equal(t, "(无输出)", ResultToText(&mcp.CallToolResult{}))
	assert.Equal(t, "(无输出)", ResultToText(nil))
}
