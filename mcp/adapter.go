package mcp

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aistudio/backbone/tools"
)

// Studio tool naming: an MCP tool appears to the model as
// mcp_<slug>__<tool>. The double underscore separates slug from tool name.
const (
	toolPrefix    = "mcp_"
	toolSeparator = "__"
)

// MakeStudioToolName builds the studio-side name for an MCP tool.
func MakeStudioToolName(serverSlug, mcpToolName string) string {
	return toolPrefix + serverSlug + toolSeparator + mcpToolName
}

// ParseStudioToolName splits a studio tool name back into (slug, tool).
// Returns ok=false for non-MCP names.
func ParseStudioToolName(studioName string) (slug, tool string, ok bool) {
	if !strings.HasPrefix(studioName, toolPrefix) {
		return "", "", false
	}
	rest := studioName[len(toolPrefix):]
	idx := strings.Index(rest, toolSeparator)
	if idx <= 0 || idx+len(toolSeparator) >= len(rest) {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(toolSeparator):], true
}

// IsMCPTool reports whether a studio tool name routes to an MCP server.
func IsMCPTool(studioName string) bool {
	_, _, ok := ParseStudioToolName(studioName)
	return ok
}

// ServerPermissionKey is the server-level grant: mcp_<slug>.
func ServerPermissionKey(serverSlug string) string {
	return "mcp_" + serverSlug
}

// ToolPermissionKey is the optional finer grant: mcp_<slug>_<tool>.
func ToolPermissionKey(serverSlug, toolName string) string {
	return "mcp_" + serverSlug + "_" + toolName
}

// CheckPermission decides whether a call is allowed: the server key must be
// granted, and when the server's permission map names the tool, the mapped
// key must be granted too.
func CheckPermission(serverSlug, toolName string, permissions tools.PermissionSet, permissionMap map[string]string) bool {
	if !permissions[ServerPermissionKey(serverSlug)] {
		return false
	}
	if permissionMap != nil {
		if mapped, ok := permissionMap[toolName]; ok && mapped != "" && !permissions[mapped] {
			return false
		}
	}
	return true
}

// ToolToDefinition translates a discovered MCP tool 1:1 into a studio tool
// definition (inputSchema → parameters).
func ToolToDefinition(tool ToolSchema, server ServerConfig) tools.Definition {
	description := tool.Description
	if server.Name != "" {
		description = fmt.Sprintf("[%s] %s", server.Name, description)
	}

	parameters := tool.InputSchema
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	required := []string{ServerPermissionKey(server.Slug)}
	if mapped, ok := server.PermissionMap[tool.Name]; ok && mapped != "" {
		required = append(required, mapped)
	}

	return tools.Definition{
		Name:                MakeStudioToolName(server.Slug, tool.Name),
		Description:         description,
		Parameters:          parameters,
		RequiredPermissions: required,
	}
}

// DefinitionsForPermissions returns studio definitions of every discovered
// tool on enabled servers the caller may use. Wired into the tool registry
// as its MCP source.
func DefinitionsForPermissions(registry *Registry) tools.MCPSource {
	return func(permissions tools.PermissionSet) []tools.Definition {
		var defs []tools.Definition
		for _, server := range registry.EnabledServers() {
			if !permissions[ServerPermissionKey(server.Slug)] {
				continue
			}
			for _, tool := range server.DiscoveredTools {
				defs = append(defs, ToolToDefinition(tool, server))
			}
		}
		return defs
	}
}

// ResultToText flattens an MCP call result to the plain text handed to the
// model. Image payloads are elided; embedded resources keep their URI.
func ResultToText(result *mcp.CallToolResult) string {
	if result == nil {
		return "(无输出)"
	}

	var parts []string
	for _, content := range result.Content {
		switch item := content.(type) {
		case mcp.TextContent:
			parts = append(parts, item.Text)
		case mcp.ImageContent:
			parts = append(parts, "[图片数据 - 已省略]")
		case mcp.EmbeddedResource:
			if text, ok := item.Resource.(mcp.TextResourceContents); ok {
				parts = append(parts, fmt.Sprintf("[资源: %s]\n%s", text.URI, text.Text))
			} else {
				parts = append(parts, "[资源内容]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%T]", content))
		}
	}

	text := strings.Join(parts, "\n")
	if text == "" {
		text = "(无输出)"
	}
	if result.IsError {
		return "⚠️ MCP 工具执行失败:\n" + text
	}
	return text
}
