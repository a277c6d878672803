package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aistudio/backbone/tools"
)

// Router is the MCP execution adapter: the single entry point for
// mcp_<slug>__<tool> calls. It resolves credentials, connects, enforces
// permissions and rate limits, calls the tool, audits the outcome, and falls
// back to the built-in GitHub shim when the github server is unavailable.
// It implements tools.MCPRouter.
type Router struct {
	registry *Registry
	manager  *Manager
	secrets  SecretStore
	fallback *GitHubFallback
}

// NewRouter wires a router. secrets may be nil; fallback may be nil to
// disable the GitHub shim.
func NewRouter(registry *Registry, manager *Manager, secrets SecretStore, fallback *GitHubFallback) *Router {
	if registry == nil {
		registry = GetRegistry()
	}
	if manager == nil {
		manager = GetManager()
	}
	return &Router{registry: registry, manager: manager, secrets: secrets, fallback: fallback}
}

// IsMCPTool implements tools.MCPRouter.
func (r *Router) IsMCPTool(name string) bool {
	return IsMCPTool(name)
}

// Execute implements tools.MCPRouter.
func (r *Router) Execute(ctx context.Context, name string, arguments map[string]any, call tools.CallContext) (string, error) {
	serverSlug, toolName, ok := ParseStudioToolName(name)
	if !ok {
		return fmt.Sprintf("⚠️ 非法的 MCP 工具名: '%s'", name), nil
	}

	start := time.Now()

	cfg, found := r.registry.GetServer(serverSlug)
	if !found {
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 未注册", serverSlug), nil
	}
	if !cfg.Enabled {
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 已禁用", serverSlug), nil
	}

	if call.Permissions != nil && !CheckPermission(serverSlug, toolName, call.Permissions, cfg.PermissionMap) {
		return fmt.Sprintf(
			"⚠️ 项目未授权使用 MCP 工具 '%s' (服务: %s)。\n请在项目设置中启用 '%s' 权限。",
			toolName, serverSlug, ServerPermissionKey(serverSlug)), nil
	}

	if !CheckRateLimit(serverSlug, call.ProjectID) {
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 调用频率超限, 请稍后重试", serverSlug), nil
	}

	envOverride := ResolveEnv(ctx, r.secrets, cfg.EnvTemplate, call.WorkspaceDir, call.ProjectID)

	conn, err := r.manager.GetOrConnect(ctx, cfg, envOverride)
	if err != nil {
		errorMsg := fmt.Sprintf("MCP 服务 '%s' 连接失败", serverSlug)
		LogCall(AuditRecord{
			ServerSlug: serverSlug, ToolName: toolName, Arguments: arguments,
			DurationMS: time.Since(start).Milliseconds(),
			Success:    false, ProjectID: call.ProjectID, ErrorMessage: errorMsg,
		})
		if text, ok := r.tryFallback(ctx, serverSlug, toolName, arguments, call); ok {
			return "⚠️ MCP 不可用, 使用本地服务:\n" + text, nil
		}
		return "⚠️ " + errorMsg, nil
	}

	result, err := conn.CallTool(ctx, toolName, arguments)
	if err != nil {
		LogCall(AuditRecord{
			ServerSlug: serverSlug, ToolName: toolName, Arguments: arguments,
			DurationMS: time.Since(start).Milliseconds(),
			Success:    false, ProjectID: call.ProjectID, ErrorMessage: err.Error(),
		})
		slog.Error("MCP tool call failed",
			"slug", serverSlug, "tool", toolName, "error", err)
		if text, ok := r.tryFallback(ctx, serverSlug, toolName, arguments, call); ok {
			return "⚠️ MCP 调用失败, 使用本地服务:\n" + text, nil
		}
		return fmt.Sprintf("⚠️ MCP 工具调用失败: %v", err), nil
	}

	resultText := ResultToText(result)
	errorMessage := ""
	if result.IsError {
		errorMessage = resultText
	}
	LogCall(AuditRecord{
		ServerSlug: serverSlug, ToolName: toolName, Arguments: arguments,
		ResultPreview: resultText,
		DurationMS:    time.Since(start).Milliseconds(),
		Success:       !result.IsError, ProjectID: call.ProjectID,
		ErrorMessage: errorMessage,
	})
	return resultText, nil
}

// tryFallback routes known GitHub tools through the REST shim when the
// github server cannot serve them.
func (r *Router) tryFallback(ctx context.Context, serverSlug, toolName string, arguments map[string]any, call tools.CallContext) (string, bool) {
	if serverSlug != "github" || r.fallback == nil {
		return "", false
	}
	text, err := r.fallback.Execute(ctx, toolName, arguments, call.WorkspaceDir, call.ProjectID)
	if err != nil {
		slog.Warn("GitHub fallback failed", "tool", toolName, "error", err)
		return "", false
	}
	return text, true
}
