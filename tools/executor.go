package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aistudio/backbone/config"
)

const readonlyToolTimeout = 10 * time.Second

// ApprovalResult is the user's answer to a write-command approval request.
// Scope is one of once, session, project, permanent, rule.
type ApprovalResult struct {
	Approved bool   `json:"approved"`
	Scope    string `json:"scope,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalFunc asks the user to approve a write command. Supplied by the
// caller; it may block until the user answers.
type ApprovalFunc func(ctx context.Context, command, reason string) (ApprovalResult, error)

// MCPRouter routes mcp_<slug>__<tool> calls. Implemented by the mcp package
// and injected to keep the dependency one-way.
type MCPRouter interface {
	IsMCPTool(name string) bool
	Execute(ctx context.Context, name string, arguments map[string]any, call CallContext) (string, error)
}

// CallContext carries the per-run execution environment.
type CallContext struct {
	Workspace    string
	Permissions  PermissionSet
	ProjectID    string
	WorkspaceDir string
}

// Call is one tool invocation for parallel execution.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// CallResult is the outcome of one parallel invocation, keyed by call id.
type CallResult struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

var scopeLabels = map[string]string{
	"once":      "本次",
	"session":   "本会话",
	"project":   "本项目",
	"permanent": "永久",
	"rule":      "规则匹配",
}

// Executor dispatches tool calls: permission check, path sandbox, MCP
// routing, command approval flow, timeouts. It borrows the registry and the
// MCP router and owns no state of its own.
type Executor struct {
	registry *Registry
	mcp      MCPRouter
	approval ApprovalFunc
}

// NewExecutor creates an executor. mcp and approval may be nil.
func NewExecutor(registry *Registry, mcp MCPRouter, approval ApprovalFunc) *Executor {
	if registry == nil {
		registry = GetRegistry()
	}
	return &Executor{registry: registry, mcp: mcp, approval: approval}
}

// Execute runs one tool call and returns the result text. Execution failures
// that the model can act on are returned as result text, not errors; errors
// are reserved for unexpected internal failures.
func (e *Executor) Execute(ctx context.Context, name string, arguments map[string]any, call CallContext) (string, error) {
	if e.mcp != nil && e.mcp.IsMCPTool(name) {
		return e.mcp.Execute(ctx, name, arguments, call)
	}

	perms := call.Permissions
	if perms == nil {
		perms = DefaultPermissions()
	}

	if required, ok := toolPermissions[name]; ok && !perms.HasAll(required) {
		return fmt.Sprintf("⚠️ 工具 '%s' 已被项目管理员禁用", name), nil
	}

	if name == "run_command" {
		return e.handleRunCommand(ctx, arguments, call, perms)
	}

	toolCtx, cancel := context.WithTimeout(ctx, readonlyToolTimeout)
	defer cancel()

	switch name {
	case "read_file":
		args := &ReadFileArgs{}
		if err := decodeArgs(arguments, args); err != nil {
			return "⚠️ " + err.Error(), nil
		}
		return readFile(toolCtx, args, call.Workspace)

	case "search_text":
		args := &SearchTextArgs{}
		if err := decodeArgs(arguments, args); err != nil {
			return "⚠️ " + err.Error(), nil
		}
		return searchText(toolCtx, args, call.Workspace)

	case "list_directory":
		args := &ListDirectoryArgs{}
		if err := decodeArgs(arguments, args); err != nil {
			return "⚠️ " + err.Error(), nil
		}
		return listDirectory(args, call.Workspace)

	case "get_file_tree":
		args := &FileTreeArgs{}
		if err := decodeArgs(arguments, args); err != nil {
			return "⚠️ " + err.Error(), nil
		}
		return fileTree(args, call.Workspace)

	case "ask_user":
		args := &AskUserArgs{}
		if err := decodeArgs(arguments, args); err != nil {
			return "⚠️ " + err.Error(), nil
		}
		return askUser(args)

	default:
		return fmt.Sprintf("⚠️ 未知工具: '%s'", name), nil
	}
}

// handleRunCommand routes a command to the read-only path or the approval
// flow.
func (e *Executor) handleRunCommand(ctx context.Context, arguments map[string]any, call CallContext, perms PermissionSet) (string, error) {
	args := &RunCommandArgs{}
	if err := decodeArgs(arguments, args); err != nil {
		return "⚠️ " + err.Error(), nil
	}

	if IsReadonlyCommand(args.Command) {
		return runReadonlyCommand(ctx, args, call.Workspace)
	}

	if !perms[PermExecuteCommand] {
		return fmt.Sprintf(
			"⚠️ 此命令不在只读白名单中，且项目未开启「执行写入命令」权限。\n命令: %s\n\n"+
				"只读命令示例: git log, git diff, ls, cat, grep, find, python3 -c 等\n"+
				"如需执行此命令，请让用户在工具面板中开启「⚠️ 执行写入命令」权限。", args.Command), nil
	}

	if e.approval == nil {
		// Without an approval channel write commands stay blocked unless the
		// deployment explicitly opts in.
		if !config.Get().AllowUnattendedWrites {
			return fmt.Sprintf(
				"⚠️ 未配置命令审批通道，已拒绝执行写入命令。\n命令: %s", args.Command), nil
		}
		slog.Warn("Executing write command without approval channel", "command", args.Command)
		return runUnrestrictedCommand(ctx, args, call.Workspace)
	}

	approval, err := e.approval(ctx, args.Command, "")
	if err != nil {
		return fmt.Sprintf("⚠️ 命令审批失败: %v", err), nil
	}
	if !approval.Approved {
		reason := approval.Reason
		if reason == "" {
			reason = "用户拒绝"
		}
		return fmt.Sprintf(
			"⚠️ 用户拒绝执行此命令。\n命令: %s\n原因: %s\n\n"+
				"请改用只读命令获取信息，或向用户解释为什么需要执行此命令后再次尝试。",
			args.Command, reason), nil
	}

	result, err := runUnrestrictedCommand(ctx, args, call.Workspace)
	if err != nil {
		return "", err
	}
	if label, ok := scopeLabels[approval.Scope]; ok {
		return fmt.Sprintf("✅ 用户已授权执行 (%s)\n\n%s", label, result), nil
	}
	return result, nil
}

// ExecuteParallel runs calls concurrently, returning results keyed by call id
// with per-call durations. Result order matches the input order.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []Call, call CallContext) []CallResult {
	results := make([]CallResult, len(calls))
	var wg sync.WaitGroup

	for i, c := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			start := time.Now()
			result, err := e.Execute(ctx, c.Name, c.Arguments, call)
			if err != nil {
				result = fmt.Sprintf("⚠️ 工具执行失败: %v", err)
			}
			results[i] = CallResult{
				ID:         c.ID,
				Name:       c.Name,
				Result:     result,
				DurationMS: time.Since(start).Milliseconds(),
			}
		}(i, c)
	}

	wg.Wait()
	return results
}
