package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"),
		[]byte("line1\nline2\nline3\nline4\nline5\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SECRET=x\n"), 0o600))
	// EvalSymlinks on macOS resolves /var → /private/var; normalise.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func newTestExecutor() *Executor {
	return NewExecutor(NewRegistry(), nil, nil)
}

func TestExecuteReadFile(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "read_file",
		map[string]any{"path": "README.md"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "README.md (lines 1-5 of")
	assert.Contains(t, result, "line3")
	assert.Contains(t, result, "```")
}

func TestExecuteReadFileRange(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "read_file",
		map[string]any{"path": "README.md", "start_line": 2, "end_line": 3}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "(lines 2-3 of")
	assert.Contains(t, result, "line2")
	assert.NotContains(t, result, "line5")
}

func TestExecuteReadFileSensitive(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "read_file",
		map[string]any{"path": ".env"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "敏感信息")
}

func TestExecuteReadFileEscape(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "read_file",
		map[string]any{"path": "../../etc/passwd"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "⚠️")
}

func TestExecutePermissionDenied(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: NewPermissionSet([]string{PermTree})}

	result, err := executor.Execute(context.Background(), "read_file",
		map[string]any{"path": "README.md"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "已被项目管理员禁用")
}

func TestExecuteUnknownTool(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "no_such_tool", nil, call)
	require.NoError(t, err)
	assert.Contains(t, result, "未知工具")
}

func TestExecuteListDirectory(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "list_directory",
		map[string]any{}, call)
	require.NoError(t, err)
	// Directories before files.
	assert.Less(t, strings.Index(result, "src/"), strings.Index(result, "README.md"))
}

func TestExecuteFileTree(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "get_file_tree",
		map[string]any{}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "src/")
	assert.Contains(t, result, "── ")
}

func TestExecuteSearchText(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "search_text",
		map[string]any{"query": "func main", "include_pattern": "*.go"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "main.go")
}

func TestExecuteAskUser(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "ask_user",
		map[string]any{"questions": []any{"which db?", "which region?"}}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "2 个问题")
}

func TestExecuteRunCommandReadonly(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "run_command",
		map[string]any{"command": "ls"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "README.md")
}

func TestExecuteRunCommandWriteDeniedWithoutPermission(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	result, err := executor.Execute(context.Background(), "run_command",
		map[string]any{"command": "touch created.txt"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "只读白名单")
	_, statErr := os.Stat(filepath.Join(ws, "created.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteRunCommandApprovalFlow(t *testing.T) {
	ws := testWorkspace(t)
	perms := DefaultPermissions()
	perms[PermExecuteCommand] = true

	approved := NewExecutor(NewRegistry(), nil,
		func(ctx context.Context, command, reason string) (ApprovalResult, error) {
			return ApprovalResult{Approved: true, Scope: "once"}, nil
		})
	call := CallContext{Workspace: ws, Permissions: perms}

	result, err := approved.Execute(context.Background(), "run_command",
		map[string]any{"command": "touch approved.txt"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "✅ 用户已授权执行 (本次)")
	_, statErr := os.Stat(filepath.Join(ws, "approved.txt"))
	assert.NoError(t, statErr)

	denied := NewExecutor(NewRegistry(), nil,
		func(ctx context.Context, command, reason string) (ApprovalResult, error) {
			return ApprovalResult{Approved: false, Reason: "too risky"}, nil
		})
	result, err = denied.Execute(context.Background(), "run_command",
		map[string]any{"command": "touch denied.txt"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "用户拒绝")
	assert.Contains(t, result, "too risky")
	_, statErr = os.Stat(filepath.Join(ws, "denied.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteRunCommandNoApprovalChannel(t *testing.T) {
	ws := testWorkspace(t)
	perms := DefaultPermissions()
	perms[PermExecuteCommand] = true
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: perms}

	result, err := executor.Execute(context.Background(), "run_command",
		map[string]any{"command": "touch nope.txt"}, call)
	require.NoError(t, err)
	assert.Contains(t, result, "未配置命令审批通道")
}

func TestExecuteParallel(t *testing.T) {
	ws := testWorkspace(t)
	executor := newTestExecutor()
	call := CallContext{Workspace: ws, Permissions: DefaultPermissions()}

	results := executor.ExecuteParallel(context.Background(), []Call{
		{ID: "a", Name: "read_file", Arguments: map[string]any{"path": "README.md"}},
		{ID: "b", Name: "get_file_tree", Arguments: map[string]any{}},
	}, call)

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Contains(t, results[0].Result, "line1")
	assert.GreaterOrEqual(t, results[0].DurationMS, int64(0))
}

func TestRegistryPermissionFiltering(t *testing.T) {
	registry := NewRegistry()

	all := registry.Definitions(DefaultPermissions())
	names := map[string]bool{}
	for _, def := range all {
		names[def.Name] = true
	}
	assert.True(t, names["read_file"])
	assert.True(t, names["run_command"])

	limited := registry.Definitions(NewPermissionSet([]string{PermTree}))
	for _, def := range limited {
		assert.Equal(t, "get_file_tree", def.Name)
	}
}

func TestRegistrySchemas(t *testing.T) {
	registry := NewRegistry()
	defs := registry.Definitions(DefaultPermissions())
	for _, def := range defs {
		require.NotNil(t, def.Parameters, def.Name)
		assert.Equal(t, "object", def.Parameters["type"], def.Name)
	}

	wire := OpenAITools(defs)
	require.Len(t, wire, len(defs))
	assert.Equal(t, "function", wire[0].Type)
}
