// Package tools implements the tool subsystem: schema registry, permission
// filtering, built-in filesystem/command tools, and the executor that routes
// calls to built-ins or MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/aistudio/backbone/llms"
)

// Permission keys for built-in tools.
const (
	PermAskUser            = "ask_user"
	PermReadSource         = "read_source"
	PermReadConfig         = "read_config"
	PermSearch             = "search"
	PermTree               = "tree"
	PermExecuteReadonly    = "execute_readonly_command"
	PermExecuteCommand     = "execute_command"
)

// PermissionSet is the caller's granted permission keys.
type PermissionSet map[string]bool

// NewPermissionSet builds a set from a key list.
func NewPermissionSet(keys []string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// HasAll reports whether every required key is granted.
func (p PermissionSet) HasAll(required []string) bool {
	for _, k := range required {
		if !p[k] {
			return false
		}
	}
	return true
}

// DefaultPermissions grants the read-only surface.
func DefaultPermissions() PermissionSet {
	return NewPermissionSet([]string{
		PermAskUser, PermReadSource, PermReadConfig, PermSearch, PermTree,
		PermExecuteReadonly,
	})
}

// Definition declares a tool: name, description, JSON Schema parameters, and
// the permission keys a caller must hold. The schema is declarative; the
// executor never interprets it, it is only forwarded to the LLM.
type Definition struct {
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Parameters          map[string]any `json:"parameters"`
	RequiredPermissions []string       `json:"required_permissions,omitempty"`
}

// DefinitionStore supplies extra tool definitions from persistence.
type DefinitionStore interface {
	ListToolDefinitions(ctx context.Context) ([]Definition, error)
}

// MCPSource supplies MCP tool definitions filtered by permissions. Injected
// by the mcp package to avoid a dependency cycle.
type MCPSource func(permissions PermissionSet) []Definition

// Registry holds the ordered built-in definitions plus cached persisted ones.
type Registry struct {
	mu        sync.RWMutex
	builtins  []Definition
	persisted []Definition
	store     DefinitionStore
	mcpSource MCPSource
}

var (
	registryInstance *Registry
	registryOnce     sync.Once
)

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		registryInstance = NewRegistry()
	})
	return registryInstance
}

// NewRegistry creates a registry seeded with the built-in tools.
func NewRegistry() *Registry {
	return &Registry{builtins: builtinDefinitions()}
}

// SetStore attaches the persistence source for extra definitions.
func (r *Registry) SetStore(store DefinitionStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// SetMCPSource attaches the MCP tool definition source.
func (r *Registry) SetMCPSource(source MCPSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpSource = source
}

// Refresh reloads persisted definitions into the cache.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return nil
	}
	defs, err := store.ListToolDefinitions(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.persisted = defs
	r.mu.Unlock()
	return nil
}

// Definitions returns the tools visible to a caller: built-ins and persisted
// definitions whose required permissions are all granted, then MCP tools.
func (r *Registry) Definitions(permissions PermissionSet) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Definition
	for _, def := range r.builtins {
		if permissions.HasAll(def.RequiredPermissions) {
			result = append(result, def)
		}
	}
	for _, def := range r.persisted {
		if permissions.HasAll(def.RequiredPermissions) {
			result = append(result, def)
		}
	}
	if r.mcpSource != nil {
		result = append(result, r.mcpSource(permissions)...)
	}
	return result
}

// OpenAITools converts definitions to the wire tool format.
func OpenAITools(defs []Definition) []llms.Tool {
	tools := make([]llms.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: llms.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// schemaFor reflects a parameter struct into a plain JSON Schema map.
func schemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func builtinDefinitions() []Definition {
	return []Definition{
		{
			Name: "read_file",
			Description: "读取工作区中的文件内容。大文件请使用 start_line/end_line 分段读取，" +
				"单次最多返回 200 行。",
			Parameters:          schemaFor(&ReadFileArgs{}),
			RequiredPermissions: []string{PermReadSource},
		},
		{
			Name: "search_text",
			Description: "在工作区中搜索文本或正则表达式，返回匹配行及上下文。" +
				"务必指定 include_pattern 缩小范围。",
			Parameters:          schemaFor(&SearchTextArgs{}),
			RequiredPermissions: []string{PermSearch},
		},
		{
			Name:                "list_directory",
			Description:         "列出目录内容，目录在前、文件在后，含大小与条目数。",
			Parameters:          schemaFor(&ListDirectoryArgs{}),
			RequiredPermissions: []string{PermReadSource},
		},
		{
			Name:                "get_file_tree",
			Description:         "获取项目目录树 (最大深度 4)，建议对话开始时调用一次。",
			Parameters:          schemaFor(&FileTreeArgs{}),
			RequiredPermissions: []string{PermTree},
		},
		{
			Name:                "ask_user",
			Description:         "需要澄清需求时向用户提问，提问后暂停等待用户回答。",
			Parameters:          schemaFor(&AskUserArgs{}),
			RequiredPermissions: []string{PermAskUser},
		},
		{
			Name: "run_command",
			Description: "执行 shell 命令。只读命令 (git log, ls, cat, grep 等) 直接执行；" +
				"写入命令需要 execute_command 权限并经用户授权。",
			Parameters:          schemaFor(&RunCommandArgs{}),
			RequiredPermissions: []string{PermExecuteReadonly},
		},
	}
}

// toolPermissions maps built-in tool names to required permission keys used
// by the executor's pre-flight check.
var toolPermissions = map[string][]string{
	"read_file":      {PermReadSource},
	"search_text":    {PermSearch},
	"list_directory": {PermReadSource},
	"get_file_tree":  {PermTree},
	"ask_user":       {PermAskUser},
	"run_command":    {PermExecuteReadonly},
}
