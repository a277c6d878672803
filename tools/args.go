package tools

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Argument structs for the built-in tools. Their JSON Schemas are reflected
// into the registry definitions; the executor decodes incoming argument maps
// into them with mapstructure (tool-call arguments arrive as generic JSON).

// ReadFileArgs selects a file slice to read.
type ReadFileArgs struct {
	Path      string `json:"path" jsonschema:"description=相对工作区的文件路径"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=起始行号 (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=结束行号 (含)"`
}

// SearchTextArgs describes a workspace text search.
type SearchTextArgs struct {
	Query          string `json:"query" jsonschema:"description=要搜索的文本或正则表达式"`
	IsRegex        bool   `json:"is_regex,omitempty" jsonschema:"description=query 是否为正则表达式"`
	IncludePattern string `json:"include_pattern,omitempty" jsonschema:"description=文件名过滤，如 *.go"`
}

// ListDirectoryArgs selects a directory to list.
type ListDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=相对工作区的目录路径，默认根目录"`
}

// FileTreeArgs configures the tree rendering.
type FileTreeArgs struct {
	Path     string `json:"path,omitempty" jsonschema:"description=相对工作区的目录路径，默认根目录"`
	MaxDepth int    `json:"max_depth,omitempty" jsonschema:"description=最大深度，上限 4"`
}

// AskUserArgs carries clarification questions for the user.
type AskUserArgs struct {
	Questions []string `json:"questions" jsonschema:"description=要向用户提出的问题列表"`
}

// RunCommandArgs carries the shell command to run.
type RunCommandArgs struct {
	Command string `json:"command" jsonschema:"description=要执行的 shell 命令"`
}

// decodeArgs maps a generic argument object onto a typed struct.
func decodeArgs(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}
