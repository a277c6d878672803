package contextpipe

import (
	"context"

	"github.com/aistudio/backbone/skills"
	"github.com/aistudio/backbone/tools"
)

// AntiFabricationHeader is pinned at priority 0 whenever command tools are
// granted. Non-trimmable.
const AntiFabricationHeader = "⚠️ 你可以调用提供的工具(function calling)来执行命令、读取文件等操作。\n" +
	"严禁在文本中编造或伪造命令执行结果，你必须通过 tool_call 调用工具来获取真实结果。\n" +
	"如果你需要执行命令，请使用 run_command 工具。\n"

// DefaultToolStrategy is injected when the role carries no custom strategy.
const DefaultToolStrategy = "## 工具使用策略\n" +
	"你可以使用以下工具来精准获取项目信息:\n" +
	"1. **ask_user**: 需要澄清需求时向用户提问\n" +
	"2. **get_file_tree**: 获取项目目录结构 (建议对话开始时调用一次)\n" +
	"3. **search_text**: 搜索代码 (务必指定 include_pattern)\n" +
	"4. **read_file**: 读取文件 (配合 search_text 的行号使用 start_line)\n" +
	"5. **list_directory**: 查看目录详细内容\n" +
	"6. **run_command**: 执行命令 (只读命令直接执行, 写命令需授权)\n\n" +
	"⚠️ 调用工具后等待真实结果再继续，不要提前编造结果。"

const defaultRolePrompt = "你是一个专业的 AI 助手，帮助用户分析和解决问题。"

// RoleSource contributes the persona, anti-fabrication rules, project basics,
// tool strategy, and composed skills.
type RoleSource struct{}

func (s *RoleSource) Name() string  { return "role" }
func (s *RoleSource) Priority() int { return 10 }

func (s *RoleSource) Gather(ctx context.Context, budgetTokens int, params GatherParams) ([]Section, error) {
	var sections []Section

	perms := params.ToolPermissions
	if perms[tools.PermExecuteReadonly] || perms[tools.PermExecuteCommand] {
		sections = append(sections, Section{
			Name:      "安全规则",
			Content:   AntiFabricationHeader,
			Priority:  0,
			Trimmable: false,
		})
	}

	rolePrompt := params.RolePrompt
	if rolePrompt == "" {
		rolePrompt = defaultRolePrompt
	}
	sections = append(sections, Section{
		Name:      "角色人设",
		Content:   rolePrompt,
		Priority:  5,
		Trimmable: false,
	})

	if params.ProjectTitle != "" {
		info := "## 当前项目\n- 名称: " + params.ProjectTitle
		if params.ProjectDescription != "" {
			info += "\n- 描述: " + params.ProjectDescription
		}
		sections = append(sections, Section{
			Name: "项目信息", Content: info, Priority: 15, Trimmable: true,
		})
	}

	strategy := params.ToolStrategyPrompt
	if strategy == "" {
		strategy = DefaultToolStrategy
	}
	sections = append(sections, Section{
		Name: "工具策略", Content: strategy, Priority: 20, Trimmable: true,
	})

	if len(params.Skills) > 0 {
		prompt := skills.GetEngine().Compose(params.Skills)
		if prompt.SystemBlock != "" {
			sections = append(sections, Section{
				Name: "活跃技能", Content: prompt.SystemBlock, Priority: 25, Trimmable: true,
			})
		}
	}

	return sections, nil
}
