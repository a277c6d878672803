package skills

import "context"

// SkillStore loads skill specs from persistence.
type SkillStore interface {
	ListSkills(ctx context.Context, ids []int64) ([]Spec, error)
}

// BuiltinSkills seed the catalog on first run.
var BuiltinSkills = []Spec{
	{
		Name:        "需求澄清",
		Icon:        "🔍",
		Category:    "analysis",
		Description: "通过结构化追问帮助用户明确和细化需求",
		InstructionPrompt: "你正在执行需求澄清技能。请遵循以下方法论:\n" +
			"1. 仔细阅读用户的需求描述\n" +
			"2. 识别模糊、矛盾或缺失的点\n" +
			"3. 按优先级提出澄清问题 (最多 5 个)\n" +
			"4. 每个问题应包含: 问题本身 + 为什么需要澄清 + 可能的选项\n" +
			"5. 根据用户回答更新需求理解",
		Constraints:      []string{"不要自行假设关键业务决策", "保持问题简洁明了"},
		RecommendedTools: []string{"read_file", "search_text"},
		Tags:             []string{"需求", "分析", "沟通"},
	},
	{
		Name:        "代码审查",
		Icon:        "👁️",
		Category:    "review",
		Description: "审查代码质量、安全性和最佳实践",
		InstructionPrompt: "你正在执行代码审查技能。请按以下维度审查:\n" +
			"1. **正确性**: 逻辑是否正确，边界条件是否处理\n" +
			"2. **安全性**: SQL 注入、XSS、路径遍历等风险\n" +
			"3. **性能**: 是否有 N+1、内存泄漏、不必要的计算\n" +
			"4. **可读性**: 命名、注释、代码组织\n" +
			"5. **架构**: 是否符合项目规范，是否有过度设计\n\n" +
			"使用工具读取相关代码文件后再审查。",
		Constraints:      []string{"必须先读取代码再审查", "按严重度排序问题", "提供具体的修复建议"},
		RecommendedTools: []string{"read_file", "search_text", "list_directory", "get_file_tree"},
		Tags:             []string{"审查", "质量", "安全"},
	},
	{
		Name:        "测试用例设计",
		Icon:        "🧪",
		Category:    "testing",
		Description: "设计全面的测试用例覆盖方案",
		InstructionPrompt: "你正在执行测试用例设计技能:\n" +
			"1. 分析被测功能的所有分支和边界条件\n" +
			"2. 采用等价类 + 边界值分析方法\n" +
			"3. 包含正向、反向、异常测试\n" +
			"4. 为关键路径设计端到端场景\n" +
			"5. 估算优先级和测试时间",
		Constraints:      []string{"覆盖所有主要分支", "包含至少一个性能测试场景"},
		RecommendedTools: []string{"read_file", "search_text"},
		Tags:             []string{"测试", "质量"},
	},
	{
		Name:        "文档撰写",
		Icon:        "📝",
		Category:    "writing",
		Description: "撰写清晰、结构化的技术文档",
		InstructionPrompt: "你正在执行文档撰写技能:\n" +
			"1. 确定文档类型 (API 文档/设计文档/用户指南/README)\n" +
			"2. 使用适当的 Markdown 格式\n" +
			"3. 包含: 概述、快速开始、详细说明、FAQ\n" +
			"4. 代码示例必须可运行\n" +
			"5. 适当使用表格、流程图",
		Constraints:      []string{"代码示例必须完整可运行", "使用中文撰写", "段落不超过 5 行"},
		RecommendedTools: []string{"read_file", "search_text", "get_file_tree"},
		Tags:             []string{"文档", "写作"},
	},
}
