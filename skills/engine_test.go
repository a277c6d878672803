package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeEmpty(t *testing.T) {
	prompt := GetEngine().Compose(nil)
	assert.Empty(t, prompt.SystemBlock)
	assert.Empty(t, prompt.ToolHints)
}

func TestComposeMergesSkills(t *testing.T) {
	prompt := GetEngine().Compose([]Spec{
		{Name: "审查", InstructionPrompt: "先读代码", RecommendedTools: []string{"read_file", "search_text"},
			Constraints: []string{"必须先读取代码再审查"}},
		{Name: "测试", InstructionPrompt: "设计用例", RecommendedTools: []string{"read_file"},
			Constraints: []string{"覆盖所有主要分支"}},
	})

	assert.Contains(t, prompt.SystemBlock, "## 活跃技能")
	assert.Contains(t, prompt.SystemBlock, "技能: 审查")
	assert.Contains(t, prompt.SystemBlock, "技能: 测试")
	assert.Contains(t, prompt.SystemBlock, "### 全局约束")

	// Tool hints deduplicated, first-seen order.
	assert.Equal(t, []string{"read_file", "search_text"}, prompt.ToolHints)
	assert.Len(t, prompt.Constraints, 2)
}

func TestPrioritizeTools(t *testing.T) {
	ordered := GetEngine().PrioritizeTools(
		[]string{"run_command", "read_file", "ask_user", "search_text"},
		[]string{"search_text", "read_file"})
	assert.Equal(t, []string{"read_file", "search_text", "run_command", "ask_user"}, ordered)
}

func TestValidateOutput(t *testing.T) {
	engine := GetEngine()

	// No format means always valid.
	ok, issues := engine.ValidateOutput("anything", Spec{})
	assert.True(t, ok)
	assert.Empty(t, issues)

	skill := Spec{OutputFormat: "## 审查报告\n## 问题列表\n{summary}"}

	ok, issues = engine.ValidateOutput("## 审查报告\n好\n## 问题列表\n无", skill)
	assert.True(t, ok, issues)

	ok, issues = engine.ValidateOutput("## 审查报告\n还有 {summary} 未填", skill)
	assert.False(t, ok)
	require.NotEmpty(t, issues)

	jsonSkill := Spec{OutputFormat: `{"result": "json"}`}
	ok, _ = engine.ValidateOutput("not json at all", jsonSkill)
	assert.False(t, ok)
	ok, _ = engine.ValidateOutput(`{"result": "fine"}`, jsonSkill)
	assert.True(t, ok)
}

func TestDetectConflicts(t *testing.T) {
	engine := GetEngine()

	conflicts := engine.DetectConflicts([]Spec{
		{Name: "a", OutputFormat: "x", Category: "review"},
		{Name: "b", OutputFormat: "y", Category: "coding"},
	})
	require.Len(t, conflicts, 2)
	assert.Contains(t, conflicts[0], "输出格式")

	assert.Empty(t, engine.DetectConflicts([]Spec{{Name: "solo"}}))
}
