// Package skills composes activated skill specs into a single system prompt
// block plus tool hints, and validates skill-formatted output.
package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Example is one few-shot pair attached to a skill.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Spec is a skill specification, typically hydrated from persistence.
type Spec struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Category         string    `json:"category,omitempty"`
	Icon             string    `json:"icon,omitempty"`
	Description      string    `json:"description,omitempty"`
	InstructionPrompt string   `json:"instruction_prompt"`
	OutputFormat     string    `json:"output_format,omitempty"`
	Examples         []Example `json:"examples,omitempty"`
	Constraints      []string  `json:"constraints,omitempty"`
	RecommendedTools []string  `json:"recommended_tools,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
}

// Prompt is the composed result of one or more skills.
type Prompt struct {
	SystemBlock string   `json:"system_block"`
	ToolHints   []string `json:"tool_hints"`
	Constraints []string `json:"constraints"`
}

// Engine composes skills and validates their output.
type Engine struct{}

var (
	engineInstance *Engine
	engineOnce     sync.Once
)

// GetEngine returns the process-wide skill engine.
func GetEngine() *Engine {
	engineOnce.Do(func() {
		engineInstance = &Engine{}
	})
	return engineInstance
}

// Compose merges the activated skills into one prompt block. Tool hints and
// constraints are deduplicated preserving first-seen order.
func (e *Engine) Compose(activated []Spec) Prompt {
	if len(activated) == 0 {
		return Prompt{}
	}

	var blocks []string
	var toolHints, constraints []string
	seenTools, seenConstraints := map[string]bool{}, map[string]bool{}

	for _, skill := range activated {
		if block := buildSkillBlock(skill); block != "" {
			blocks = append(blocks, block)
		}
		for _, tool := range skill.RecommendedTools {
			if !seenTools[tool] {
				seenTools[tool] = true
				toolHints = append(toolHints, tool)
			}
		}
		for _, c := range skill.Constraints {
			if !seenConstraints[c] {
				seenConstraints[c] = true
				constraints = append(constraints, c)
			}
		}
	}

	var systemBlock string
	if len(blocks) > 0 {
		systemBlock = "## 活跃技能\n\n" + strings.Join(blocks, "\n\n")
		if len(constraints) > 0 {
			systemBlock += "\n\n### 全局约束\n"
			for _, c := range constraints {
				systemBlock += "- " + c + "\n"
			}
		}
	}

	return Prompt{SystemBlock: systemBlock, ToolHints: toolHints, Constraints: constraints}
}

func buildSkillBlock(skill Spec) string {
	icon := skill.Icon
	if icon == "" {
		icon = "⚡"
	}
	parts := []string{fmt.Sprintf("### %s 技能: %s", icon, skill.Name)}

	if skill.Description != "" {
		parts = append(parts, "_"+skill.Description+"_")
	}
	if skill.InstructionPrompt != "" {
		parts = append(parts, skill.InstructionPrompt)
	}
	if skill.OutputFormat != "" {
		parts = append(parts, fmt.Sprintf("\n**输出格式:**\n```\n%s\n```", skill.OutputFormat))
	}
	if len(skill.Examples) > 0 {
		parts = append(parts, "\n**示例:**")
		for i, ex := range skill.Examples {
			if i == 3 {
				break
			}
			if ex.Input != "" && ex.Output != "" {
				parts = append(parts, fmt.Sprintf("\n示例 %d:", i+1), "输入: "+ex.Input, "输出: "+ex.Output)
			}
		}
	}
	if len(skill.RecommendedTools) > 0 {
		var quoted []string
		for _, t := range skill.RecommendedTools {
			quoted = append(quoted, "`"+t+"`")
		}
		parts = append(parts, "\n推荐工具: "+strings.Join(quoted, ", "))
	}
	if len(skill.Constraints) > 0 {
		parts = append(parts, "\n约束:")
		for _, c := range skill.Constraints {
			parts = append(parts, "  - "+c)
		}
	}
	return strings.Join(parts, "\n")
}

// PrioritizeTools reorders tool names so skill-recommended ones come first,
// leaving the rest in their original order.
func (e *Engine) PrioritizeTools(available []string, hints []string) []string {
	if len(hints) == 0 {
		return available
	}
	hintSet := map[string]bool{}
	for _, h := range hints {
		hintSet[h] = true
	}
	var prioritized, rest []string
	for _, name := range available {
		if hintSet[name] {
			prioritized = append(prioritized, name)
		} else {
			rest = append(rest, name)
		}
	}
	return append(prioritized, rest...)
}

var headerPattern = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// ValidateOutput checks model output against a skill's output format:
// JSON validity, required section headers, filled placeholders.
func (e *Engine) ValidateOutput(output string, skill Spec) (bool, []string) {
	if skill.OutputFormat == "" {
		return true, nil
	}

	var issues []string
	format := strings.TrimSpace(skill.OutputFormat)

	if strings.Contains(strings.ToLower(format), "json") || strings.HasPrefix(format, "{") {
		var decoded any
		if err := json.Unmarshal([]byte(output), &decoded); err != nil {
			issues = append(issues, "输出不是有效的 JSON 格式")
		}
	}

	outputLower := strings.ToLower(output)
	for _, m := range headerPattern.FindAllStringSubmatch(format, -1) {
		if !strings.Contains(outputLower, strings.ToLower(m[1])) {
			issues = append(issues, "缺少章节: "+m[1])
		}
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(format, -1) {
		placeholder := "{" + m[1] + "}"
		if strings.Contains(output, placeholder) {
			issues = append(issues, "占位符未填充: "+placeholder)
		}
	}

	return len(issues) == 0, issues
}

// DetectConflicts reports compositions likely to confuse the model.
func (e *Engine) DetectConflicts(activated []Spec) []string {
	var conflicts []string

	var withFormat []string
	for _, s := range activated {
		if s.OutputFormat != "" {
			withFormat = append(withFormat, s.Name)
		}
	}
	if len(withFormat) > 1 {
		conflicts = append(conflicts, fmt.Sprintf(
			"多个技能指定了输出格式: %s。将优先使用第一个 (%s) 的格式。",
			strings.Join(withFormat, ", "), withFormat[0]))
	}

	categories := map[string]bool{}
	for _, s := range activated {
		categories[s.Category] = true
	}
	if categories["review"] && categories["coding"] {
		conflicts = append(conflicts,
			"同时激活了代码审查和编码技能, AI 可能在审查和修改之间角色混淆。")
	}
	return conflicts
}
