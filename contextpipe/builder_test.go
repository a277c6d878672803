package contextpipe

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudio/backbone/llms"
	"github.com/aistudio/backbone/tools"
	"github.com/aistudio/backbone/utils"
)

type staticSource struct {
	name     string
	priority int
	sections []Section
}

func (s *staticSource) Name() string  { return s.name }
func (s *staticSource) Priority() int { return s.priority }
func (s *staticSource) Gather(ctx context.Context, budget int, params GatherParams) ([]Section, error) {
	return s.sections, nil
}

func TestBuilderPacksWithinBudget(t *testing.T) {
	builder := NewBuilder()
	builder.AddSource(&staticSource{name: "b", priority: 20, sections: []Section{
		{Name: "second", Content: strings.Repeat("b", 400), Priority: 20, Trimmable: true},
	}})
	builder.AddSource(&staticSource{name: "a", priority: 10, sections: []Section{
		{Name: "first", Content: strings.Repeat("a", 400), Priority: 10, Trimmable: false},
	}})

	budget := 150
	prompt, sections := builder.Build(context.Background(), budget, GatherParams{})

	// Priority order: the non-trimmable priority-10 section leads.
	assert.True(t, strings.HasPrefix(prompt, "aaaa"))

	total := 0
	for _, s := range sections {
		total += s.Tokens
	}
	assert.LessOrEqual(t, total, budget)
}

func TestBuilderTrimsTrimmable(t *testing.T) {
	builder := NewBuilder()
	builder.AddSource(&staticSource{name: "big", priority: 10, sections: []Section{
		{Name: "big", Content: strings.Repeat("x", 4000), Priority: 10, Trimmable: true},
	}})

	prompt, sections := builder.Build(context.Background(), 100, GatherParams{})
	require.Len(t, sections, 1)
	assert.Contains(t, prompt, "(上下文已截断)")
	assert.Less(t, len(sections[0].Content), 4000)
}

func TestBuilderDropsUntrimmableOverBudget(t *testing.T) {
	builder := NewBuilder()
	builder.AddSource(&staticSource{name: "big", priority: 10, sections: []Section{
		{Name: "big", Content: strings.Repeat("x", 4000), Priority: 10, Trimmable: false},
	}})

	prompt, sections := builder.Build(context.Background(), 100, GatherParams{})
	assert.Empty(t, prompt)
	assert.Empty(t, sections)
}

func TestRoleSourceSections(t *testing.T) {
	source := &RoleSource{}
	sections, err := source.Gather(context.Background(), 4000, GatherParams{
		RolePrompt:      "你是架构师。",
		ProjectTitle:    "demo",
		ToolPermissions: tools.DefaultPermissions(),
	})
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range sections {
		names[s.Name] = s.Priority
	}
	// Anti-fabrication is present (command tools granted) and pinned first.
	assert.Equal(t, 0, names["安全规则"])
	assert.Equal(t, 5, names["角色人设"])
	assert.Equal(t, 15, names["项目信息"])
	assert.Equal(t, 20, names["工具策略"])

	// Without command permissions there is no anti-fabrication header.
	sections, err = source.Gather(context.Background(), 4000, GatherParams{
		ToolPermissions: tools.NewPermissionSet([]string{tools.PermReadSource}),
	})
	require.NoError(t, err)
	for _, s := range sections {
		assert.NotEqual(t, "安全规则", s.Name)
	}
}

func llmsMessages(n int) []llms.Message {
	messages := make([]llms.Message, n)
	for i := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages[i] = llms.Message{Role: role, Content: fmt.Sprintf("message %d", i)}
	}
	return messages
}

func TestPrepareContextKeepsTail(t *testing.T) {
	messages := llmsMessages(20)
	managed, usage := PrepareContext(messages, "system prompt", "gpt-4o", "", nil)

	require.NotEmpty(t, managed)
	// The last message always survives.
	assert.Equal(t, messages[len(messages)-1].Content, managed[len(managed)-1].Content)
	assert.Equal(t, len(managed), usage.KeptMessages)
	assert.LessOrEqual(t, usage.HistoryTokens, usage.HistoryBudget)
}

func TestTruncateMessagesBudget(t *testing.T) {
	messages := llmsMessages(40)
	for i := range messages {
		messages[i].Content = strings.Repeat("长内容 ", 200)
	}

	budget := 2000
	managed, kept, dropped := truncateMessages(messages, budget)
	assert.Equal(t, len(managed), kept)
	assert.Equal(t, len(messages)-kept, dropped)
	assert.LessOrEqual(t, utils.EstimateMessagesTokens(toMsgs(managed)), budget)
	// Last message preserved.
	assert.Equal(t, messages[len(messages)-1].Role, managed[len(managed)-1].Role)
}

func TestTruncateMessagesOversizedProtected(t *testing.T) {
	messages := llmsMessages(6)
	huge := strings.Repeat("x", 40_000)
	messages[5].Content = huge

	budget := 3000
	managed, _, _ := truncateMessages(messages, budget)
	last := managed[len(managed)-1]
	assert.Less(t, utils.EstimateTokens(last.Content), utils.EstimateTokens(huge))
	assert.LessOrEqual(t, utils.EstimateTokens(last.Content), int(float64(budget)*0.3)+20)
}

func TestBuildUsageSummary(t *testing.T) {
	usage := WindowUsage{
		SystemTokens: 100, HistoryTokens: 300, TotalUsed: 400, Available: 1000,
		KeptMessages: 3, DroppedMessages: 1,
	}
	summary := BuildUsageSummary(usage, nil, llmsMessages(3))

	assert.Equal(t, 40, summary["percentage"])
	breakdown := summary["breakdown"].(map[string]int)
	assert.Equal(t, 100, breakdown["system"])
	assert.Contains(t, summary, "message_details")
}
