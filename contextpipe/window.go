package contextpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aistudio/backbone/llms"
	"github.com/aistudio/backbone/utils"
)

const (
	minRecentMessages   = 2
	outputReserveRatio  = 0.05
	safetyMarginTokens  = 200
	summaryTriggerRatio = 0.90
)

// WindowUsage reports how the context window was spent.
type WindowUsage struct {
	MaxInput        int `json:"max_input"`
	MaxOutput       int `json:"max_output"`
	SystemTokens    int `json:"system_tokens"`
	PlanTokens      int `json:"plan_tokens"`
	ToolsTokens     int `json:"tools_tokens"`
	HistoryTokens   int `json:"history_tokens"`
	HistoryBudget   int `json:"history_budget"`
	TotalUsed       int `json:"total_used"`
	Available       int `json:"available"`
	KeptMessages    int `json:"kept_messages"`
	DroppedMessages int `json:"dropped_messages"`
}

// PrepareContext trims the message list to fit the model's window: output
// reserve plus safety margin come off the top, fixed costs (system prompt,
// plan, tool schemas) are deducted, the rest is the history budget.
func PrepareContext(messages []llms.Message, systemPrompt, model, planSummary string, toolDefs []llms.Tool) ([]llms.Message, WindowUsage) {
	maxInput, maxOutput := llms.Capabilities().GetContextWindow(model)

	outputReserve := 400
	if maxOutput > 0 {
		outputReserve = int(float64(maxOutput) * outputReserveRatio)
	}
	available := maxInput - outputReserve - safetyMarginTokens

	systemTokens := utils.EstimateTokens(systemPrompt)
	planTokens := 0
	if planSummary != "" {
		planTokens = utils.EstimateTokens(planSummary)
	}
	toolsTokens := 0
	if len(toolDefs) > 0 {
		if data, err := json.Marshal(toolDefs); err == nil {
			toolsTokens = utils.EstimateTokens(string(data))
		}
	}

	fixedCost := systemTokens + planTokens + toolsTokens
	historyBudget := available - fixedCost
	if historyBudget < 500 {
		historyBudget = 500
	}

	managed, kept, dropped := truncateMessages(messages, historyBudget)
	historyTokens := utils.EstimateMessagesTokens(toMsgs(managed))

	usage := WindowUsage{
		MaxInput:        maxInput,
		MaxOutput:       maxOutput,
		SystemTokens:    systemTokens,
		PlanTokens:      planTokens,
		ToolsTokens:     toolsTokens,
		HistoryTokens:   historyTokens,
		HistoryBudget:   historyBudget,
		TotalUsed:       fixedCost + historyTokens,
		Available:       available,
		KeptMessages:    kept,
		DroppedMessages: dropped,
	}
	return managed, usage
}

// truncateMessages applies the trimming rule: protect the recent tail, cap
// oversized protected messages at 30% of budget, fall back to the last two
// when even the tail overflows, then greedily prepend older messages newest
// first while they fit.
func truncateMessages(messages []llms.Message, budget int) ([]llms.Message, int, int) {
	if len(messages) == 0 {
		return nil, 0, 0
	}

	total := utils.EstimateMessagesTokens(toMsgs(messages))
	if total <= budget {
		out := make([]llms.Message, len(messages))
		copy(out, messages)
		return out, len(messages), 0
	}

	protected := minRecentMessages * 2
	if protected > len(messages) {
		protected = len(messages)
	}
	recent := make([]llms.Message, protected)
	copy(recent, messages[len(messages)-protected:])
	older := messages[:len(messages)-protected]

	// Shrink any oversized protected message to 30% of budget.
	perMessageCap := int(float64(budget) * 0.3)
	for i := range recent {
		if recent[i].Content != "" && utils.EstimateTokens(recent[i].Content) > perMessageCap {
			recent[i].Content = utils.TruncateText(recent[i].Content, perMessageCap)
		}
	}

	recentTokens := utils.EstimateMessagesTokens(toMsgs(recent))
	remaining := budget - recentTokens

	if remaining <= 0 {
		keep := recent
		if len(keep) > 2 {
			keep = keep[len(keep)-2:]
		}
		return keep, len(keep), len(messages) - len(keep)
	}

	var keptOlder []llms.Message
	for i := len(older) - 1; i >= 0; i-- {
		msgTokens := utils.EstimateTokens(older[i].Content)
		if remaining < msgTokens {
			break
		}
		keptOlder = append([]llms.Message{older[i]}, keptOlder...)
		remaining -= msgTokens
	}

	result := append(keptOlder, recent...)
	return result, len(result), len(messages) - len(result)
}

func toMsgs(messages []llms.Message) []utils.Msg {
	out := make([]utils.Msg, len(messages))
	for i, m := range messages {
		out[i] = utils.Msg{Role: m.Role, Content: m.Content}
	}
	return out
}

// SummarizeIfNeeded compresses old history when usage crosses 90% of the
// window: the head is summarised by the model and replaced with one
// synthetic system message prepended to the kept tail.
func SummarizeIfNeeded(ctx context.Context, client *llms.Client, messages []llms.Message, systemPrompt, model string) ([]llms.Message, string) {
	maxInput, _ := llms.Capabilities().GetContextWindow(model)
	current := utils.EstimateMessagesTokens(toMsgs(messages)) + utils.EstimateTokens(systemPrompt)
	if float64(current)/float64(max(maxInput, 1)) < summaryTriggerRatio {
		return messages, ""
	}

	keepCount := minRecentMessages * 2
	if keepCount < 4 {
		keepCount = 4
	}
	if len(messages) <= keepCount {
		return messages, ""
	}

	toSummarize := messages[:len(messages)-keepCount]
	toKeep := messages[len(messages)-keepCount:]

	summary := generateSummary(ctx, client, toSummarize, model)
	if summary == "" {
		return messages, ""
	}

	summaryMsg := llms.Message{
		Role:    "system",
		Content: "[上下文摘要] 以下是之前对话的关键信息摘要:\n" + summary,
	}
	return append([]llms.Message{summaryMsg}, toKeep...), summary
}

func generateSummary(ctx context.Context, client *llms.Client, messages []llms.Message, model string) string {
	const maxChars = 12000

	var parts []string
	totalChars := 0
	for _, msg := range messages {
		content := msg.Content
		if len(content) > 2000 {
			content = content[:2000] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", msg.Role, content))
		totalChars += len(content)
		if totalChars > maxChars {
			break
		}
	}

	prompt := "请用中文简洁总结以下对话的关键信息 (不超过 300 字)。" +
		"重点保留: 做了什么决定、涉及哪些文件/技术选择、未解决的问题。\n\n" +
		strings.Join(parts, "\n\n")

	result, err := client.CompleteText(ctx,
		[]llms.Message{{Role: "user", Content: prompt}},
		llms.StreamOptions{Model: model, MaxTokens: 500, Temperature: 0.3})
	if err != nil {
		slog.Warn("Context summarisation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(result)
}

// BuildUsageSummary produces the inspector payload: overall percentage,
// per-source breakdown, and recent message details.
func BuildUsageSummary(usage WindowUsage, sections []SectionInfo, history []llms.Message) map[string]any {
	available := usage.Available
	if available < 1 {
		available = 1
	}
	percentage := usage.TotalUsed * 100 / available
	if percentage > 100 {
		percentage = 100
	}

	result := map[string]any{
		"percentage":       percentage,
		"total_tokens":     usage.TotalUsed,
		"available_tokens": usage.Available,
		"breakdown": map[string]int{
			"system":  usage.SystemTokens,
			"tools":   usage.ToolsTokens,
			"plan":    usage.PlanTokens,
			"history": usage.HistoryTokens,
		},
		"messages": map[string]int{
			"kept":    usage.KeptMessages,
			"dropped": usage.DroppedMessages,
		},
	}

	if len(sections) > 0 {
		result["system_sections"] = sections
	}
	if len(history) > 0 {
		start := 0
		if len(history) > 20 {
			start = len(history) - 20
		}
		var details []map[string]any
		for _, msg := range history[start:] {
			preview := msg.Content
			if len(preview) > 200 {
				preview = cutRunes(preview, 200)
			}
			details = append(details, map[string]any{
				"role":    msg.Role,
				"tokens":  utils.EstimateTokens(msg.Content),
				"preview": preview,
			})
		}
		result["message_details"] = details
	}
	return result
}
