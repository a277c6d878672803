package memory

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Rule patterns for extracting memories from user messages. Extraction is
// rule-based only; no model is consulted.

var factPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:我们|项目|系统)(?:使用|用了?|基于|采用)\s*(.+?)(?:框架|语言|数据库|技术|来)`), "tech_stack"},
	{regexp.MustCompile(`(.+?)\s*版本[是为]?\s*([\d.]+)`), "version"},
	{regexp.MustCompile(`(?:命名|名字|变量|函数|类).*(?:使用|用|采用)\s*(.+?)(?:风格|规范|方式)`), "naming"},
	{regexp.MustCompile(`(?:架构|结构|设计).*(?:是|为|采用)\s*(.+?)(?:模式|架构|方式)`), "architecture"},
}

var decisionPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:决定|确定|选定|采用|最终|选择)(?:了|使用)?\s*(.+?)(?:,|，|。|$)`), "decision"},
	{regexp.MustCompile(`(?:我们|就|那就)(?:用|选)\s*(.+?)(?:吧|了|$)`), "decision"},
}

var preferencePatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:我|我们?)(?:喜欢|偏好|倾向|习惯)(?:用|使用)?\s*(.+?)(?:,|，|。|$)`), "preference"},
	{regexp.MustCompile(`(?:不要|别|避免)(?:用|使用)?\s*(.+?)(?:,|，|。|$)`), "avoidance"},
}

// Extractor pulls facts, decisions and preferences out of user messages.
type Extractor struct {
	store *Store
}

// NewExtractor creates an extractor writing to the given store.
func NewExtractor(store *Store) *Extractor {
	return &Extractor{store: store}
}

// ExtractFromMessages runs rule extraction over the user-role contents,
// deduplicates, and optionally stores the results.
func (e *Extractor) ExtractFromMessages(ctx context.Context, userTexts []string, projectID string, autoStore bool) []Item {
	if len(userTexts) == 0 {
		return nil
	}
	combined := strings.Join(userTexts, " ")

	var items []Item
	collect := func(patterns []struct {
		re  *regexp.Regexp
		tag string
	}, memoryType Type, importance float64, minLen int) {
		for _, p := range patterns {
			for _, m := range p.re.FindAllStringSubmatch(combined, -1) {
				content := strings.TrimSpace(m[1])
				if len([]rune(content)) <= minLen {
					continue
				}
				items = append(items, Item{
					Content:    content,
					Type:       memoryType,
					ProjectID:  projectID,
					Importance: importance,
					Tags:       []string{p.tag},
					Source:     "rule_extraction",
				})
			}
		}
	}

	collect(factPatterns, TypeFact, 0.5, 3)
	collect(decisionPatterns, TypeDecision, 0.6, 3)
	collect(preferencePatterns, TypePreference, 0.4, 2)

	items = deduplicate(items)

	if autoStore && e.store != nil {
		for i := range items {
			if _, err := e.store.Add(ctx, items[i]); err != nil {
				slog.Warn("Failed to store extracted memory", "error", err)
			}
		}
	}

	slog.Info("Extracted memories", "count", len(items), "project", projectID)
	return items
}

// deduplicate drops items whose content prefix repeats.
func deduplicate(items []Item) []Item {
	seen := map[string]bool{}
	var out []Item
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item.Content))
		if runes := []rune(key); len(runes) > 50 {
			key = string(runes[:50])
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
