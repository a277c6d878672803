// Package contextpipe assembles the system prompt from prioritized context
// sources under a shared token budget, and manages the conversation window
// against the model's context limit.
package contextpipe

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/aistudio/backbone/skills"
	"github.com/aistudio/backbone/tools"
	"github.com/aistudio/backbone/utils"
)

// Section is one named piece of the assembled context.
type Section struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	Tokens    int    `json:"tokens"`
	Priority  int    `json:"priority"`  // 0 = highest
	Trimmable bool   `json:"trimmable"` // may be shrunk to fit the budget
}

// SectionInfo is the inspector-facing view of a kept section.
type SectionInfo struct {
	Name    string `json:"name"`
	Tokens  int    `json:"tokens"`
	Content string `json:"content"`
}

// GatherParams carries the per-run inputs context sources draw from.
type GatherParams struct {
	Query              string
	ProjectID          string
	ProjectTitle       string
	ProjectDescription string
	Workspace          string
	RolePrompt         string
	ToolStrategyPrompt string
	Skills             []skills.Spec
	ToolPermissions    tools.PermissionSet
	RAGEnabled         bool
	MemoryEnabled      bool
}

// Source contributes sections to the system prompt. Sources run in priority
// order (lower first) against the remaining budget.
type Source interface {
	Name() string
	Priority() int
	Gather(ctx context.Context, budgetTokens int, params GatherParams) ([]Section, error)
}

// Builder walks its sources and packs their sections into the budget.
type Builder struct {
	sources []Source
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// DefaultBuilder wires the standard pipeline: role, workspace, RAG, memory.
func DefaultBuilder() *Builder {
	b := NewBuilder()
	b.AddSource(&RoleSource{})
	b.AddSource(&WorkspaceSource{})
	b.AddSource(&RAGSource{})
	b.AddSource(&MemorySource{})
	return b
}

// AddSource registers a source; sources stay sorted by priority.
func (b *Builder) AddSource(source Source) *Builder {
	b.sources = append(b.sources, source)
	sort.SliceStable(b.sources, func(i, j int) bool {
		return b.sources[i].Priority() < b.sources[j].Priority()
	})
	return b
}

// Build assembles the system prompt. For each section: keep when it fits;
// shrink proportionally (with a safety margin and trailing marker) when
// trimmable; drop otherwise. Kept section contents are joined by blank lines.
func (b *Builder) Build(ctx context.Context, budgetTokens int, params GatherParams) (string, []SectionInfo) {
	var kept []Section
	remaining := budgetTokens

	for _, source := range b.sources {
		if remaining <= 0 {
			break
		}
		sections, err := source.Gather(ctx, remaining, params)
		if err != nil {
			slog.Warn("Context source failed", "source", source.Name(), "error", err)
			continue
		}
		for _, section := range sections {
			section.Tokens = utils.EstimateTokens(section.Content)
			switch {
			case section.Tokens <= remaining:
				kept = append(kept, section)
				remaining -= section.Tokens
			case section.Trimmable:
				ratio := float64(remaining) / float64(max(section.Tokens, 1))
				trimmedLen := int(float64(len(section.Content)) * ratio * 0.9)
				if trimmedLen < 0 {
					trimmedLen = 0
				}
				section.Content = cutRunes(section.Content, trimmedLen) + "\n... (上下文已截断)"
				section.Tokens = utils.EstimateTokens(section.Content)
				kept = append(kept, section)
				remaining -= section.Tokens
			}
		}
	}

	var parts []string
	infos := make([]SectionInfo, 0, len(kept))
	for _, section := range kept {
		if section.Content != "" {
			parts = append(parts, section.Content)
		}
		content := section.Content
		if len(content) > 5000 {
			content = content[:5000]
		}
		infos = append(infos, SectionInfo{Name: section.Name, Tokens: section.Tokens, Content: content})
	}
	return strings.Join(parts, "\n\n"), infos
}

// cutRunes truncates at a rune boundary at or below n bytes.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
