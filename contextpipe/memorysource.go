package contextpipe

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aistudio/backbone/memory"
)

// MemorySource injects long-term project facts and decision records.
type MemorySource struct {
	// Store overrides the shared store; tests inject fakes here.
	Store *memory.Store
}

func (s *MemorySource) Name() string  { return "memory" }
func (s *MemorySource) Priority() int { return 50 }

func (s *MemorySource) Gather(ctx context.Context, budgetTokens int, params GatherParams) ([]Section, error) {
	if !params.MemoryEnabled || params.ProjectID == "" {
		return nil, nil
	}

	store := s.Store
	if store == nil {
		store = memory.GetStore()
	}

	var sections []Section

	facts, err := store.QueryFacts(ctx, params.ProjectID, 10)
	if err != nil {
		slog.Debug("Memory facts skipped", "error", err)
	} else if len(facts) > 0 {
		var lines []string
		for _, f := range facts {
			lines = append(lines, "- "+f.Content)
		}
		sections = append(sections, Section{
			Name:      "项目记忆",
			Content:   "## 项目记忆 (长期)\n" + strings.Join(lines, "\n"),
			Priority:  50,
			Trimmable: true,
		})
	}

	decisions, err := store.QueryDecisions(ctx, params.ProjectID, 5)
	if err != nil {
		slog.Debug("Memory decisions skipped", "error", err)
	} else if len(decisions) > 0 {
		var lines []string
		for _, d := range decisions {
			lines = append(lines, "- **"+d.Content+"**")
		}
		sections = append(sections, Section{
			Name:      "决策记录",
			Content:   "## 关键决策\n" + strings.Join(lines, "\n"),
			Priority:  55,
			Trimmable: true,
		})
	}

	return sections, nil
}
