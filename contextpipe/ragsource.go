package contextpipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aistudio/backbone/rag"
)

// RAGSource injects semantically relevant code snippets retrieved from the
// vector index.
type RAGSource struct {
	// Retriever overrides the shared retriever; tests inject fakes here.
	Retriever *rag.Retriever
}

func (s *RAGSource) Name() string  { return "rag" }
func (s *RAGSource) Priority() int { return 45 }

func (s *RAGSource) Gather(ctx context.Context, budgetTokens int, params GatherParams) ([]Section, error) {
	if !params.RAGEnabled || params.Query == "" {
		return nil, nil
	}

	retriever := s.Retriever
	if retriever == nil {
		retriever = rag.GetRetriever()
	}

	results, err := retriever.Retrieve(ctx, params.Query, 5, "", "hybrid")
	if err != nil {
		slog.Debug("RAG retrieval skipped", "error", err)
		return nil, nil
	}
	if len(results) == 0 {
		return nil, nil
	}

	var parts []string
	for _, res := range results {
		parts = append(parts, fmt.Sprintf("### %s (相关度: %.2f)\n```\n%s\n```",
			res.Source, res.Score, res.Content))
	}

	return []Section{{
		Name:      "RAG 检索",
		Content:   "## 相关代码片段 (自动检索)\n" + strings.Join(parts, "\n\n"),
		Priority:  45,
		Trimmable: true,
	}}, nil
}
