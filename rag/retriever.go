package rag

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Result is one retrieval hit.
type Result struct {
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	Score     float32 `json:"score"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	ChunkType string  `json:"chunk_type"`
	MatchType string  `json:"match_type"` // vector | keyword | hybrid
}

// Retriever merges vector and keyword search. Results appearing in both are
// score-combined with the configured weights and labelled hybrid.
type Retriever struct {
	index        *Index
	embedder     *Embedder
	topK         int
	vectorWeight float32
	keywordWeight float32
	minScore     float32
}

var (
	retrieverInstance *Retriever
	retrieverOnce     sync.Once
)

// GetRetriever returns the process-wide retriever.
func GetRetriever() *Retriever {
	retrieverOnce.Do(func() {
		retrieverInstance = NewRetriever(GetIndex(), GetEmbedder())
	})
	return retrieverInstance
}

// NewRetriever creates a retriever with the default 0.7/0.3 weights and 0.1
// score floor.
func NewRetriever(index *Index, embedder *Embedder) *Retriever {
	return &Retriever{
		index:         index,
		embedder:      embedder,
		topK:          5,
		vectorWeight:  0.7,
		keywordWeight: 0.3,
		minScore:      0.1,
	}
}

// Retrieve runs the search in the given mode (vector | keyword | hybrid).
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, sourceFilter, mode string) ([]Result, error) {
	if topK <= 0 {
		topK = r.topK
	}
	if mode == "" {
		mode = "hybrid"
	}
	if r.index.Size() == 0 {
		return nil, nil
	}

	merged := map[string]*Result{}

	if mode == "vector" || mode == "hybrid" {
		for _, res := range r.vectorSearch(ctx, query, topK*2, sourceFilter) {
			res := res
			id := resultID(&res)
			if existing, ok := merged[id]; ok {
				if res.Score > existing.Score {
					existing.Score = res.Score
				}
			} else {
				merged[id] = &res
			}
		}
	}

	if mode == "keyword" || mode == "hybrid" {
		for _, res := range r.keywordSearch(query, topK*2, sourceFilter) {
			res := res
			id := resultID(&res)
			if existing, ok := merged[id]; ok {
				if existing.MatchType == "vector" {
					existing.Score = existing.Score*r.vectorWeight + res.Score*r.keywordWeight
					existing.MatchType = "hybrid"
				}
			} else {
				merged[id] = &res
			}
		}
	}

	var final []Result
	for _, res := range merged {
		if res.Score >= r.minScore {
			final = append(final, *res)
		}
	}
	sort.Slice(final, func(i, j int) bool { return final[i].Score > final[j].Score })
	if len(final) > topK {
		final = final[:topK]
	}
	return final, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, topK int, sourceFilter string) []Result {
	queryVec, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		slog.Warn("Query embedding failed", "error", err)
		return nil
	}

	matches := r.index.Search(queryVec, topK, sourceFilter)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			Content:   m.Entry.Content,
			Source:    m.Entry.Source,
			Score:     m.Score,
			StartLine: m.Entry.StartLine,
			EndLine:   m.Entry.EndLine,
			ChunkType: m.Entry.ChunkType,
			MatchType: "vector",
		})
	}
	return results
}

// keywordSearch is a term-frequency scan over the raw entries, normalised to
// the best hit.
func (r *Retriever) keywordSearch(query string, topK int, sourceFilter string) []Result {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	type scored struct {
		entry *Entry
		score float32
	}
	var hits []scored
	for _, entry := range r.index.Entries() {
		if sourceFilter != "" && !strings.HasPrefix(entry.Source, sourceFilter) {
			continue
		}
		contentLower := strings.ToLower(entry.Content)
		wordCount := len(strings.Fields(contentLower)) + 1
		var score float32
		for _, token := range tokens {
			if count := strings.Count(contentLower, token); count > 0 {
				score += float32(count) / float32(wordCount)
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry, score})
		}
	}
	if len(hits) == 0 {
		return nil
	}

	var max float32
	for _, h := range hits {
		if h.score > max {
			max = h.score
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Content:   h.entry.Content,
			Source:    h.entry.Source,
			Score:     h.score / max,
			StartLine: h.entry.StartLine,
			EndLine:   h.entry.EndLine,
			ChunkType: h.entry.ChunkType,
			MatchType: "keyword",
		})
	}
	return results
}

func queryTokens(query string) []string {
	var out []string
	for _, token := range tokenize(query) {
		if len(token) > 1 {
			out = append(out, strings.ToLower(token))
		}
	}
	return out
}

// resultID dedups results across search modes by (source, line range).
func resultID(r *Result) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", r.Source, r.StartLine, r.EndLine)))
	return hex.EncodeToString(sum[:])
}
