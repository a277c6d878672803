package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeNowPlusSecond() time.Time {
	return time.Now().Add(time.Second)
}

func TestCodeChunkerBoundaries(t *testing.T) {
	content := `package main

func First() int {
	return 1
}

func Second() int {
	return 2
}

type Thing struct {
	Name string
}
`
	chunker := NewCodeChunker(512, 2)
	chunks := chunker.ChunkFile(content, "main.go")
	require.GreaterOrEqual(t, len(chunks), 3)

	assert.Contains(t, chunks[1].Content, "func First")
	assert.Equal(t, "function", chunks[1].ChunkType)
	assert.Greater(t, chunks[1].StartLine, 0)
}

func TestCodeChunkerFallbackWindowing(t *testing.T) {
	// No recognised boundaries: long prose in a .py file body without defs.
	var lines []string
	for i := 0; i < 120; i++ {
		lines = append(lines, "some line of text that carries enough content")
	}
	chunker := NewCodeChunker(128, 2)
	chunks := chunker.ChunkFile(strings.Join(lines, "\n"), "notes.py")
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Equal(t, "text", c.ChunkType)
	}
	// Overlap: next chunk starts before the previous one's end.
	assert.Less(t, chunks[1].StartLine, chunks[0].EndLine+1)
}

func TestTextChunkerParagraphs(t *testing.T) {
	para := strings.Repeat("词", 300)
	content := para + "\n\n" + para + "\n\n" + para

	chunker := NewTextChunker(128) // 512 chars per chunk
	chunks := chunker.ChunkText(content, "doc.md")
	assert.Greater(t, len(chunks), 1)
}

func TestHashedEmbedProperties(t *testing.T) {
	vec := hashedEmbed("hello world 世界")
	require.Len(t, vec, hashedDim)

	// L2-normalised.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	// Deterministic.
	assert.Equal(t, vec, hashedEmbed("hello world 世界"))

	// Similar texts are closer than dissimilar ones.
	a := hashedEmbed("vector index search golang")
	b := hashedEmbed("vector index lookup golang")
	c := hashedEmbed("completely unrelated 烹饪食谱")
	assert.Greater(t, CosineSimilarity(a, b), CosineSimilarity(a, c))
}

func TestEmbedderFallbackAndSingle(t *testing.T) {
	embedder := NewEmbedder(nil, "m", "github")

	batch, err := embedder.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	single, err := embedder.EmbedText(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, batch[0], single)
}

func TestIndexUpsertSearchRemove(t *testing.T) {
	index := NewIndex()
	embedder := NewEmbedder(nil, "m", "github")

	texts := []string{
		"func ParseConfig reads the yaml configuration",
		"func ConnectDatabase opens the postgres pool",
		"第三方登录 oauth 回调处理",
	}
	for i, text := range texts {
		vec, _ := embedder.EmbedText(context.Background(), text)
		index.Upsert(&Entry{
			ID: string(rune('a' + i)), Content: text, Embedding: vec,
			Source: "pkg/file" + string(rune('0'+i)) + ".go", StartLine: 1, EndLine: 5,
		})
	}
	assert.Equal(t, 3, index.Size())

	// Searching with an entry's own embedding ranks it first.
	query, _ := embedder.EmbedText(context.Background(), texts[1])
	matches := index.Search(query, 3, "")
	require.NotEmpty(t, matches)
	assert.Equal(t, texts[1], matches[0].Entry.Content)

	// Source prefix filter.
	filtered := index.Search(query, 3, "pkg/file0")
	for _, m := range filtered {
		assert.True(t, strings.HasPrefix(m.Entry.Source, "pkg/file0"))
	}

	// Upsert replaces by id.
	vec, _ := embedder.EmbedText(context.Background(), "replaced")
	index.Upsert(&Entry{ID: "a", Content: "replaced", Embedding: vec, Source: "pkg/file0.go"})
	assert.Equal(t, 3, index.Size())

	index.Remove("a")
	assert.Equal(t, 2, index.Size())

	removed := index.RemoveSource("pkg/file1.go")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, index.Size())
}

func TestIndexFlushAndLoad(t *testing.T) {
	index := NewIndex()
	index.Upsert(&Entry{
		ID: "x1", Content: "persisted content", Embedding: []float32{0.5, 0.5},
		Source: "a.go", ChunkType: "function", StartLine: 1, EndLine: 3,
	})
	require.NoError(t, index.Flush())

	loaded := NewIndex()
	require.NoError(t, loaded.Load())
	require.Equal(t, 1, loaded.Size())

	matches := loaded.Search([]float32{0.5, 0.5}, 1, "")
	require.Len(t, matches, 1)
	assert.Equal(t, "persisted content", matches[0].Entry.Content)
	assert.Equal(t, 3, matches[0].Entry.EndLine)
}

func TestHybridRetriever(t *testing.T) {
	index := NewIndex()
	embedder := NewEmbedder(nil, "m", "github")
	retriever := NewRetriever(index, embedder)

	docs := []string{
		"func HandleLogin validates the oauth token and session",
		"func RenderChart draws the spending dashboard",
		"database migration adds the audit table",
	}
	for i, text := range docs {
		vec, _ := embedder.EmbedText(context.Background(), text)
		index.Upsert(&Entry{
			ID: string(rune('a' + i)), Content: text, Embedding: vec,
			Source: "src/f.go", StartLine: i * 10, EndLine: i*10 + 5,
		})
	}

	results, err := retriever.Retrieve(context.Background(), "oauth login token", 3, "", "hybrid")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "HandleLogin")
	// Appearing in both searches labels the result hybrid.
	assert.Equal(t, "hybrid", results[0].MatchType)

	// Scores are descending.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestIndexerIncremental(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "main.go"),
		[]byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "notes.md"),
		[]byte("# Notes\n\nsome documentation text\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "node_modules", "x", "skip.js"),
		[]byte("ignored"), 0o644))

	index := NewIndex()
	indexer := NewIndexer(ws, index, NewEmbedder(nil, "m", "github"), 512)

	stats, err := indexer.IndexOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned) // node_modules skipped
	assert.Equal(t, 2, stats.Indexed)
	assert.Greater(t, index.Size(), 0)

	// Second pass with no changes indexes nothing.
	stats, err = indexer.IndexOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 2, stats.Skipped)
}

func TestIndexerReindexReplacesSource(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n\nfunc A() {}\n"), 0o644))

	index := NewIndex()
	indexer := NewIndexer(ws, index, NewEmbedder(nil, "m", "github"), 512)
	_, err := indexer.IndexOnce(context.Background())
	require.NoError(t, err)
	before := index.Size()

	// Touch with new content and a newer mtime.
	require.NoError(t, os.WriteFile(path, []byte("package a\n\nfunc B() {}\n"), 0o644))
	future := timeNowPlusSecond()
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = indexer.IndexOnce(context.Background())
	require.NoError(t, err)

	// One entry per (source, line-range): old entries were replaced.
	assert.Equal(t, before, index.Size())
	matches := index.Entries()
	var found bool
	for _, e := range matches {
		if strings.Contains(e.Content, "func B") {
			found = true
		}
		assert.NotContains(t, e.Content, "func A")
	}
	assert.True(t, found)
}
