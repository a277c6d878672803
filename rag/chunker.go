// Package rag implements the retrieval engine: code-aware chunking, an
// embedding service with an in-process fallback, a persisted vector index,
// a hybrid retriever, and a background workspace indexer.
package rag

import (
	"regexp"
	"strings"
)

// Chunk is a contiguous slice of a source document indexed together.
type Chunk struct {
	Content   string
	Source    string
	StartLine int
	EndLine   int
	ChunkType string // text | function
}

// boundaryPatterns detect top-level function/class starts per language.
var boundaryPatterns = map[string]*regexp.Regexp{
	"py":    regexp.MustCompile(`^(class |def |async def )\w`),
	"js":    regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`),
	"ts":    regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`),
	"jsx":   regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`),
	"tsx":   regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`),
	"vue":   regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`),
	"go":    regexp.MustCompile(`^(func |type )\w`),
	"java":  regexp.MustCompile(`^\s*(public |private |protected |)(static |)(class |interface |void |.* \w+\()`),
	"kt":    regexp.MustCompile(`^\s*(public |private |protected |)(fun |class |interface |object )`),
	"rs":    regexp.MustCompile(`^(pub |)(fn |struct |enum |impl |trait )`),
	"c":     regexp.MustCompile(`^\w[\w\s\*]*\([^;]*$`),
	"cpp":   regexp.MustCompile(`^\w[\w\s\*:<>]*\([^;]*$`),
	"rb":    regexp.MustCompile(`^(class |module |def )\w`),
	"php":   regexp.MustCompile(`^\s*(public |private |protected |)(function |class )`),
	"swift": regexp.MustCompile(`^(public |private |)(func |class |struct |enum |extension )`),
}

// CodeChunker splits code on top-level function/class boundaries, falling
// back to fixed-line windows with overlap. Oversize boundary chunks are
// split again into those line windows.
type CodeChunker struct {
	maxChunkChars int
	overlapLines  int
}

// NewCodeChunker creates a code chunker sized in tokens (chars/4 heuristic).
func NewCodeChunker(maxChunkTokens, overlapLines int) *CodeChunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 512
	}
	if overlapLines < 0 {
		overlapLines = 2
	}
	return &CodeChunker{maxChunkChars: maxChunkTokens * 4, overlapLines: overlapLines}
}

// ChunkFile splits a code file into chunks.
func (c *CodeChunker) ChunkFile(content, source string) []Chunk {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return nil
	}

	boundaries := c.detectBoundaries(lines, source)
	if len(boundaries) > 1 {
		return c.splitByBoundaries(lines, boundaries, source)
	}
	return c.splitByLines(lines, source, 0)
}

func (c *CodeChunker) detectBoundaries(lines []string, source string) []int {
	ext := ""
	if idx := strings.LastIndex(source, "."); idx >= 0 {
		ext = strings.ToLower(source[idx+1:])
	}
	pattern, ok := boundaryPatterns[ext]
	if !ok {
		return nil
	}

	boundaries := []int{0}
	for i, line := range lines {
		if i > 0 && pattern.MatchString(strings.TrimSpace(line)) {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) <= 1 {
		return nil
	}
	return boundaries
}

func (c *CodeChunker) splitByBoundaries(lines []string, boundaries []int, source string) []Chunk {
	var chunks []Chunk
	for i := range boundaries {
		start := boundaries[i]
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		content := strings.Join(lines[start:end], "\n")

		if len(content) > c.maxChunkChars {
			chunks = append(chunks, c.splitByLines(lines[start:end], source, start)...)
		} else {
			chunks = append(chunks, Chunk{
				Content:   content,
				Source:    source,
				StartLine: start + 1,
				EndLine:   end,
				ChunkType: "function",
			})
		}
	}
	return chunks
}

func (c *CodeChunker) splitByLines(lines []string, source string, baseLine int) []Chunk {
	maxLines := c.maxChunkChars / 80
	if maxLines < 10 {
		maxLines = 10
	}

	var chunks []Chunk
	i := 0
	for i < len(lines) {
		end := i + maxLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{
			Content:   strings.Join(lines[i:end], "\n"),
			Source:    source,
			StartLine: baseLine + i + 1,
			EndLine:   baseLine + end,
			ChunkType: "text",
		})
		if end < len(lines) {
			i = end - c.overlapLines
		} else {
			i = end
		}
	}
	return chunks
}

// TextChunker packs paragraphs into chunks of up to maxChunkTokens*4 bytes.
// A single paragraph longer than that becomes one oversized chunk; it is not
// split further.
type TextChunker struct {
	maxChunkChars int
}

// NewTextChunker creates a paragraph-accumulating chunker.
func NewTextChunker(maxChunkTokens int) *TextChunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 512
	}
	return &TextChunker{maxChunkChars: maxChunkTokens * 4}
}

// ChunkText splits plain text by paragraph accumulation.
func (t *TextChunker) ChunkText(content, source string) []Chunk {
	if len(content) <= t.maxChunkChars {
		return []Chunk{{Content: content, Source: source, ChunkType: "text"}}
	}

	var chunks []Chunk
	var current strings.Builder
	for _, para := range strings.Split(content, "\n\n") {
		if current.Len() > 0 && current.Len()+len(para) > t.maxChunkChars {
			chunks = append(chunks, Chunk{
				Content:   strings.TrimSpace(current.String()),
				Source:    source,
				ChunkType: "text",
			})
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, Chunk{
			Content:   strings.TrimSpace(current.String()),
			Source:    source,
			ChunkType: "text",
		})
	}
	return chunks
}
