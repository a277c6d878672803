package rag

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"regexp"
	"sync"

	"github.com/aistudio/backbone/llms"
)

// hashedDim is the dimension of the in-process fallback vectors.
const hashedDim = 256

var (
	reWord = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
	reCJK  = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
)

// Embedder produces embeddings, preferring the provider's embedding endpoint
// and falling back to a hashed-bucket term-frequency vector so retrieval
// degrades instead of failing.
type Embedder struct {
	client *llms.Client
	model  string
	slug   string
}

var (
	embedderInstance *Embedder
	embedderOnce     sync.Once
)

// GetEmbedder returns the process-wide embedder.
func GetEmbedder() *Embedder {
	embedderOnce.Do(func() {
		embedderInstance = NewEmbedder(llms.GetClient(), "text-embedding-3-small", "github")
	})
	return embedderInstance
}

// NewEmbedder creates an embedder over an LLM client.
func NewEmbedder(client *llms.Client, model, providerSlug string) *Embedder {
	return &Embedder{client: client, model: model, slug: providerSlug}
}

// Embed embeds a batch of texts.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if e.client != nil {
		result, err := e.client.Embed(ctx, texts, e.model, e.slug)
		if err == nil && len(result.Embeddings) == len(texts) {
			return result.Embeddings, nil
		}
		if err != nil {
			slog.Debug("Provider embedding failed, using hashed fallback", "error", err)
		}
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashedEmbed(text)
	}
	return out, nil
}

// EmbedText is the single-text convenience wrapping the batch form.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	results, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return make([]float32, hashedDim), nil
	}
	return results[0], nil
}

// hashedEmbed maps tokens into a fixed 256-dim vector: each token's hash
// picks a bucket accumulating a normalised TF weight, then the vector is
// L2-normalised. Tokens are lowercased ASCII words plus individual CJK
// characters.
func hashedEmbed(text string) []float32 {
	tokens := tokenize(text)
	vec := make([]float32, hashedDim)
	if len(tokens) == 0 {
		return vec
	}

	tf := map[string]int{}
	maxTF := 1
	for _, token := range tokens {
		tf[token]++
		if tf[token] > maxTF {
			maxTF = tf[token]
		}
	}

	for token, count := range tf {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		idx := h.Sum32() % hashedDim
		weight := 0.5 + 0.5*float32(count)/float32(maxTF)
		vec[idx] += weight
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func tokenize(text string) []string {
	lower := toLowerASCII(text)
	words := reWord.FindAllString(lower, -1)
	chars := reCJK.FindAllString(text, -1)
	return append(words, chars...)
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// CosineSimilarity computes the cosine of two vectors; zero when either has
// zero norm or lengths differ.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
