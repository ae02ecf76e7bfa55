package pipelinetest

import (
	"context"
	"hash/fnv"
	"strings"
)

// Embedder hashes whitespace-separated words into Width buckets. Texts
// sharing words get similar vectors.
type Embedder struct {
	Width int
}

func (e Embedder) width() int {
	if e.Width <= 0 {
		return 16
	}
	return e.Width
}

func (e Embedder) vec(text string) []float32 {
	v := make([]float32, e.width())
	for _, w := range strings.Fields(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32()%uint32(len(v)))]++
	}
	v[0] += 0.01
	return v
}

// EmbedDocuments implements embeddings.Embedder.
func (e Embedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vec(t)
	}
	return out, nil
}

// EmbedQuery implements embeddings.Embedder.
func (e Embedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vec(text), nil
}
