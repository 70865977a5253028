// Package retrieval implements the knowledge-base lookup consumed by the
// chat handler: indexed text chunks scoped by group key, searched with a
// hybrid of in-process cosine similarity and SQLite keyword matching.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Embed generates one float32 vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the output vector dimensionality.
	Dimensions() int

	// Name returns the provider name.
	Name() string
}

// HashEmbedder is a zero-cost offline provider: vectors are derived from
// token hashes. Similar wording yields similar vectors, which is enough for
// tests and for deployments without an embedding model configured.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash-based embedder. dims defaults to 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Name() string    { return "hash" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, h.dims)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			sum := sha256.Sum256([]byte(tok))
			idx := binary.BigEndian.Uint32(sum[:4]) % uint32(h.dims)
			vec[idx]++
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
