// Package embedding turns query text into vectors for the semantic tier.
// The HTTP embedder talks to any OpenAI-compatible endpoint; the local
// embedder is deterministic and offline. Wrappers add an LRU cache and
// request batching on top of either.
package embedding

import (
	"context"
	"math"
)

// Embedder produces fixed-dimension vectors for text. Returned vectors are
// shared with internal caches and must be treated as read-only.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector width.
	Dimension() int

	// Model reports the embedding model identifier.
	Model() string
}

// normalizeL2 scales vec to unit L2 norm in place. Zero vectors are left
// untouched.
func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
}
