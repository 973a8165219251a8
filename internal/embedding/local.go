package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// Local is a deterministic, offline embedder for development and tests.
// Vectors are derived from a SHA-256 chain over the text, so equal texts
// always embed identically and distinct texts land far apart. It carries no
// semantic signal.
type Local struct {
	dimension int
	normalize bool
}

// LocalModel is the model identifier the local embedder reports.
const LocalModel = "local-sha256"

// NewLocal creates a deterministic embedder of the given dimension.
func NewLocal(dimension int, normalize bool) *Local {
	if dimension <= 0 {
		dimension = 256
	}
	return &Local{dimension: dimension, normalize: normalize}
}

// Embed derives the vector for one text.
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dimension)
	block := sha256.Sum256([]byte(text))
	for i := 0; i < l.dimension; i++ {
		word := i % 8
		if i > 0 && word == 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.BigEndian.Uint32(block[word*4 : word*4+4])
		// Map the 32-bit word onto [-1, 1].
		vec[i] = float32(u)/float32(1<<31) - 1
	}
	if l.normalize {
		normalizeL2(vec)
	}
	return vec, nil
}

// EmbedBatch derives one vector per text.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimension returns the configured vector width.
func (l *Local) Dimension() int {
	return l.dimension
}

// Model returns the local model identifier.
func (l *Local) Model() string {
	return LocalModel
}
