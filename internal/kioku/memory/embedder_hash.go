package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
)

// DefaultHashDimensions matches all-MiniLM-L6-v2 so hash vectors can stand
// in for a small local model.
const DefaultHashDimensions = 384

// HashEmbedder derives a deterministic unit vector from the FNV-1a hash of
// the text. It has no semantic meaning; it exists so pipelines can run end
// to end without an embedding service.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of the given
// length (DefaultHashDimensions when dims <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dimensions: dims}
}

// Embed creates a deterministic embedding from text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.New("embedder hash: empty text")
	}

	f := fnv.New64a()
	f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dimensions)
	var norm float64
	for i := range vec {
		// 64-bit LCG step, mapped into [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// Compile-time interface satisfaction check.
var _ Embedder = (*HashEmbedder)(nil)
