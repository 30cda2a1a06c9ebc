package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// =============================================================================
// LOCAL HASHING ENGINE
// =============================================================================
// Feature-hashed bag-of-words vectors. No external service, fully
// deterministic, good enough for warm-tier similarity when no real embedder
// is configured.

const localDimensions = 256

// Local is the fallback embedding engine.
type Local struct{}

// NewLocal returns the deterministic local engine.
func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string    { return "local-hash" }
func (l *Local) Dimensions() int { return localDimensions }

// Embed hashes lowercase tokens into a fixed-width vector and L2-normalizes.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, localDimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,:;!?\"'()")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % localDimensions)
		// The next hash bit signs the feature to reduce collisions.
		if sum&(1<<31) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
