package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_DeterministicAndNormalized(t *testing.T) {
	eng := NewLocal()
	ctx := context.Background()

	a, err := eng.Embed(ctx, "goroutine scheduling latency")
	require.NoError(t, err)
	b, err := eng.Embed(ctx, "goroutine scheduling latency")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, eng.Dimensions())
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-5)
}

func TestCosine_RelatedTextScoresHigher(t *testing.T) {
	eng := NewLocal()
	ctx := context.Background()

	base, _ := eng.Embed(ctx, "memory tier cache eviction")
	near, _ := eng.Embed(ctx, "cache eviction in the memory tier")
	far, _ := eng.Embed(ctx, "banana bread recipe with walnuts")

	assert.Greater(t, Cosine(base, near), Cosine(base, far))
}

func TestCosine_Degenerate(t *testing.T) {
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{0, 0}))
}

func TestEmbedBatch(t *testing.T) {
	eng := NewLocal()
	vecs, err := eng.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotEqual(t, vecs[0], vecs[1])
}
