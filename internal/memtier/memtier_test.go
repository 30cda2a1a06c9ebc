package memtier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/embedding"
	"arbiterd/internal/types"
)

func newTiers(t *testing.T) *Tiers {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.CleanupInterval = 0
	tiers, err := New(cfg, embedding.NewLocal())
	require.NoError(t, err)
	t.Cleanup(func() { tiers.Close() })
	return tiers
}

func TestRemember_ColdIsAuthoritative(t *testing.T) {
	tiers := newTiers(t)
	ctx := context.Background()

	id, err := tiers.Remember(ctx, "alpha waves help memory consolidation", map[string]interface{}{"importance": 0.9})
	require.NoError(t, err)
	assert.Equal(t, ContentID("alpha waves help memory consolidation"), id)

	rec, ok, err := tiers.cold.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, rec.Importance)
}

func TestRecall_CascadePromotesUpward(t *testing.T) {
	tiers := newTiers(t)
	ctx := context.Background()

	_, err := tiers.Remember(ctx, "alpha", nil)
	require.NoError(t, err)

	// First recall: hot hit (remember primed the hot cache by content).
	records, tier, err := tiers.RecallTier(ctx, "alpha", 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, types.TierHot, tier)

	// Flush hot: warm serves, then repopulates hot.
	tiers.FlushHot()
	records, tier, err = tiers.RecallTier(ctx, "alpha", 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, types.TierWarm, tier)

	// Flush both caches: cold serves and repopulates warm and hot.
	tiers.FlushHot()
	tiers.FlushWarm()
	records, tier, err = tiers.RecallTier(ctx, "alpha", 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, types.TierCold, tier)
	assert.Greater(t, tiers.warm.Len(), 0)

	records, tier, err = tiers.RecallTier(ctx, "alpha", 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, types.TierHot, tier)
}

func TestRecall_MissReturnsEmpty(t *testing.T) {
	tiers := newTiers(t)
	records, err := tiers.Recall(context.Background(), "never stored anywhere", 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestForget_RemovesFromAllTiers(t *testing.T) {
	tiers := newTiers(t)
	ctx := context.Background()

	id, err := tiers.Remember(ctx, "ephemeral fact to forget", nil)
	require.NoError(t, err)
	require.NoError(t, tiers.Forget(ctx, id))

	_, ok, err := tiers.cold.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	records, err := tiers.Recall(ctx, "ephemeral fact to forget", 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHotCache_TTLExpiry(t *testing.T) {
	h := NewHotCache(time.Minute)
	base := time.Now()
	h.now = func() time.Time { return base }

	h.Put("q", []types.MemoryRecord{{ID: "1"}})
	_, ok := h.Get("q")
	assert.True(t, ok)

	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = h.Get("q")
	assert.False(t, ok)
	assert.Zero(t, h.Len())
}

func TestHotCache_DegradedDropsWritesOnce(t *testing.T) {
	h := NewHotCache(time.Minute)
	h.SetDegraded(true)

	h.Put("q", []types.MemoryRecord{{ID: "1"}})
	_, ok := h.Get("q")
	assert.False(t, ok)

	h.SetDegraded(false)
	h.Put("q", []types.MemoryRecord{{ID: "1"}})
	_, ok = h.Get("q")
	assert.True(t, ok)
}

func TestWarmIndex_TopKBySimilarity(t *testing.T) {
	w := NewWarmIndex(10)
	eng := embedding.NewLocal()
	ctx := context.Background()

	va, _ := eng.Embed(ctx, "goroutine scheduling latency")
	vb, _ := eng.Embed(ctx, "gardening tips for spring")
	w.Add("a", va, "goroutine scheduling latency")
	w.Add("b", vb, "gardening tips for spring")

	q, _ := eng.Embed(ctx, "latency of goroutine scheduling")
	hits := w.Search(q, 1, 0.1)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestWarmIndex_CapEvictsOldest(t *testing.T) {
	w := NewWarmIndex(2)
	w.Add("1", []float32{1}, "")
	w.Add("2", []float32{1}, "")
	w.Add("3", []float32{1}, "")
	assert.Equal(t, 2, w.Len())

	hits := w.Search([]float32{1}, 10, 0)
	for _, h := range hits {
		assert.NotEqual(t, "1", h.ID)
	}
}

func TestColdStore_AccessTracking(t *testing.T) {
	tiers := newTiers(t)
	ctx := context.Background()

	id, err := tiers.Remember(ctx, "tracked record content", nil)
	require.NoError(t, err)

	_, _, err = tiers.cold.Get(ctx, id)
	require.NoError(t, err)
	rec, ok, err := tiers.cold.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rec.AccessCount, 1)
}

func TestColdStore_CleanupThresholds(t *testing.T) {
	tiers := newTiers(t)
	ctx := context.Background()

	_, err := tiers.Remember(ctx, "low importance record", map[string]interface{}{"importance": 0.1})
	require.NoError(t, err)
	_, err = tiers.Remember(ctx, "high importance record", map[string]interface{}{"importance": 0.9})
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := tiers.cold.Cleanup(ctx, 30*24*time.Hour, 0.3)
	require.NoError(t, err)
	assert.Zero(t, n)

	// With a zero age cutoff only the low-importance record qualifies.
	n, err = tiers.cold.Cleanup(ctx, -time.Hour, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := tiers.cold.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
