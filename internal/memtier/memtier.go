// Package memtier implements the three-tier memory store: a TTL hot cache,
// a cosine-similarity warm index, and an authoritative SQLite cold store.
// Recall cascades hot -> warm -> cold, promoting hits upward.
package memtier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"arbiterd/internal/embedding"
	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

const (
	idPrefixLen  = 16 // hex chars of the content hash
	minWarmScore = 0.15
)

// Config tunes the tiers.
type Config struct {
	StateDir        string
	HotTTL          time.Duration
	WarmCapacity    int
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
	CleanupMinScore float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		HotTTL:          time.Hour,
		WarmCapacity:    1024,
		CleanupInterval: 6 * time.Hour,
		CleanupMaxAge:   30 * 24 * time.Hour,
		CleanupMinScore: 0.3,
	}
}

// Tiers is the facade arbiters call through their Memory guards.
type Tiers struct {
	cfg  Config
	hot  *HotCache
	warm *WarmIndex
	cold *ColdStore

	embedder embedding.Engine

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the tiers. A nil embedder disables the warm tier's inserts but
// never blocks remember/recall.
func New(cfg Config, embedder embedding.Engine) (*Tiers, error) {
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = DefaultConfig().HotTTL
	}
	cold, err := NewColdStore(filepath.Join(cfg.StateDir, "memories.db"))
	if err != nil {
		return nil, err
	}
	t := &Tiers{
		cfg:      cfg,
		hot:      NewHotCache(cfg.HotTTL),
		warm:     NewWarmIndex(cfg.WarmCapacity),
		cold:     cold,
		embedder: embedder,
		stopCh:   make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		t.wg.Add(1)
		go t.cleanupLoop()
	}
	return t, nil
}

// ContentID derives the record id from content: a SHA-256 prefix.
func ContentID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:idPrefixLen]
}

// Remember writes content to the cold tier (authoritative), caches it hot,
// and inserts a warm vector when embedding succeeds.
func (t *Tiers) Remember(ctx context.Context, content string, meta map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Remember")
	defer timer.Stop()

	id := ContentID(content)
	importance := 0.5
	if meta != nil {
		if v, ok := meta["importance"].(float64); ok {
			importance = v
		}
	}
	rec := types.MemoryRecord{
		ID:         id,
		Content:    content,
		Metadata:   meta,
		Importance: importance,
		CreatedAt:  time.Now(),
		AccessedAt: time.Now(),
	}

	if t.embedder != nil {
		if vec, err := t.embedder.Embed(ctx, content); err == nil {
			rec.EmbeddingID = id
			t.warm.Add(id, vec, snippet(content))
		} else {
			logging.MemoryDebug("embedding failed for %s, warm insert skipped: %v", id, err)
		}
	}

	if err := t.cold.Put(ctx, rec); err != nil {
		return "", err
	}
	t.hot.Put(content, []types.MemoryRecord{rec})
	t.hot.Put(id, []types.MemoryRecord{rec})

	logging.MemoryDebug("remembered %s (importance=%.2f, warm=%d)", id, importance, t.warm.Len())
	return id, nil
}

// Recall cascades hot -> warm -> cold and promotes hits upward.
func (t *Tiers) Recall(ctx context.Context, query string, k int) ([]types.MemoryRecord, error) {
	records, _, err := t.RecallTier(ctx, query, k)
	return records, err
}

// RecallTier is Recall plus the tier that served the result, for diagnostics
// and the memory metrics report.
func (t *Tiers) RecallTier(ctx context.Context, query string, k int) ([]types.MemoryRecord, types.MemoryTier, error) {
	if k <= 0 {
		k = 5
	}

	if records, ok := t.hot.Get(query); ok {
		logging.MemoryDebug("recall %q served hot (%d records)", query, len(records))
		return limit(records, k), types.TierHot, nil
	}

	if t.embedder != nil {
		if vec, err := t.embedder.Embed(ctx, query); err == nil {
			if hits := t.warm.Search(vec, k, minWarmScore); len(hits) > 0 {
				records := make([]types.MemoryRecord, 0, len(hits))
				for _, hit := range hits {
					rec, ok, err := t.cold.Get(ctx, hit.ID)
					if err != nil || !ok {
						continue
					}
					records = append(records, rec)
				}
				if len(records) > 0 {
					t.hot.Put(query, records)
					logging.MemoryDebug("recall %q served warm (%d records)", query, len(records))
					return records, types.TierWarm, nil
				}
			}
		}
	}

	records, err := t.cold.Search(ctx, query, k)
	if err != nil {
		return nil, types.TierCold, err
	}
	if len(records) > 0 {
		// Opportunistic repopulation of the upper tiers.
		if t.embedder != nil {
			for _, rec := range records {
				if vec, err := t.embedder.Embed(ctx, rec.Content); err == nil {
					t.warm.Add(rec.ID, vec, snippet(rec.Content))
				}
			}
		}
		t.hot.Put(query, records)
	}
	logging.MemoryDebug("recall %q served cold (%d records)", query, len(records))
	return records, types.TierCold, nil
}

// Forget removes a record from every tier.
func (t *Tiers) Forget(ctx context.Context, id string) error {
	t.hot.Forget(id)
	t.warm.Remove(id)
	return t.cold.Delete(ctx, id)
}

// FlushHot and FlushWarm drop a cache tier without touching cold.
func (t *Tiers) FlushHot()  { t.hot.Flush() }
func (t *Tiers) FlushWarm() { t.warm.Flush() }

// Hot exposes the hot tier for degradation control.
func (t *Tiers) Hot() *HotCache { return t.hot }

// Stats reports per-tier sizes.
func (t *Tiers) Stats(ctx context.Context) map[string]int {
	coldCount, err := t.cold.Count(ctx)
	if err != nil {
		coldCount = -1
	}
	return map[string]int{
		"hot":  t.hot.Len(),
		"warm": t.warm.Len(),
		"cold": coldCount,
	}
}

// Close stops the cleanup loop and closes the cold store.
func (t *Tiers) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return t.cold.Close()
}

func (t *Tiers) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if _, err := t.cold.Cleanup(context.Background(), t.cfg.CleanupMaxAge, t.cfg.CleanupMinScore); err != nil {
				logging.Get(logging.CategoryMemory).Error("cold cleanup failed: %v", err)
			}
		}
	}
}

func limit(records []types.MemoryRecord, k int) []types.MemoryRecord {
	if len(records) > k {
		return records[:k]
	}
	return records
}

func snippet(content string) string {
	if len(content) > 160 {
		return content[:160]
	}
	return content
}
