package memtier

import (
	"sync"
	"time"

	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// =============================================================================
// HOT TIER
// =============================================================================
// TTL cache keyed by the literal query (or content id). Purely an accelerator:
// losing it costs latency, never data. Degradation is announced once.

type hotEntry struct {
	records []types.MemoryRecord
	expires time.Time
}

// HotCache is the TTL tier.
type HotCache struct {
	mu       sync.Mutex
	entries  map[string]hotEntry
	ttl      time.Duration
	degraded bool
	warned   bool

	now func() time.Time
}

// NewHotCache builds the hot tier with the given TTL.
func NewHotCache(ttl time.Duration) *HotCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HotCache{
		entries: make(map[string]hotEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put caches records under key. No-op while degraded.
func (h *HotCache) Put(key string, records []types.MemoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.degraded {
		h.warnOnceLocked()
		return
	}
	h.entries[key] = hotEntry{
		records: append([]types.MemoryRecord(nil), records...),
		expires: h.now().Add(h.ttl),
	}
}

// Get returns unexpired records for key.
func (h *HotCache) Get(key string) ([]types.MemoryRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.degraded {
		return nil, false
	}
	e, ok := h.entries[key]
	if !ok {
		return nil, false
	}
	if h.now().After(e.expires) {
		delete(h.entries, key)
		return nil, false
	}
	return append([]types.MemoryRecord(nil), e.records...), true
}

// Forget drops every cached entry containing the record id.
func (h *HotCache) Forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, e := range h.entries {
		for _, r := range e.records {
			if r.ID == id {
				delete(h.entries, key)
				break
			}
		}
	}
}

// Flush empties the cache.
func (h *HotCache) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[string]hotEntry)
}

// Len returns the live entry count, expiring lazily.
func (h *HotCache) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for key, e := range h.entries {
		if now.After(e.expires) {
			delete(h.entries, key)
		}
	}
	return len(h.entries)
}

// SetDegraded switches the cache off (or back on). Recovery is also
// announced exactly once.
func (h *HotCache) SetDegraded(degraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if degraded == h.degraded {
		return
	}
	h.degraded = degraded
	if degraded {
		h.warnOnceLocked()
		h.entries = make(map[string]hotEntry)
	} else {
		h.warned = false
		logging.Memory("hot tier recovered, caching re-enabled")
	}
}

func (h *HotCache) warnOnceLocked() {
	if h.warned {
		return
	}
	h.warned = true
	logging.Get(logging.CategoryMemory).Warn(
		"hot memory tier degraded: recalls fall through to warm/cold tiers, expect higher latency; no data is lost")
}
