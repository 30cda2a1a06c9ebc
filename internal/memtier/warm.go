package memtier

import (
	"sync"
	"time"

	"arbiterd/internal/embedding"
)

// =============================================================================
// WARM TIER
// =============================================================================
// In-memory vector set scanned linearly with cosine similarity. Bounded;
// insertion past the cap evicts the oldest entry.

type warmEntry struct {
	id        string
	vec       []float32
	snippet   string
	createdAt time.Time
}

// WarmIndex is the vector tier.
type WarmIndex struct {
	mu      sync.Mutex
	entries []warmEntry
	cap     int

	now func() time.Time
}

// WarmHit is one similarity match.
type WarmHit struct {
	ID      string
	Score   float64
	Snippet string
}

// NewWarmIndex builds the warm tier with the given capacity.
func NewWarmIndex(capacity int) *WarmIndex {
	if capacity <= 0 {
		capacity = 1024
	}
	return &WarmIndex{cap: capacity, now: time.Now}
}

// Add inserts or replaces a vector for id.
func (w *WarmIndex) Add(id string, vec []float32, snippet string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].id == id {
			w.entries[i].vec = vec
			w.entries[i].snippet = snippet
			return
		}
	}
	if len(w.entries) >= w.cap {
		w.entries = w.entries[1:]
	}
	w.entries = append(w.entries, warmEntry{id: id, vec: vec, snippet: snippet, createdAt: w.now()})
}

// Search returns the top-k entries by cosine similarity above minScore.
func (w *WarmIndex) Search(vec []float32, k int, minScore float64) []WarmHit {
	w.mu.Lock()
	defer w.mu.Unlock()

	hits := make([]WarmHit, 0, len(w.entries))
	for _, e := range w.entries {
		score := embedding.Cosine(vec, e.vec)
		if score >= minScore {
			hits = append(hits, WarmHit{ID: e.id, Score: score, Snippet: e.snippet})
		}
	}
	// Insertion sort by score; the set is small.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Remove drops the vector for id.
func (w *WarmIndex) Remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].id == id {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// Flush empties the index.
func (w *WarmIndex) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
}

// Len returns the entry count.
func (w *WarmIndex) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
