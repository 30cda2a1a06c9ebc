package types

import (
	"time"
)

// =============================================================================
// MEMORY RECORDS (3-tier store)
// =============================================================================

// MemoryRecord is a content-addressed record in the tiered memory store.
// The cold tier is authoritative; hot and warm are eventually-consistent
// caches over it.
type MemoryRecord struct {
	ID          string                 `json:"id"` // SHA-256 prefix of content
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	EmbeddingID string                 `json:"embeddingId,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	AccessedAt  time.Time              `json:"accessedAt"`
	AccessCount int                    `json:"accessCount"`
	Importance  float64                `json:"importance"` // 0..1
}

// MemoryTier identifies which tier served a recall.
type MemoryTier string

const (
	TierHot  MemoryTier = "hot"
	TierWarm MemoryTier = "warm"
	TierCold MemoryTier = "cold"
)
