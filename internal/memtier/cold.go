package memtier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// =============================================================================
// COLD TIER
// =============================================================================
// SQLite-backed authoritative store with access tracking. Everything the hot
// and warm tiers serve ultimately lives here.

// ColdStore is the persistent tier.
type ColdStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewColdStore opens (or creates) the database at path.
func NewColdStore(path string) (*ColdStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &ColdStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ColdStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding_id TEXT,
		importance REAL DEFAULT 0.5,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		accessed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		access_count INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(accessed_at);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put upserts a record. The write is authoritative for the whole store.
func (s *ColdStore) Put(ctx context.Context, rec types.MemoryRecord) error {
	timer := logging.StartTimer(logging.CategoryMemory, "cold.Put")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, _ := json.Marshal(rec.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, metadata, embedding_id, importance, created_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		 content = excluded.content,
		 metadata = excluded.metadata,
		 embedding_id = excluded.embedding_id,
		 importance = excluded.importance`,
		rec.ID, rec.Content, string(metaJSON), rec.EmbeddingID, rec.Importance,
	)
	if err != nil {
		return types.WrapKind(types.KindPersistFailed, "cold.Put", err)
	}
	return nil
}

// Get fetches one record by id and bumps its access tracking.
func (s *ColdStore) Get(ctx context.Context, id string) (types.MemoryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.scanOne(ctx, "SELECT id, content, metadata, embedding_id, importance, created_at, accessed_at, access_count FROM memories WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return types.MemoryRecord{}, false, nil
	}
	if err != nil {
		return types.MemoryRecord{}, false, err
	}
	s.touchLocked(ctx, []string{id})
	return rec, true, nil
}

// Search returns up to k records whose content contains the query substring,
// importance-ordered, bumping access tracking on the hits.
func (s *ColdStore) Search(ctx context.Context, query string, k int) ([]types.MemoryRecord, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "cold.Search")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding_id, importance, created_at, accessed_at, access_count
		 FROM memories WHERE content LIKE ? ORDER BY importance DESC, accessed_at DESC LIMIT ?`,
		"%"+query+"%", k,
	)
	if err != nil {
		return nil, types.WrapKind(types.KindPersistFailed, "cold.Search", err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	var ids []string
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	s.touchLocked(ctx, ids)
	return out, nil
}

// Delete removes one record.
func (s *ColdStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return types.WrapKind(types.KindPersistFailed, "cold.Delete", err)
	}
	return nil
}

// Cleanup deletes records older than maxAge with importance below the
// threshold. Returns the number removed.
func (s *ColdStore) Cleanup(ctx context.Context, maxAge time.Duration, minImportance float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE created_at < ? AND importance < ?", cutoff, minImportance)
	if err != nil {
		return 0, types.WrapKind(types.KindPersistFailed, "cold.Cleanup", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Memory("cold cleanup removed %d low-importance records", n)
	}
	return int(n), nil
}

// Count returns the stored record count.
func (s *ColdStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

// Close closes the database.
func (s *ColdStore) Close() error {
	return s.db.Close()
}

func (s *ColdStore) touchLocked(ctx context.Context, ids []string) {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE memories SET accessed_at = CURRENT_TIMESTAMP, access_count = access_count + 1 WHERE id = ?", id); err != nil {
			logging.MemoryDebug("access tracking update failed for %s: %v", id, err)
		}
	}
}

func (s *ColdStore) scanOne(ctx context.Context, query string, args ...interface{}) (types.MemoryRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, query, args...))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(r rowScanner) (types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var metaJSON sql.NullString
	var embeddingID sql.NullString
	if err := r.Scan(&rec.ID, &rec.Content, &metaJSON, &embeddingID, &rec.Importance,
		&rec.CreatedAt, &rec.AccessedAt, &rec.AccessCount); err != nil {
		return types.MemoryRecord{}, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	rec.EmbeddingID = embeddingID.String
	return rec, nil
}
