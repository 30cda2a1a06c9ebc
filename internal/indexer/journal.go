package indexer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"arbiterd/internal/persist"
)

// =============================================================================
// SCAN JOURNAL
// =============================================================================
// The journal maps absolute paths to fingerprints so deep scans are
// idempotent: a file whose fingerprint matches is skipped without reading it.

const (
	journalFile    = "index_journal.json"
	sha1PrefixLen  = 12
	hashSizeCutoff = 1 << 20 // files above 1 MiB fingerprint on size:mtime only
)

// JournalEntry records one indexed path.
type JournalEntry struct {
	Fingerprint    string    `json:"fingerprint"`
	ContentIndexed bool      `json:"contentIndexed"`
	IndexedAt      time.Time `json:"indexedAt"`
}

// Journal is the persistent path registry.
type Journal struct {
	mu      sync.Mutex
	entries map[string]JournalEntry
	path    string
}

// LoadJournal reads (or initializes) the journal under stateDir.
func LoadJournal(stateDir string) *Journal {
	j := &Journal{
		entries: make(map[string]JournalEntry),
		path:    stateDir + string(os.PathSeparator) + journalFile,
	}
	var stored map[string]JournalEntry
	if err := persist.Load(j.path, &stored, 0); err == nil {
		j.entries = stored
	}
	return j
}

// Fingerprint builds "size:mtime" with an optional ":sha1-prefix" for small
// files. The content read happens at most once per changed file.
func Fingerprint(path string, info os.FileInfo) string {
	fp := fmt.Sprintf("%d:%d", info.Size(), info.ModTime().Unix())
	if info.Size() <= hashSizeCutoff {
		if data, err := os.ReadFile(path); err == nil {
			sum := sha1.Sum(data)
			fp += ":" + hex.EncodeToString(sum[:])[:sha1PrefixLen]
		}
	}
	return fp
}

// Current reports whether path is already indexed under this fingerprint.
func (j *Journal) Current(path, fingerprint string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[path]
	return ok && e.ContentIndexed && e.Fingerprint == fingerprint
}

// Mark records a path as indexed (or seen but skipped).
func (j *Journal) Mark(path, fingerprint string, contentIndexed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[path] = JournalEntry{
		Fingerprint:    fingerprint,
		ContentIndexed: contentIndexed,
		IndexedAt:      time.Now(),
	}
}

// Remove drops a path, returning whether it was present.
func (j *Journal) Remove(path string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.entries[path]
	delete(j.entries, path)
	return ok
}

// Get returns the entry for a path.
func (j *Journal) Get(path string) (JournalEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[path]
	return e, ok
}

// Len returns the tracked path count.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Save persists the journal atomically.
func (j *Journal) Save() error {
	j.mu.Lock()
	snapshot := make(map[string]JournalEntry, len(j.entries))
	for k, v := range j.entries {
		snapshot[k] = v
	}
	j.mu.Unlock()
	return persist.WriteAtomic(j.path, snapshot)
}

// HashPrefixOf extracts the sha1 prefix from a fingerprint, empty when the
// fingerprint is size:mtime only.
func HashPrefixOf(fingerprint string) string {
	parts := strings.Split(fingerprint, ":")
	if len(parts) == 3 {
		return parts[2]
	}
	return ""
}
