package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/persist"
)

type recordingSink struct {
	mu      sync.Mutex
	docs    []Document
	removed []string
}

func (s *recordingSink) IndexDocument(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

func (s *recordingSink) RemovePath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newIndexer(t *testing.T, root string, sink Sink) *Indexer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = root
	cfg.StateDir = t.TempDir()
	idx, err := New(cfg, sink)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestScan_IndexesSupportedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.md", "alpha notes")
	writeFile(t, root, "image.png", "not really an image")

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	state, err := idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanDone, state.State)
	assert.Equal(t, 1, state.Indexed)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "alpha notes", sink.docs[0].Content)
}

func TestScan_SecondPassIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "stable content")
	writeFile(t, root, "b.txt", "more stable content")

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	first, err := idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Indexed)

	second, err := idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Indexed)
	assert.Equal(t, 2, sink.count())
}

func TestScan_ChangedFingerprintReindexes(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "doc.txt", "version one")

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	_, err := idx.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())

	// Different length changes the fingerprint even within mtime resolution.
	require.NoError(t, os.WriteFile(path, []byte("version two, revised"), 0644))

	state, err := idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.Indexed)
	assert.Equal(t, 2, sink.count())
}

func TestScan_DedupeSuppressesIdenticalContent(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.txt", "shared body of text")
	b := writeFile(t, root, "b.txt", "shared body of text")

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	_, err := idx.Scan(context.Background())
	require.NoError(t, err)

	// One document reaches the sink, both paths are journaled, and the
	// content hash set holds the content exactly once.
	assert.Equal(t, 1, sink.count())
	_, okA := idx.Journal().Get(a)
	_, okB := idx.Journal().Get(b)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, 1, idx.UniqueContent())
}

func TestScan_DedupeDisabledIndexesBoth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "same again")
	writeFile(t, root, "b.txt", "same again")

	cfg := DefaultConfig()
	cfg.Root = root
	cfg.StateDir = t.TempDir()
	cfg.Dedupe = false
	sink := &recordingSink{}
	idx, err := New(cfg, sink)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sink.count())
}

func TestScan_BinarySniffSkips(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "blob.txt")
	require.NoError(t, os.WriteFile(path, []byte("text\x00binary"), 0644))

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	_, err := idx.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sink.count())

	// The path is journaled so rescans skip the read entirely.
	entry, ok := idx.Journal().Get(path)
	require.True(t, ok)
	assert.False(t, entry.ContentIndexed)
}

func TestScan_PauseAndResume(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, root, fmt.Sprintf("f%d.txt", i), "file content")
	}

	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)
	idx.Pause()

	done := make(chan ScanState, 1)
	go func() {
		state, _ := idx.Scan(context.Background())
		done <- state
	}()

	require.Eventually(t, func() bool {
		return idx.State().State == ScanPaused || idx.State().State == ScanRunning
	}, time.Second, 10*time.Millisecond)

	idx.Resume()
	select {
	case state := <-done:
		assert.Equal(t, ScanDone, state.State)
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
}

func TestScan_StatePersistsAcrossRestart(t *testing.T) {
	root := t.TempDir()
	stateDir := t.TempDir()
	writeFile(t, root, "a.txt", "persist me")

	cfg := DefaultConfig()
	cfg.Root = root
	cfg.StateDir = stateDir
	sink := &recordingSink{}

	idx, err := New(cfg, sink)
	require.NoError(t, err)
	_, err = idx.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	var saved ScanState
	require.NoError(t, persist.Load(filepath.Join(stateDir, stateFile), &saved, 0))
	assert.Equal(t, ScanDone, saved.State)
	require.NotNil(t, saved.FinishedAt)

	// A fresh indexer over the same state dir inherits the journal and
	// dedupe set, so a rescan indexes nothing new.
	idx2, err := New(cfg, sink)
	require.NoError(t, err)
	defer idx2.Close()
	state, err := idx2.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, state.Indexed)
	assert.Equal(t, 1, idx2.UniqueContent())
}

func TestHandleEvent_WriteIndexesAndRemoveCleans(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)
	ctx := context.Background()

	path := writeFile(t, root, "live.md", "written while watching")
	idx.handleEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, 1, sink.count())

	// A second write with the same fingerprint is a no-op.
	idx.handleEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, 1, sink.count())

	require.NoError(t, os.Remove(path))
	idx.handleEvent(ctx, fsnotify.Event{Name: path, Op: fsnotify.Remove})
	assert.Contains(t, sink.removed, path)
	assert.Zero(t, idx.Journal().Len())
}

func TestWatch_PicksUpNewFiles(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	idx := newIndexer(t, root, sink)

	require.NoError(t, idx.Watch(context.Background()))
	writeFile(t, root, "fresh.txt", "created under watch")

	// Create and Write may both fire; at least one indexes the content.
	require.Eventually(t, func() bool {
		return sink.count() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFingerprint_HashOnlyForSmallFiles(t *testing.T) {
	root := t.TempDir()
	small := writeFile(t, root, "small.txt", "tiny")

	info, err := os.Stat(small)
	require.NoError(t, err)
	fp := Fingerprint(small, info)
	assert.Len(t, HashPrefixOf(fp), sha1PrefixLen)
	assert.Empty(t, HashPrefixOf("123:456"))
}
