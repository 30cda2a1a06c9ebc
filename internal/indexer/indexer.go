// Package indexer watches a filesystem tree and extracts plain-text content
// into the memory tiers. Deep scans are journaled and idempotent; a bounded
// worker pool does extraction; identical content across paths is indexed
// once.
package indexer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"arbiterd/internal/logging"
	"arbiterd/internal/persist"
)

const stateFile = "index_state.json"

// ScanPhase labels the persisted scan lifecycle.
type ScanPhase string

const (
	ScanRunning ScanPhase = "running"
	ScanPaused  ScanPhase = "paused"
	ScanDone    ScanPhase = "done"
	ScanFailed  ScanPhase = "failed"
)

// ScanState is the persisted progress of a deep scan.
type ScanState struct {
	Path       string     `json:"path"`
	StartedAt  time.Time  `json:"startedAt"`
	Scanned    int        `json:"scanned"`
	Indexed    int        `json:"indexed"`
	State      ScanPhase  `json:"state"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Document is one extracted file handed to the sink.
type Document struct {
	Path    string
	Content string
	Hash    string
	Size    int64
	ModTime time.Time
}

// Sink receives extracted documents. RemovePath is called on unlink.
type Sink interface {
	IndexDocument(ctx context.Context, doc Document) error
	RemovePath(ctx context.Context, path string) error
}

// Config tunes the indexer.
type Config struct {
	Root       string
	StateDir   string
	Workers    int
	Dedupe     bool
	Extensions []string // allowed extensions; empty means the default set
	MaxFileMB  int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		Dedupe:     true,
		Extensions: []string{".txt", ".md", ".go", ".py", ".js", ".json", ".yaml", ".yml", ".html", ".csv"},
		MaxFileMB:  8,
	}
}

// Indexer owns the journal, dedupe set and watcher.
type Indexer struct {
	cfg  Config
	sink Sink

	journal *Journal

	mu       sync.Mutex
	seenHash map[string]string // content hash -> first path
	state    ScanState
	paused   bool
	pauseCh  chan struct{} // closed when resumed
	exts     map[string]bool

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an indexer over root. Any interrupted scan state is loaded so a
// restart can resume.
func New(cfg Config, sink Sink) (*Indexer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("indexer root required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultConfig().Extensions
	}
	if cfg.MaxFileMB <= 0 {
		cfg.MaxFileMB = DefaultConfig().MaxFileMB
	}

	idx := &Indexer{
		cfg:      cfg,
		sink:     sink,
		journal:  LoadJournal(cfg.StateDir),
		seenHash: make(map[string]string),
		exts:     make(map[string]bool, len(cfg.Extensions)),
		stopCh:   make(chan struct{}),
	}
	for _, e := range cfg.Extensions {
		idx.exts[strings.ToLower(e)] = true
	}

	var prev ScanState
	if err := persist.Load(idx.statePath(), &prev, 0); err == nil {
		idx.state = prev
		if prev.State == ScanRunning || prev.State == ScanPaused {
			logging.Indexer("previous scan of %s interrupted at %d files, will resume on next scan", prev.Path, prev.Scanned)
		}
	}
	// Rebuild the dedupe set from journal fingerprints so restarts keep
	// suppressing known content.
	if cfg.Dedupe {
		idx.seedDedupe()
	}
	return idx, nil
}

func (x *Indexer) seedDedupe() {
	x.journal.mu.Lock()
	defer x.journal.mu.Unlock()
	for path, e := range x.journal.entries {
		if h := HashPrefixOf(e.Fingerprint); h != "" && e.ContentIndexed {
			if _, dup := x.seenHash[h]; !dup {
				x.seenHash[h] = path
			}
		}
	}
}

// Scan walks the tree once. Files whose journal fingerprint matches are
// skipped; the rest go through the worker pool. Scan honors Pause and
// context cancellation, persisting state either way.
func (x *Indexer) Scan(ctx context.Context) (ScanState, error) {
	timer := logging.StartTimer(logging.CategoryIndexer, "deep scan")
	defer timer.Stop()

	x.mu.Lock()
	x.state = ScanState{Path: x.cfg.Root, StartedAt: time.Now(), State: ScanRunning}
	x.mu.Unlock()
	x.persistState()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Workers)

	walkErr := filepath.WalkDir(x.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != x.cfg.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if err := x.waitIfPaused(gctx); err != nil {
			return err
		}
		if !x.supported(path) {
			return nil
		}

		x.mu.Lock()
		x.state.Scanned++
		x.mu.Unlock()

		info, err := d.Info()
		if err != nil {
			return nil
		}
		fp := Fingerprint(path, info)
		if x.journal.Current(path, fp) {
			return nil
		}
		g.Go(func() error {
			if indexed := x.processFile(gctx, path, fp, info); indexed {
				x.mu.Lock()
				x.state.Indexed++
				x.mu.Unlock()
			}
			return nil
		})
		return nil
	})

	poolErr := g.Wait()

	x.mu.Lock()
	finished := time.Now()
	x.state.FinishedAt = &finished
	switch {
	case walkErr != nil || poolErr != nil:
		if x.paused {
			x.state.State = ScanPaused
		} else {
			x.state.State = ScanFailed
		}
	default:
		x.state.State = ScanDone
	}
	result := x.state
	x.mu.Unlock()

	x.persistState()
	if err := x.journal.Save(); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("journal save failed: %v", err)
	}
	logging.Indexer("scan %s: %d scanned, %d indexed (%s)", result.State, result.Scanned, result.Indexed, x.cfg.Root)

	if walkErr != nil && walkErr != context.Canceled {
		return result, walkErr
	}
	return result, poolErr
}

// processFile extracts one file and hands it to the sink. Returns true when
// content was actually indexed (not skipped by dedupe or binary sniffing).
func (x *Indexer) processFile(ctx context.Context, path, fp string, info os.FileInfo) bool {
	if info.Size() > int64(x.cfg.MaxFileMB)<<20 {
		x.journal.Mark(path, fp, false)
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if isBinary(data) {
		x.journal.Mark(path, fp, false)
		return false
	}

	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])[:sha1PrefixLen]

	if x.cfg.Dedupe {
		x.mu.Lock()
		first, dup := x.seenHash[hash]
		if !dup {
			x.seenHash[hash] = path
		}
		x.mu.Unlock()
		if dup && first != path {
			// Same content elsewhere: journal the path, skip the sink.
			x.journal.Mark(path, fp, true)
			logging.IndexerDebug("dedupe: %s matches %s, content skipped", path, first)
			return false
		}
	}

	doc := Document{
		Path:    path,
		Content: string(data),
		Hash:    hash,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := x.sink.IndexDocument(ctx, doc); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("sink rejected %s: %v", path, err)
		return false
	}
	x.journal.Mark(path, fp, true)
	return true
}

// Pause suspends an in-flight scan after the current file.
func (x *Indexer) Pause() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.paused {
		return
	}
	x.paused = true
	x.pauseCh = make(chan struct{})
	x.state.State = ScanPaused
	logging.Indexer("scan paused at %d files", x.state.Scanned)
}

// Resume lets a paused scan continue.
func (x *Indexer) Resume() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.paused {
		return
	}
	x.paused = false
	close(x.pauseCh)
	x.state.State = ScanRunning
	logging.Indexer("scan resumed")
}

func (x *Indexer) waitIfPaused(ctx context.Context) error {
	x.mu.Lock()
	paused := x.paused
	ch := x.pauseCh
	x.mu.Unlock()
	if !paused {
		return nil
	}
	x.persistState()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-x.stopCh:
		return context.Canceled
	}
}

// Watch starts the fsnotify loop over the root and its subdirectories.
// Creates and writes re-index the file; removals clean the journal and sink.
func (x *Indexer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	x.watcher = watcher

	err = filepath.WalkDir(x.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != x.cfg.Root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return err
	}

	x.wg.Add(1)
	go x.watchLoop(ctx)
	logging.Indexer("watching %s", x.cfg.Root)
	return nil
}

func (x *Indexer) watchLoop(ctx context.Context) {
	defer x.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.stopCh:
			return
		case ev, ok := <-x.watcher.Events:
			if !ok {
				return
			}
			x.handleEvent(ctx, ev)
		case err, ok := <-x.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndexer).Warn("watcher error: %v", err)
		}
	}
}

func (x *Indexer) handleEvent(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Op&fsnotify.Create != 0 {
				_ = x.watcher.Add(ev.Name)
			}
			return
		}
		if !x.supported(ev.Name) {
			return
		}
		fp := Fingerprint(ev.Name, info)
		if x.journal.Current(ev.Name, fp) {
			return
		}
		x.processFile(ctx, ev.Name, fp, info)

	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if x.journal.Remove(ev.Name) {
			if err := x.sink.RemovePath(ctx, ev.Name); err != nil {
				logging.IndexerDebug("sink remove %s: %v", ev.Name, err)
			}
		}
	}
}

// Journal exposes the path registry for diagnostics and tests.
func (x *Indexer) Journal() *Journal { return x.journal }

// State returns a copy of the current scan state.
func (x *Indexer) State() ScanState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// UniqueContent returns the size of the content-hash dedupe set.
func (x *Indexer) UniqueContent() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.seenHash)
}

// Close stops watching and persists the journal and state.
func (x *Indexer) Close() error {
	x.stopOnce.Do(func() { close(x.stopCh) })
	if x.watcher != nil {
		x.watcher.Close()
	}
	x.wg.Wait()
	x.persistState()
	return x.journal.Save()
}

func (x *Indexer) supported(path string) bool {
	return x.exts[strings.ToLower(filepath.Ext(path))]
}

func (x *Indexer) persistState() {
	if x.cfg.StateDir == "" {
		return
	}
	x.mu.Lock()
	snapshot := x.state
	x.mu.Unlock()
	if err := persist.WriteAtomic(x.statePath(), snapshot); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("state save failed: %v", err)
	}
}

func (x *Indexer) statePath() string {
	return filepath.Join(x.cfg.StateDir, stateFile)
}

// isBinary sniffs the first kilobyte for NUL bytes.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
