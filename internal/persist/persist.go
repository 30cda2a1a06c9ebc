// Package persist provides atomic single-file JSON snapshots shared by the
// goal planner and the experience/outcome stores. Writes go through a temp
// file and rename; unreadable or oversize input is quarantined under
// .corrupted/ rather than deleted.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// CorruptedDirName is where bad snapshots are moved.
const CorruptedDirName = ".corrupted"

// WriteAtomic marshals v and writes it to path via temp-rename. The parent
// directory is created when missing.
func WriteAtomic(path string, v interface{}) error {
	timer := logging.StartTimer(logging.CategoryStore, "persist.WriteAtomic")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.WrapKind(types.KindPersistFailed, "persist.WriteAtomic", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.WrapKind(types.KindPersistFailed, "persist.WriteAtomic", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return types.WrapKind(types.KindPersistFailed, "persist.WriteAtomic", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return types.WrapKind(types.KindPersistFailed, "persist.WriteAtomic", err)
	}
	logging.StoreDebug("snapshot written: %s (%d bytes)", path, len(data))
	return nil
}

// Load reads path into v. Files larger than maxSize bytes (when maxSize > 0)
// or files that fail to parse are quarantined and reported as PERSIST_FAILED.
// A missing file returns os.ErrNotExist.
func Load(path string, v interface{}, maxSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if maxSize > 0 && info.Size() > maxSize {
		logging.Get(logging.CategoryStore).Warn("snapshot %s oversize (%d bytes > %d), quarantining", path, info.Size(), maxSize)
		Quarantine(path)
		return types.NewKindError(types.KindPersistFailed, "persist.Load").
			WithContext("reason", "oversize").
			WithContext("size", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.WrapKind(types.KindPersistFailed, "persist.Load", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		logging.Get(logging.CategoryStore).Warn("snapshot %s corrupted, quarantining: %v", path, err)
		Quarantine(path)
		return types.WrapKind(types.KindPersistFailed, "persist.Load", err)
	}
	return nil
}

// Quarantine moves path into a .corrupted/ sibling directory with a timestamp
// suffix. Best effort: failures are logged, not returned.
func Quarantine(path string) {
	dir := filepath.Join(filepath.Dir(path), CorruptedDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("quarantine mkdir failed: %v", err)
		return
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixMilli()))
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryStore).Error("quarantine move failed for %s: %v", path, err)
		return
	}
	logging.Store("quarantined corrupted snapshot: %s -> %s", path, dest)
}

// CleanStale removes timestamped snapshot files in dir that share prefix but
// are not the current file, keeping the newest `keep` of them. Used on boot to
// clear leftovers from crashed writers.
func CleanStale(dir, prefix, current string, keep int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var stale []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == current {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale) // timestamped names sort oldest first
	removed := 0
	for i, name := range stale {
		if len(stale)-i <= keep {
			break
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logging.Store("cleaned %d stale snapshots in %s", removed, dir)
	}
	return removed
}

// NewestValid walks candidate snapshot paths newest-first and loads the first
// one that parses, quarantining the rest. Returns os.ErrNotExist when none
// load.
func NewestValid(paths []string, v interface{}, maxSize int64) (string, error) {
	for _, p := range paths {
		err := Load(p, v, maxSize)
		if err == nil {
			return p, nil
		}
		if os.IsNotExist(err) {
			continue
		}
		// Load already quarantined it; try the next candidate.
	}
	return "", os.ErrNotExist
}
