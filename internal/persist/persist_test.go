package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/types"
)

type snap struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteAtomic_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snap.json")
	require.NoError(t, WriteAtomic(path, snap{Name: "x", Count: 3}))

	var got snap
	require.NoError(t, Load(path, &got, 0))
	assert.Equal(t, snap{Name: "x", Count: 3}, got)

	// No temp file left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_MissingFile(t *testing.T) {
	var got snap
	err := Load(filepath.Join(t.TempDir(), "absent.json"), &got, 0)
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_CorruptQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var got snap
	err := Load(path, &got, 0)
	assert.True(t, types.IsKind(err, types.KindPersistFailed))

	// Original gone, moved under .corrupted/.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	entries, err2 := os.ReadDir(filepath.Join(dir, CorruptedDirName))
	require.NoError(t, err2)
	assert.Len(t, entries, 1)
}

func TestLoad_OversizeQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0644))

	var got snap
	err := Load(path, &got, 1024)
	assert.True(t, types.IsKind(err, types.KindPersistFailed))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanStale_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"goals_1.json", "goals_2.json", "goals_3.json", "goals.json", "other.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}

	removed := CleanStale(dir, "goals_", "goals.json", 1)
	assert.Equal(t, 2, removed)

	_, err := os.Stat(filepath.Join(dir, "goals_3.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "goals.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "other.json"))
	assert.NoError(t, err)
}

func TestNewestValid_SkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "new.json")
	good := filepath.Join(dir, "old.json")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0644))
	require.NoError(t, WriteAtomic(good, snap{Name: "ok"}))

	var got snap
	picked, err := NewestValid([]string{bad, good}, &got, 0)
	require.NoError(t, err)
	assert.Equal(t, good, picked)
	assert.Equal(t, "ok", got.Name)

	_, err = NewestValid([]string{filepath.Join(dir, "none.json")}, &got, 0)
	assert.True(t, os.IsNotExist(err))
}
