package outcome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/persist"
	"arbiterd/internal/types"
)

func memStore(cap int) *Store {
	cfg := DefaultConfig()
	cfg.Capacity = cap
	cfg.StateDir = ""
	return New(cfg)
}

func rec(agent, action string, success bool, reward float64) types.Outcome {
	return types.Outcome{
		Agent: agent, Action: action, Context: "c", Result: "r",
		Success: success, Reward: reward,
	}
}

func TestRecord_AssignsIDAndTimestamp(t *testing.T) {
	s := memStore(10)
	id := s.Record(rec("crawler", "fetch", true, 1))
	require.NotEmpty(t, id)

	o, ok := s.Get(id)
	require.True(t, ok)
	assert.False(t, o.Timestamp.IsZero())
}

func TestFind_CombinedFilters(t *testing.T) {
	s := memStore(100)
	s.Record(rec("crawler", "fetch", true, 1))
	s.Record(rec("crawler", "fetch", false, -1))
	s.Record(rec("crawler", "parse", true, 0.5))
	s.Record(rec("indexer", "fetch", true, 2))

	yes := true
	got := s.Find(Query{Agent: "crawler", Success: &yes})
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, "crawler", o.Agent)
		assert.True(t, o.Success)
	}

	min := 0.0
	got = s.Find(Query{Action: "fetch", MinReward: &min})
	require.Len(t, got, 2)
}

func TestFind_TimeRangeAndOrder(t *testing.T) {
	s := memStore(100)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record(types.Outcome{
			Agent: "a", Action: "act", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	got := s.Find(Query{After: base.Add(90 * time.Second), Before: base.Add(4 * time.Minute)})
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestFind_LimitAndUnknownIndex(t *testing.T) {
	s := memStore(100)
	for i := 0; i < 10; i++ {
		s.Record(rec("a", "act", true, 1))
	}
	assert.Len(t, s.Find(Query{Agent: "a", Limit: 3}), 3)
	assert.Empty(t, s.Find(Query{Agent: "ghost"}))
	assert.Empty(t, s.Find(Query{Action: "ghost"}))
}

func TestEviction_DropsOldestAndCleansIndices(t *testing.T) {
	s := memStore(3)
	first := s.Record(rec("old", "act", true, 1))
	s.Record(rec("a", "act", true, 1))
	s.Record(rec("b", "act", true, 1))
	s.Record(rec("c", "act", true, 1))

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(first)
	assert.False(t, ok)
	assert.Empty(t, s.Find(Query{Agent: "old"}))
}

func TestSuccessRate(t *testing.T) {
	s := memStore(10)
	s.Record(rec("a", "act", true, 1))
	s.Record(rec("a", "act", true, 1))
	s.Record(rec("a", "act", false, -1))

	assert.InDelta(t, 2.0/3.0, s.SuccessRate("a"), 1e-9)
	assert.Zero(t, s.SuccessRate("ghost"))
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, s.Record(rec(fmt.Sprintf("agent-%d", i), "act", true, float64(i))))
	}
	require.NoError(t, s.Close())

	s2 := New(cfg)
	require.Equal(t, 3, s2.Len())
	for _, id := range ids {
		_, ok := s2.Get(id)
		assert.True(t, ok)
	}
	if diff := cmp.Diff(s.All(), s2.All()); diff != "" {
		t.Errorf("reloaded outcomes differ (-before +after):\n%s", diff)
	}
	assert.Equal(t, s.Statistics(), s2.Statistics())
	// Indices were rebuilt on load.
	assert.Len(t, s2.Find(Query{Agent: "agent-1"}), 1)
}

func TestStatistics_TrackLifetimePastEviction(t *testing.T) {
	s := memStore(2)
	s.Record(rec("a", "act", true, 1))
	s.Record(rec("a", "act", false, 0))
	s.Record(rec("a", "act", true, 0.5))

	st := s.Statistics()
	assert.Equal(t, 3, st.TotalRecorded)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.InDelta(t, 0.5, st.AvgReward, 1e-9)
	assert.Equal(t, 2, s.Len())
}

func TestSnapshot_CarriesStats(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	s.Record(rec("a", "act", true, 1))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(filepath.Join(dir, snapshotName))
	require.NoError(t, err)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Contains(t, snap, "stats")
	assert.Contains(t, snap, "outcomes")
	assert.Contains(t, snap, "persistedAt")
}

func TestPersistence_CorruptedGoesToQuarantine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotName), []byte("not json"), 0644))

	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	assert.Equal(t, 0, s.Len())

	entries, err := os.ReadDir(filepath.Join(dir, persist.CorruptedDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
