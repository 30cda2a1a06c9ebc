package experience

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/persist"
	"arbiterd/internal/types"
)

func exp(agent string, reward float64, ts time.Time) types.Experience {
	return types.Experience{
		State: "s", Action: "a", Agent: agent, Outcome: "o",
		Reward: reward, Timestamp: ts,
	}
}

func memStore(cap int) *Store {
	cfg := DefaultConfig()
	cfg.Capacity = cap
	cfg.StateDir = ""
	return New(cfg)
}

func TestAdd_ClampsRewardAndBoundsState(t *testing.T) {
	s := memStore(10)
	huge := make([]byte, maxStateBytes*2)
	s.Add(types.Experience{State: string(huge), Reward: 99})

	got := s.Sample(1, Uniform)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Experience.Reward)
	assert.Len(t, got[0].Experience.State, maxStateBytes)
	assert.Equal(t, types.ExperienceSuccess, got[0].Experience.Category)
}

func TestAdd_EvictsOldestTenPercent(t *testing.T) {
	s := memStore(100)
	for i := 0; i < 100; i++ {
		s.Add(exp(fmt.Sprintf("agent-%d", i), 1, time.Now()))
	}
	require.Equal(t, 100, s.Len())

	s.Add(exp("newest", 1, time.Now()))
	// ceil(0.1*100)=10 evicted, then one added.
	assert.Equal(t, 91, s.Len())

	// Index consistency: every sampled experience survives in the buffer.
	for _, smp := range s.Sample(20, Stratified) {
		assert.NotContains(t, []string{"agent-0", "agent-9"}, smp.Experience.Agent)
	}
}

func TestSample_UniformWeightsAreOne(t *testing.T) {
	s := memStore(10)
	for i := 0; i < 5; i++ {
		s.Add(exp("a", 0.5, time.Now()))
	}
	for _, smp := range s.Sample(8, Uniform) {
		assert.Equal(t, 1.0, smp.Weight)
	}
}

func TestSample_PrioritizedPrefersHighPriority(t *testing.T) {
	s := memStore(10)
	for i := 0; i < 4; i++ {
		s.Add(exp(fmt.Sprintf("agent-%d", i), 0, time.Now()))
	}
	// Make index 2 dominate.
	s.UpdatePriority(0, 0.01)
	s.UpdatePriority(1, 0.01)
	s.UpdatePriority(2, 100)
	s.UpdatePriority(3, 0.01)

	hits := 0
	for _, smp := range s.Sample(100, Prioritized) {
		if smp.Index == 2 {
			hits++
		}
		assert.LessOrEqual(t, smp.Weight, 1.0)
		assert.Greater(t, smp.Weight, 0.0)
	}
	assert.Greater(t, hits, 80)
}

func TestSample_PrioritizedWeightsNormalized(t *testing.T) {
	s := memStore(10)
	for i := 0; i < 6; i++ {
		s.Add(exp("a", 0, time.Now()))
		s.UpdatePriority(i, float64(i+1))
	}
	maxW := 0.0
	for _, smp := range s.Sample(50, Prioritized) {
		if smp.Weight > maxW {
			maxW = smp.Weight
		}
	}
	assert.InDelta(t, 1.0, maxW, 1e-9)
}

func TestSample_StratifiedCoversCategories(t *testing.T) {
	s := memStore(20)
	for i := 0; i < 8; i++ {
		s.Add(exp("winner", 1, time.Now()))
	}
	s.Add(exp("loser", -1, time.Now()))

	byCat := map[types.ExperienceCategory]int{}
	for _, smp := range s.Sample(10, Stratified) {
		byCat[smp.Experience.Category]++
	}
	assert.Equal(t, 5, byCat[types.ExperienceSuccess])
	assert.Equal(t, 5, byCat[types.ExperienceFailure])
}

func TestSample_TemporalFavorsRecent(t *testing.T) {
	s := memStore(10)
	old := time.Now().Add(-200 * time.Hour)
	s.Add(exp("ancient", 0, old))
	s.Add(exp("fresh", 0, time.Now()))

	fresh := 0
	for _, smp := range s.Sample(100, Temporal) {
		if smp.Experience.Agent == "fresh" {
			fresh++
		}
	}
	assert.Greater(t, fresh, 70)
}

func TestUpdatePriority_FloorsAtEpsilon(t *testing.T) {
	s := memStore(10)
	s.Add(exp("a", 0, time.Now()))
	s.UpdatePriority(0, 0)

	s.mu.Lock()
	p := s.priorities[0]
	s.mu.Unlock()
	assert.Equal(t, s.cfg.MinPriority, p)
}

func TestSink_ReceivesEveryAdd(t *testing.T) {
	s := memStore(10)
	var seen []types.Experience
	s.AddSink(func(e types.Experience) { seen = append(seen, e) })

	s.Add(exp("a", 1, time.Now()))
	s.Add(exp("b", -1, time.Now()))
	require.Len(t, seen, 2)
	assert.Equal(t, "b", seen[1].Agent)
}

func TestStats_RunningAverage(t *testing.T) {
	s := memStore(10)
	s.Add(exp("a", 2, time.Now()))
	s.Add(exp("b", -2, time.Now()))

	st := s.Statistics()
	assert.Equal(t, 2, st.TotalAdded)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.True(t, math.Abs(st.AvgReward) < 1e-9)
}

func TestPersistence_SaveThenLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Capacity = 50
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	for i := 0; i < 3; i++ {
		s.Add(exp(fmt.Sprintf("agent-%d", i), float64(i), time.Now().Truncate(time.Second)))
	}
	s.UpdatePriority(1, 5)
	require.NoError(t, s.Close())

	s2 := New(cfg)
	require.Equal(t, 3, s2.Len())
	s2.mu.Lock()
	assert.Equal(t, 5.0, s2.priorities[1])
	assert.Equal(t, "agent-2", s2.buf[2].Agent)
	s2.mu.Unlock()
	assert.Equal(t, 3, s2.Statistics().TotalAdded)
}

func TestPersistence_LoadTrimsToCapacity(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Capacity = 100
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	for i := 0; i < 20; i++ {
		s.Add(exp(fmt.Sprintf("agent-%d", i), 0, time.Now()))
	}
	require.NoError(t, s.Close())

	cfg.Capacity = 5
	s2 := New(cfg)
	assert.Equal(t, 5, s2.Len())
	// Trimming keeps the newest tail.
	got := s2.Sample(1, Temporal)
	require.Len(t, got, 1)
}

func TestPersistence_OversizeSnapshotQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, snapshotName)
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))

	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.MaxSnapshotBytes = 1024
	cfg.PersistInterval = 0

	s := New(cfg)
	assert.Equal(t, 0, s.Len())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Join(dir, persist.CorruptedDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersistence_CorruptSnapshotQuarantined(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotName), []byte("{nope"), 0644))

	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.PersistInterval = 0

	s := New(cfg)
	assert.Equal(t, 0, s.Len())
	entries, err := os.ReadDir(filepath.Join(dir, persist.CorruptedDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
