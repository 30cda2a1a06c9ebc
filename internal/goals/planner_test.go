package goals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/types"
)

func memPlanner(maxActive int) *Planner {
	cfg := DefaultConfig()
	cfg.MaxActive = maxActive
	cfg.StateDir = ""
	cfg.PlanningInterval = 0
	return New(cfg, nil)
}

func goal(title string, priority float64) types.Goal {
	return types.Goal{Title: title, Priority: priority, Type: types.GoalOperational, Category: "maintenance"}
}

func TestCreateGoal_ActivatesWhenRoom(t *testing.T) {
	p := memPlanner(2)
	g, err := p.CreateGoal(goal("tidy indices", 50))
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, g.Status)
	assert.NotEmpty(t, g.ID)
	assert.NotNil(t, g.StartedAt)
}

func TestCapEnforcement_DefersLowestActive(t *testing.T) {
	p := memPlanner(2)

	g1, err := p.CreateGoal(goal("goal one", 80))
	require.NoError(t, err)
	g2, err := p.CreateGoal(goal("goal two", 70))
	require.NoError(t, err)

	g3, err := p.CreateGoal(goal("goal three", 90))
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, g3.Status)

	active := p.Active()
	require.Len(t, active, 2)
	ids := []string{active[0].ID, active[1].ID}
	assert.ElementsMatch(t, []string{g1.ID, g3.ID}, ids)

	deferred, _ := p.Get(g2.ID)
	assert.Equal(t, types.GoalDeferred, deferred.Status)
}

func TestCapEnforcement_RejectsWhenNothingOutranked(t *testing.T) {
	p := memPlanner(1)
	_, err := p.CreateGoal(goal("critical work", 95))
	require.NoError(t, err)

	_, err = p.CreateGoal(goal("minor chore", 10))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindResourceExhausted))
	assert.Len(t, p.Active(), 1)
}

func TestActiveNeverExceedsCap(t *testing.T) {
	p := memPlanner(3)
	for i := 0; i < 10; i++ {
		_, _ = p.CreateGoal(goal(titleN(i), float64(10+i*10)))
	}
	assert.LessOrEqual(t, len(p.Active()), 3)
}

func titleN(i int) string {
	return []string{
		"alpha work item", "beta work item", "gamma work item", "delta work item",
		"epsilon work item", "zeta work item", "eta work item", "theta work item",
		"iota work item", "kappa work item",
	}[i]
}

func TestDependencies_KeepPendingUntilSatisfied(t *testing.T) {
	p := memPlanner(5)
	dep, err := p.CreateGoal(goal("prepare dataset", 50))
	require.NoError(t, err)

	g := goal("train on dataset", 60)
	g.Dependencies = []string{dep.ID}
	created, err := p.CreateGoal(g)
	require.NoError(t, err)
	assert.Equal(t, types.GoalPending, created.Status)

	require.NoError(t, p.Complete(dep.ID))
	got, _ := p.Get(created.ID)
	assert.Equal(t, types.GoalActive, got.Status)
}

func TestUpdateProgress_CompletesAtHundred(t *testing.T) {
	p := memPlanner(5)
	g, err := p.CreateGoal(goal("ship feature", 50))
	require.NoError(t, err)

	require.NoError(t, p.UpdateProgress(g.ID, 40))
	got, _ := p.Get(g.ID)
	assert.Equal(t, types.GoalActive, got.Status)
	assert.Equal(t, 40.0, got.Metrics.Progress)

	require.NoError(t, p.UpdateProgress(g.ID, 100))
	got, _ = p.Get(g.ID)
	assert.Equal(t, types.GoalCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, p.Active())
}

func TestUpdateProgress_CompletesNonActiveAtHundred(t *testing.T) {
	p := memPlanner(5)
	dep, err := p.CreateGoal(goal("prepare corpus", 50))
	require.NoError(t, err)

	g := goal("summarize corpus", 60)
	g.Dependencies = []string{dep.ID}
	created, err := p.CreateGoal(g)
	require.NoError(t, err)
	require.Equal(t, types.GoalPending, created.Status)

	require.NoError(t, p.UpdateProgress(created.ID, 100))
	got, _ := p.Get(created.ID)
	assert.Equal(t, types.GoalCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestDedup_RejectsOverlappingAutonomousTitle(t *testing.T) {
	p := memPlanner(5)
	first := goal("optimize memory tier cleanup routine", 50)
	first.Metrics.Target = 1
	first.Description = "detailed rationale for the cleanup routine work"
	_, err := p.ProposeGoal(first)
	require.NoError(t, err)

	second := goal("optimize memory tier cleanup pass", 60)
	_, err = p.ProposeGoal(second)
	require.Error(t, err)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.NotEmpty(t, dup.ExistingGoalID)

	// External creation bypasses dedup.
	_, err = p.CreateGoal(second)
	assert.NoError(t, err)
}

func TestDedup_OverlapThresholdConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActive = 5
	cfg.StateDir = ""
	cfg.PlanningInterval = 0
	cfg.DedupeOverlap = 0.9
	p := New(cfg, nil)

	first := goal("optimize memory tier cleanup routine", 50)
	first.Metrics.Target = 1
	first.Description = "detailed rationale for the cleanup routine work"
	_, err := p.ProposeGoal(first)
	require.NoError(t, err)

	// Shares 4 of 5 significant tokens, which clears the default cut of 0.5
	// but stays under the raised threshold.
	second := goal("optimize memory tier cleanup pass", 60)
	second.Metrics.Target = 1
	second.Description = "detailed rationale for a second cleanup pass"
	_, err = p.ProposeGoal(second)
	assert.NoError(t, err)
}

func TestRealityCheck_KillsUngroundedProposal(t *testing.T) {
	p := memPlanner(5)
	_, err := p.ProposeGoal(types.Goal{
		Title:    "Do stuff",
		Type:     types.GoalOperational,
		Priority: 30,
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNemesisRejected))
	assert.Empty(t, p.ByStatus(types.GoalActive))
	assert.Empty(t, p.ByStatus(types.GoalPending))
}

func TestRealityCheck_AdmitsGroundedProposal(t *testing.T) {
	p := memPlanner(5)
	due := time.Now().Add(7 * 24 * time.Hour)
	g, err := p.ProposeGoal(types.Goal{
		Title:       "Raise recall precision for memory queries",
		Description: "Precision fell below target; tune warm-tier similarity cutoff.",
		Type:        types.GoalStrategic,
		Category:    "learning",
		Priority:    80,
		Metrics:     types.GoalMetrics{Target: 0.9},
		DueDate:     &due,
		Metadata:    map[string]interface{}{"confidence": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, types.GoalActive, g.Status)
	_, warned := g.Metadata["nemesisWarning"]
	assert.False(t, warned)
}

func TestRealityCheck_QuarantineTagsWarning(t *testing.T) {
	p := memPlanner(5)
	// Target only: friction 0.4, modest charge and mass put the aggregate in
	// the 0.5..0.7 band.
	g, err := p.ProposeGoal(types.Goal{
		Title:       "Tune crawler batch sizing heuristics",
		Description: "Batch sizing drifts under load; adjust and re-measure throughput.",
		Type:        types.GoalStrategic,
		Category:    "performance",
		Priority:    70,
		Metrics:     types.GoalMetrics{Target: 2},
		Metadata:    map[string]interface{}{"confidence": 0.6},
	})
	require.NoError(t, err)
	assert.Equal(t, true, g.Metadata["nemesisWarning"])
}

func TestPriority_FormulaOrdering(t *testing.T) {
	p := memPlanner(5)
	soon := time.Now().Add(12 * time.Hour)

	urgent := types.Goal{Title: "urgent strategic work", Type: types.GoalStrategic, Category: "reliability", DueDate: &soon}
	casual := types.Goal{Title: "casual operational work", Type: types.GoalOperational, Category: "exploration",
		Dependencies: []string{"x", "y"}, Prerequisites: []string{"z"}}

	a, err := p.CreateGoal(urgent)
	require.NoError(t, err)
	b, err := p.CreateGoal(casual)
	require.NoError(t, err)
	assert.Greater(t, a.Priority, b.Priority)
	assert.LessOrEqual(t, a.Priority, 100.0)
}

func TestPlanningCycle_FlagsStalled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActive = 5
	cfg.StalledThresholdDays = 3
	p := New(cfg, nil)

	g, err := p.CreateGoal(goal("long running effort", 50))
	require.NoError(t, err)

	// Rewind the start time so the goal looks a week old with 2% progress.
	p.mu.Lock()
	started := time.Now().Add(-7 * 24 * time.Hour)
	p.goals[g.ID].StartedAt = &started
	p.goals[g.ID].Metrics.Progress = 2
	p.mu.Unlock()

	p.RunPlanningCycle()
	assert.Contains(t, p.Stalled(), g.ID)

	// Progress clears the flag.
	require.NoError(t, p.UpdateProgress(g.ID, 50))
	assert.NotContains(t, p.Stalled(), g.ID)
}

func TestCancel_DefersAndPromotesPending(t *testing.T) {
	p := memPlanner(1)
	a, err := p.CreateGoal(goal("first priority effort", 80))
	require.NoError(t, err)

	b := goal("second queued effort", 40)
	created, err := p.CreateGoal(b)
	require.Error(t, err) // rejected: cap full, lower priority
	_ = created

	require.NoError(t, p.Cancel(a.ID))
	assert.Empty(t, p.Active())
}

func TestArchive_BoundedLIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActive = 50
	cfg.ArchiveCap = 3
	p := New(cfg, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		g, err := p.CreateGoal(goal(titleN(i), 50))
		require.NoError(t, err)
		require.NoError(t, p.Complete(g.ID))
		ids = append(ids, g.ID)
	}

	p.mu.Lock()
	archived := append([]string(nil), p.archive...)
	p.mu.Unlock()
	require.Len(t, archived, 3)
	// Newest first.
	assert.Equal(t, ids[4], archived[0])

	// Evicted terminal goals leave the map entirely.
	_, ok := p.Get(ids[0])
	assert.False(t, ok)
}

func TestPersistence_RoundTripAndCapReassertion(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MaxActive = 5
	cfg.StateDir = dir
	cfg.AutosaveInterval = 0
	cfg.PlanningInterval = 0

	p := New(cfg, nil)
	a, err := p.CreateGoal(goal("persisted effort one", 80))
	require.NoError(t, err)
	_, err = p.CreateGoal(goal("persisted effort two", 60))
	require.NoError(t, err)
	require.NoError(t, p.Save())

	// Reload with a tighter cap: only the highest-priority goal stays active.
	cfg.MaxActive = 1
	p2 := New(cfg, nil)
	active := p2.Active()
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Len(t, p2.ByStatus(types.GoalDeferred), 1)
}

func TestMediate_Matrix(t *testing.T) {
	assert.Equal(t, ApproveProgressive, Mediate(0.2, 0.9))
	assert.Equal(t, ApproveConservative, Mediate(0.9, 0.2))
	assert.Equal(t, Compromise, Mediate(0.6, 0.6))
	assert.Equal(t, Monitor, Mediate(0.3, 0.3))
}
