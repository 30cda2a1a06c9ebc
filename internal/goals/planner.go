// Package goals implements the goal planner arbiter: prioritized goal
// intake over the bus, autonomous proposal gating, cap enforcement with
// deferral, periodic replanning, and snapshot persistence.
package goals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiterd/internal/bus"
	"arbiterd/internal/logging"
	"arbiterd/internal/persist"
	"arbiterd/internal/types"
)

const (
	snapshotName    = "goals.json"
	snapshotVersion = 1

	retainNonActive = 7 * 24 * time.Hour  // snapshot horizon for non-active goals
	pruneTerminal   = 30 * 24 * time.Hour // load-time horizon for terminal goals
)

// Weights are the priority formula blend. They must sum to 1.
type Weights struct {
	Impact       float64 `yaml:"impact"`
	Urgency      float64 `yaml:"urgency"`
	Feasibility  float64 `yaml:"feasibility"`
	ResourceCost float64 `yaml:"resourceCost"`
}

// Config tunes the planner.
type Config struct {
	MaxActive            int
	Weights              Weights
	PlanningInterval     time.Duration
	StalledThresholdDays float64
	ArchiveCap           int
	DedupeOverlap        float64 // shared-token fraction that rejects an autonomous proposal
	StateDir             string
	AutosaveInterval     time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:            10,
		Weights:              Weights{Impact: 0.35, Urgency: 0.25, Feasibility: 0.25, ResourceCost: 0.15},
		PlanningInterval:     4 * time.Hour,
		StalledThresholdDays: 3,
		ArchiveCap:           200,
		DedupeOverlap:        0.5,
		AutosaveInterval:     time.Minute,
	}
}

// Stats counts planner activity across the process lifetime.
type Stats struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Rejected  int `json:"rejected"`
	Stalled   int `json:"stalled"`
}

type snapshot struct {
	Version        int                   `json:"version"`
	SavedAt        time.Time             `json:"savedAt"`
	Goals          map[string]types.Goal `json:"goals"`
	ActiveGoals    []string              `json:"activeGoals"`
	CompletedGoals []string              `json:"completedGoals"`
	FailedGoals    []string              `json:"failedGoals"`
	Stats          Stats                 `json:"stats"`
}

// Planner owns the goal maps. Single-writer: every mutation funnels through
// the planner's own lock, whether it arrives via the bus or a direct call.
type Planner struct {
	cfg Config
	bus *bus.Bus

	mu       sync.Mutex
	goals    map[string]*types.Goal
	active   []string // goal ids, invariant: len <= cfg.MaxActive
	archive  []string // terminal goal ids, LIFO, capped
	stats    Stats
	stalled  map[string]bool
	lastPlan time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds a planner and restores goals.json when present.
func New(cfg Config, b *bus.Bus) *Planner {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultConfig().MaxActive
	}
	if cfg.ArchiveCap <= 0 {
		cfg.ArchiveCap = DefaultConfig().ArchiveCap
	}
	if cfg.DedupeOverlap <= 0 {
		cfg.DedupeOverlap = DefaultConfig().DedupeOverlap
	}
	p := &Planner{
		cfg:     cfg,
		bus:     b,
		goals:   make(map[string]*types.Goal),
		stalled: make(map[string]bool),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cfg.StateDir != "" {
		p.load()
	}
	return p
}

// Start launches the planning and autosave loops.
func (p *Planner) Start() {
	if p.cfg.PlanningInterval > 0 {
		p.wg.Add(1)
		go p.planLoop()
	}
	if p.cfg.StateDir != "" && p.cfg.AutosaveInterval > 0 {
		p.wg.Add(1)
		go p.autosaveLoop()
	}
}

// Stop halts loops and writes a final snapshot.
func (p *Planner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.cfg.StateDir != "" {
		if err := p.Save(); err != nil {
			logging.Get(logging.CategoryGoals).Error("final save failed: %v", err)
		}
	}
}

// CreateGoal admits an externally requested goal: no reality-check gate, but
// dedup and cap enforcement still apply.
func (p *Planner) CreateGoal(g types.Goal) (types.Goal, error) {
	return p.admit(g, false)
}

// ProposeGoal admits an autonomous proposal: reality-check gate first, then
// dedup and cap enforcement.
func (p *Planner) ProposeGoal(g types.Goal) (types.Goal, error) {
	return p.admit(g, true)
}

func (p *Planner) admit(g types.Goal, autonomous bool) (types.Goal, error) {
	if g.Title == "" {
		return types.Goal{}, fmt.Errorf("goal title required")
	}
	if !types.ValidGoalType(g.Type) {
		g.Type = types.GoalOperational
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = p.now()
	}
	g.Status = types.GoalPending

	p.mu.Lock()
	defer p.mu.Unlock()

	if autonomous {
		if existing := p.duplicateOfLocked(g); existing != "" {
			p.stats.Rejected++
			return types.Goal{}, &DuplicateError{ExistingGoalID: existing, Title: g.Title}
		}
	}
	if g.Priority == 0 {
		g.Priority = p.scoreLocked(&g)
	}
	if autonomous {
		verdict := evaluateProposal(&g)
		if verdict.Decision == DecisionKill || verdict.Decision == DecisionMutate {
			p.stats.Rejected++
			return types.Goal{}, types.NewKindError(types.KindNemesisRejected, "goals.Propose").
				WithContext("title", g.Title).
				WithContext("score", verdict.Score).
				WithContext("decision", string(verdict.Decision))
		}
		if verdict.Decision == DecisionQuarantine {
			if g.Metadata == nil {
				g.Metadata = make(map[string]interface{})
			}
			g.Metadata["nemesisWarning"] = true
			g.Metadata["nemesisScore"] = verdict.Score
		}
	}

	p.goals[g.ID] = &g
	p.stats.Created++
	if err := p.tryActivateLocked(&g); err != nil {
		delete(p.goals, g.ID)
		p.stats.Created--
		p.stats.Rejected++
		return types.Goal{}, err
	}

	logging.Goals("goal %s admitted: %q (priority=%.1f, status=%s)", g.ID, g.Title, g.Priority, g.Status)
	p.announce(types.MsgGoalCreated, g)
	return g, nil
}

// DuplicateError identifies the already-admitted goal a proposal collides
// with.
type DuplicateError struct {
	ExistingGoalID string
	Title          string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("goal %q duplicates active goal %s", e.Title, e.ExistingGoalID)
}

// duplicateOfLocked returns the id of an active-or-pending goal in the same
// category sharing more than the configured fraction of significant title
// tokens.
func (p *Planner) duplicateOfLocked(g types.Goal) string {
	candidate := tokens(g.Title)
	if len(candidate) == 0 {
		return ""
	}
	for id, existing := range p.goals {
		if existing.Category != g.Category {
			continue
		}
		if existing.Status != types.GoalActive && existing.Status != types.GoalPending {
			continue
		}
		shared := 0
		have := tokens(existing.Title)
		for tok := range candidate {
			if have[tok] {
				shared++
			}
		}
		if float64(shared)/float64(len(candidate)) > p.cfg.DedupeOverlap {
			return id
		}
	}
	return ""
}

// tokens splits a title into significant lowercase tokens (length > 3).
func tokens(title string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(title)) {
		tok = strings.Trim(tok, ".,:;!?\"'()")
		if len(tok) > 3 {
			out[tok] = true
		}
	}
	return out
}

// DuplicateCheck exposes dedup for message handlers that must report the
// existing goal id.
func (p *Planner) DuplicateCheck(g types.Goal) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.duplicateOfLocked(g)
	return id, id != ""
}

// tryActivateLocked moves a pending goal to active when its dependencies are
// satisfied, shedding lower-priority goals under cap pressure. A full list
// with no lower-priority victim rejects the goal.
func (p *Planner) tryActivateLocked(g *types.Goal) error {
	if !p.depsSatisfiedLocked(g) {
		return nil // stays pending
	}
	if len(p.active) < p.cfg.MaxActive {
		p.activateLocked(g)
		return nil
	}

	// Cap pressure: shed the lowest-priority pending contender first, then
	// the lowest-priority active goal, but never one outranking the newcomer.
	if victim := p.lowestLocked(types.GoalPending, g.ID); victim != nil && victim.Priority < g.Priority {
		p.deferLocked(victim)
	}
	if len(p.active) < p.cfg.MaxActive {
		p.activateLocked(g)
		return nil
	}
	if victim := p.lowestLocked(types.GoalActive, g.ID); victim != nil && victim.Priority < g.Priority {
		p.deferLocked(victim)
		p.activateLocked(g)
		return nil
	}
	return types.NewKindError(types.KindResourceExhausted, "goals.admit").
		WithContext("maxActive", p.cfg.MaxActive).
		WithContext("title", g.Title)
}

func (p *Planner) activateLocked(g *types.Goal) {
	g.Status = types.GoalActive
	t := p.now()
	g.StartedAt = &t
	p.active = append(p.active, g.ID)
}

func (p *Planner) deferLocked(g *types.Goal) {
	if g.Status == types.GoalActive {
		p.removeActiveLocked(g.ID)
	}
	g.Status = types.GoalDeferred
	p.stats.Deferred++
	logging.GoalsDebug("goal %s deferred: %q (priority=%.1f)", g.ID, g.Title, g.Priority)
}

func (p *Planner) removeActiveLocked(id string) {
	for i, a := range p.active {
		if a == id {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

func (p *Planner) depsSatisfiedLocked(g *types.Goal) bool {
	for _, dep := range g.Dependencies {
		d, ok := p.goals[dep]
		if ok && d.Status != types.GoalCompleted {
			return false
		}
	}
	return len(g.Prerequisites) == 0
}

// UpdateProgress advances a goal's metrics; 100% completes it.
func (p *Planner) UpdateProgress(id string, progress float64) error {
	p.mu.Lock()
	g, ok := p.goals[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown goal %s", id)
	}
	if progress > 100 {
		progress = 100
	}
	g.Metrics.Progress = progress
	if g.Metrics.Target > 0 {
		g.Metrics.Current = g.Metrics.Target * progress / 100
	}
	delete(p.stalled, id)
	// Full progress completes the goal whatever non-terminal state it is in.
	done := progress >= 100 && !types.TerminalGoal(g.Status)
	p.mu.Unlock()

	if done {
		return p.Complete(id)
	}
	return nil
}

// Complete marks a goal completed and archives it.
func (p *Planner) Complete(id string) error {
	return p.finish(id, types.GoalCompleted)
}

// Fail marks a goal failed and archives it.
func (p *Planner) Fail(id string) error {
	return p.finish(id, types.GoalFailed)
}

func (p *Planner) finish(id string, status types.GoalStatus) error {
	p.mu.Lock()
	g, ok := p.goals[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown goal %s", id)
	}
	g.Status = status
	t := p.now()
	g.CompletedAt = &t
	p.removeActiveLocked(id)
	delete(p.stalled, id)
	p.archiveLocked(id)
	if status == types.GoalCompleted {
		p.stats.Completed++
	} else {
		p.stats.Failed++
	}
	snapshot := *g
	p.mu.Unlock()

	p.promotePending()
	if status == types.GoalCompleted {
		p.announce(types.MsgGoalCompleted, snapshot)
	} else {
		p.announce(types.MsgGoalFailed, snapshot)
	}
	logging.Goals("goal %s %s: %q", id, status, snapshot.Title)
	return nil
}

// Cancel defers a pending or active goal.
func (p *Planner) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.goals[id]
	if !ok {
		return fmt.Errorf("unknown goal %s", id)
	}
	if types.TerminalGoal(g.Status) {
		return fmt.Errorf("goal %s already %s", id, g.Status)
	}
	p.deferLocked(g)
	return nil
}

// promotePending fills freed slots with the highest-priority pending goals
// whose dependencies are satisfied.
func (p *Planner) promotePending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.active) < p.cfg.MaxActive {
		var best *types.Goal
		for _, g := range p.goals {
			if g.Status != types.GoalPending || !p.depsSatisfiedLocked(g) {
				continue
			}
			if best == nil || g.Priority > best.Priority {
				best = g
			}
		}
		if best == nil {
			return
		}
		p.activateLocked(best)
	}
}

// archiveLocked prepends to the bounded LIFO terminal archive.
func (p *Planner) archiveLocked(id string) {
	p.archive = append([]string{id}, p.archive...)
	if len(p.archive) > p.cfg.ArchiveCap {
		drop := p.archive[p.cfg.ArchiveCap:]
		p.archive = p.archive[:p.cfg.ArchiveCap]
		for _, old := range drop {
			if g, ok := p.goals[old]; ok && types.TerminalGoal(g.Status) {
				delete(p.goals, old)
			}
		}
	}
}

// lowestLocked returns the lowest-priority goal with the given status,
// skipping the excluded id.
func (p *Planner) lowestLocked(status types.GoalStatus, exclude string) *types.Goal {
	var lowest *types.Goal
	for id, g := range p.goals {
		if id == exclude || g.Status != status {
			continue
		}
		if lowest == nil || g.Priority < lowest.Priority {
			lowest = g
		}
	}
	return lowest
}

// Get returns a copy of one goal.
func (p *Planner) Get(id string) (types.Goal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.goals[id]
	if !ok {
		return types.Goal{}, false
	}
	return *g, true
}

// Active returns copies of the active goals.
func (p *Planner) Active() []types.Goal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Goal, 0, len(p.active))
	for _, id := range p.active {
		if g, ok := p.goals[id]; ok {
			out = append(out, *g)
		}
	}
	return out
}

// ByStatus returns copies of goals with the given status.
func (p *Planner) ByStatus(status types.GoalStatus) []types.Goal {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Goal
	for _, g := range p.goals {
		if g.Status == status {
			out = append(out, *g)
		}
	}
	return out
}

// Statistics returns a copy of the counters.
func (p *Planner) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Stalled returns the ids currently flagged as stalled.
func (p *Planner) Stalled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.stalled))
	for id := range p.stalled {
		out = append(out, id)
	}
	return out
}

// announce broadcasts a goal lifecycle event; best effort.
func (p *Planner) announce(msgType string, g types.Goal) {
	if p.bus == nil {
		return
	}
	_, err := p.bus.Send(context.Background(), types.Message{
		From: types.SystemSender, To: types.Broadcast, Type: msgType, Payload: g,
	})
	if err != nil {
		logging.GoalsDebug("announce %s failed: %v", msgType, err)
	}
}

// =============================================================================
// PRIORITY
// =============================================================================

// scoreLocked computes 100 * the weighted blend of impact, urgency,
// feasibility and resource cost.
func (p *Planner) scoreLocked(g *types.Goal) float64 {
	w := p.cfg.Weights
	return 100 * (w.Impact*impact(g) +
		w.Urgency*p.urgency(g) +
		w.Feasibility*feasibility(g) +
		w.ResourceCost*resourceCost(g))
}

var categoryImpact = map[string]float64{
	"reliability": 0.9,
	"performance": 0.8,
	"learning":    0.7,
	"maintenance": 0.5,
	"exploration": 0.4,
}

func impact(g *types.Goal) float64 {
	typeScore := 0.5
	switch g.Type {
	case types.GoalStrategic:
		typeScore = 1.0
	case types.GoalTactical:
		typeScore = 0.7
	}
	catScore, ok := categoryImpact[g.Category]
	if !ok {
		catScore = 0.5
	}
	return 0.7*typeScore + 0.3*catScore
}

func (p *Planner) urgency(g *types.Goal) float64 {
	if g.DueDate == nil {
		return 0.3
	}
	days := g.DueDate.Sub(p.now()).Hours() / 24
	switch {
	case days < 1:
		return 1.0
	case days < 3:
		return 0.9
	case days < 7:
		return 0.7
	case days < 30:
		return 0.5
	default:
		return 0.3
	}
}

func feasibility(g *types.Goal) float64 {
	f := 1 - (0.1*float64(len(g.Dependencies)) + 0.15*float64(len(g.Prerequisites)))
	if f < 0.3 {
		f = 0.3
	}
	return f
}

func resourceCost(g *types.Goal) float64 {
	return 1 / (1 + float64(len(g.AssignedTo)))
}

// =============================================================================
// PLANNING LOOP
// =============================================================================

func (p *Planner) planLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PlanningInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunPlanningCycle()
		}
	}
}

// RunPlanningCycle recomputes priorities (applying only shifts larger than 5)
// and flags stalled active goals. Escalation is left to observers of the
// stalled set.
func (p *Planner) RunPlanningCycle() {
	timer := logging.StartTimer(logging.CategoryGoals, "planning cycle")
	defer timer.Stop()

	p.mu.Lock()
	now := p.now()
	for id, g := range p.goals {
		if types.TerminalGoal(g.Status) {
			continue
		}
		fresh := p.scoreLocked(g)
		if delta := fresh - g.Priority; delta > 5 || delta < -5 {
			logging.GoalsDebug("goal %s priority %.1f -> %.1f", id, g.Priority, fresh)
			g.Priority = fresh
		}
		if g.Status == types.GoalActive && g.StartedAt != nil {
			daysActive := now.Sub(*g.StartedAt).Hours() / 24
			if daysActive > p.cfg.StalledThresholdDays && g.Metrics.Progress/daysActive < 1.0 {
				if !p.stalled[id] {
					p.stalled[id] = true
					p.stats.Stalled++
					logging.Get(logging.CategoryGoals).Warn("goal %s stalled: %q (%.1f%% over %.1f days)",
						id, g.Title, g.Metrics.Progress, daysActive)
				}
			}
		}
	}
	p.lastPlan = now
	p.mu.Unlock()

	p.promotePending()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save snapshots active goals plus non-active goals younger than 7 days.
func (p *Planner) Save() error {
	p.mu.Lock()
	now := p.now()
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: now,
		Goals:   make(map[string]types.Goal),
		Stats:   p.stats,
	}
	for id, g := range p.goals {
		if g.Status != types.GoalActive && now.Sub(g.CreatedAt) > retainNonActive {
			continue
		}
		snap.Goals[id] = *g
		switch g.Status {
		case types.GoalActive:
			snap.ActiveGoals = append(snap.ActiveGoals, id)
		case types.GoalCompleted:
			snap.CompletedGoals = append(snap.CompletedGoals, id)
		case types.GoalFailed:
			snap.FailedGoals = append(snap.FailedGoals, id)
		}
	}
	p.mu.Unlock()
	return persist.WriteAtomic(filepath.Join(p.cfg.StateDir, snapshotName), snap)
}

// load restores goals.json, pruning stale terminal goals and re-enforcing the
// active cap (highest priority wins, the rest defer).
func (p *Planner) load() {
	var snap snapshot
	path := filepath.Join(p.cfg.StateDir, snapshotName)
	if err := persist.Load(path, &snap, 0); err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryGoals).Warn("goals snapshot load failed, starting fresh: %v", err)
		}
		return
	}

	now := p.now()
	p.mu.Lock()
	p.stats = snap.Stats
	for id, g := range snap.Goals {
		if types.TerminalGoal(g.Status) && now.Sub(g.CreatedAt) > pruneTerminal {
			continue
		}
		goal := g
		p.goals[id] = &goal
		if types.TerminalGoal(g.Status) {
			p.archive = append(p.archive, id)
		}
	}
	// Rebuild the active list, highest priority first, deferring overflow.
	var actives []*types.Goal
	for _, id := range snap.ActiveGoals {
		if g, ok := p.goals[id]; ok && g.Status == types.GoalActive {
			actives = append(actives, g)
		}
	}
	for i := 0; i < len(actives); i++ {
		for j := i + 1; j < len(actives); j++ {
			if actives[j].Priority > actives[i].Priority {
				actives[i], actives[j] = actives[j], actives[i]
			}
		}
	}
	for i, g := range actives {
		if i < p.cfg.MaxActive {
			p.active = append(p.active, g.ID)
		} else {
			g.Status = types.GoalDeferred
			p.stats.Deferred++
		}
	}
	p.mu.Unlock()

	logging.Goals("restored %d goals (%d active) from snapshot", len(p.goals), len(p.active))
}

func (p *Planner) autosaveLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Save(); err != nil {
				logging.Get(logging.CategoryGoals).Error("autosave failed: %v", err)
			}
		}
	}
}
