// Package outcome is the append-only record of agent actions and results,
// with agent/action set indices and a timestamp-ordered sequence for range
// queries and eviction.
package outcome

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiterd/internal/logging"
	"arbiterd/internal/persist"
	"arbiterd/internal/types"
)

const (
	snapshotName    = "outcomes_current.json"
	snapshotVersion = 1
)

// Config tunes capacity and persistence.
type Config struct {
	Capacity         int
	StateDir         string
	PersistInterval  time.Duration
	MaxSnapshotBytes int64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:         5000,
		PersistInterval:  30 * time.Second,
		MaxSnapshotBytes: 30 * 1024 * 1024,
	}
}

// Query combines optional filters. Nil fields are unconstrained.
type Query struct {
	Agent     string
	Action    string
	Success   *bool
	MinReward *float64
	MaxReward *float64
	After     time.Time
	Before    time.Time
	Limit     int
}

// Stats are running aggregates over everything ever recorded. Eviction does
// not roll them back.
type Stats struct {
	TotalRecorded int     `json:"totalRecorded"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	AvgReward     float64 `json:"avgReward"`
}

type snapshot struct {
	Stats       Stats           `json:"stats"`
	Outcomes    []types.Outcome `json:"outcomes"`
	PersistedAt time.Time       `json:"persistedAt"`
	Version     int             `json:"version"`
}

// Store holds outcomes with O(1) id lookup and indexed queries. Multi-writer;
// serialized on an internal lock.
type Store struct {
	cfg Config

	mu       sync.Mutex
	byID     map[string]types.Outcome
	byAgent  map[string]map[string]bool // agent -> id set
	byAction map[string]map[string]bool // action -> id set
	sequence []string                   // ids in timestamp (insertion) order
	stats    Stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates a store and restores the newest valid snapshot when a state
// directory is configured.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	s := &Store{
		cfg:      cfg,
		byID:     make(map[string]types.Outcome),
		byAgent:  make(map[string]map[string]bool),
		byAction: make(map[string]map[string]bool),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if cfg.StateDir != "" {
		s.load()
		if cfg.PersistInterval > 0 {
			s.wg.Add(1)
			go s.persistLoop()
		}
	}
	return s
}

// Record appends one outcome, evicting the oldest entries past capacity.
// A missing id or timestamp is filled in.
func (s *Store) Record(o types.Outcome) string {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.sequence) >= s.cfg.Capacity {
		s.evictOldestLocked()
	}
	s.byID[o.ID] = o
	s.indexLocked(o)
	s.sequence = append(s.sequence, o.ID)

	s.stats.TotalRecorded++
	if o.Success {
		s.stats.Successes++
	} else {
		s.stats.Failures++
	}
	s.stats.AvgReward += (o.Reward - s.stats.AvgReward) / float64(s.stats.TotalRecorded)
	return o.ID
}

// Get returns one outcome by id.
func (s *Store) Get(id string) (types.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	return o, ok
}

// Len returns the stored outcome count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sequence)
}

// All returns every outcome in timestamp order. Used for warm-starting the
// strategy selector.
func (s *Store) All() []types.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Outcome, 0, len(s.sequence))
	for _, id := range s.sequence {
		out = append(out, s.byID[id])
	}
	return out
}

// Find runs a combined query: the smallest selective index narrows the
// candidate set first, then the remaining filters apply as predicates.
// Results come back in timestamp order.
func (s *Store) Find(q Query) []types.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidateSetLocked(q)

	out := make([]types.Outcome, 0)
	for _, id := range s.sequence {
		if candidates != nil && !candidates[id] {
			continue
		}
		o := s.byID[id]
		if !matches(o, q) {
			continue
		}
		out = append(out, o)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// candidateSetLocked picks the smaller of the agent and action indices, nil
// when neither filter is set.
func (s *Store) candidateSetLocked(q Query) map[string]bool {
	var agentSet, actionSet map[string]bool
	if q.Agent != "" {
		agentSet = s.byAgent[q.Agent]
		if agentSet == nil {
			return map[string]bool{}
		}
	}
	if q.Action != "" {
		actionSet = s.byAction[q.Action]
		if actionSet == nil {
			return map[string]bool{}
		}
	}
	switch {
	case agentSet != nil && actionSet != nil:
		if len(agentSet) <= len(actionSet) {
			return agentSet
		}
		return actionSet
	case agentSet != nil:
		return agentSet
	case actionSet != nil:
		return actionSet
	}
	return nil
}

func matches(o types.Outcome, q Query) bool {
	if q.Agent != "" && o.Agent != q.Agent {
		return false
	}
	if q.Action != "" && o.Action != q.Action {
		return false
	}
	if q.Success != nil && o.Success != *q.Success {
		return false
	}
	if q.MinReward != nil && o.Reward < *q.MinReward {
		return false
	}
	if q.MaxReward != nil && o.Reward > *q.MaxReward {
		return false
	}
	if !q.After.IsZero() && o.Timestamp.Before(q.After) {
		return false
	}
	if !q.Before.IsZero() && !o.Timestamp.Before(q.Before) {
		return false
	}
	return true
}

// SuccessRate returns the success fraction for one agent, 0 when unseen.
func (s *Store) SuccessRate(agent string) float64 {
	t := true
	wins := len(s.Find(Query{Agent: agent, Success: &t}))
	total := len(s.Find(Query{Agent: agent}))
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// evictOldestLocked removes the head of the timestamp sequence; set-based
// index removal is O(1).
func (s *Store) evictOldestLocked() {
	if len(s.sequence) == 0 {
		return
	}
	id := s.sequence[0]
	s.sequence = s.sequence[1:]
	o, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byAgent[o.Agent], id)
	delete(s.byAction[o.Action], id)
}

func (s *Store) indexLocked(o types.Outcome) {
	if s.byAgent[o.Agent] == nil {
		s.byAgent[o.Agent] = make(map[string]bool)
	}
	s.byAgent[o.Agent][o.ID] = true
	if s.byAction[o.Action] == nil {
		s.byAction[o.Action] = make(map[string]bool)
	}
	s.byAction[o.Action][o.ID] = true
}

// Statistics returns a copy of the lifetime aggregates.
func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Save writes all outcomes and the lifetime stats atomically.
func (s *Store) Save() error {
	if s.cfg.StateDir == "" {
		return nil
	}
	s.mu.Lock()
	outcomes := make([]types.Outcome, 0, len(s.sequence))
	for _, id := range s.sequence {
		outcomes = append(outcomes, s.byID[id])
	}
	snap := snapshot{
		Stats:       s.stats,
		Outcomes:    outcomes,
		PersistedAt: s.now(),
		Version:     snapshotVersion,
	}
	s.mu.Unlock()
	return persist.WriteAtomic(s.path(), snap)
}

func (s *Store) load() {
	var snap snapshot
	if _, err := persist.NewestValid([]string{s.path()}, &snap, s.cfg.MaxSnapshotBytes); err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryOutcome).Warn("snapshot load failed, starting fresh: %v", err)
		}
		return
	}
	outcomes := snap.Outcomes
	if len(outcomes) > s.cfg.Capacity {
		outcomes = outcomes[len(outcomes)-s.cfg.Capacity:]
	}

	s.mu.Lock()
	s.stats = snap.Stats
	for _, o := range outcomes {
		s.byID[o.ID] = o
		s.indexLocked(o)
		s.sequence = append(s.sequence, o.ID)
	}
	s.mu.Unlock()
	logging.Outcome("restored %d outcomes from snapshot", len(outcomes))
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				logging.Get(logging.CategoryOutcome).Error("periodic save failed: %v", err)
			}
		}
	}
}

// Close stops background persistence and writes a final snapshot.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.Save()
}

func (s *Store) path() string {
	return filepath.Join(s.cfg.StateDir, snapshotName)
}
