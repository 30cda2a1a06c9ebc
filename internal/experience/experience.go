// Package experience implements the replay buffer: a capped experience store
// with uniform, prioritized, stratified and temporal sampling, periodic atomic
// snapshots, and an optional meta-learning sink.
package experience

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arbiterd/internal/logging"
	"arbiterd/internal/persist"
	"arbiterd/internal/types"
)

// Strategy selects how sample draws k experiences.
type Strategy string

const (
	Uniform     Strategy = "uniform"
	Prioritized Strategy = "prioritized"
	Stratified  Strategy = "stratified"
	Temporal    Strategy = "temporal"
)

const (
	maxStateBytes   = 8 * 1024
	snapshotName    = "experiences_current.json"
	snapshotVersion = 1
)

// Config tunes buffer size, sampling exponents and persistence.
type Config struct {
	Capacity      int
	Alpha         float64 // priority exponent for prioritized sampling
	Beta          float64 // importance-sampling exponent
	TemporalDecay float64 // per-hour recency decay
	MinPriority   float64 // priority floor (epsilon)

	StateDir         string
	MaxSnapshotBytes int64
	PersistInterval  time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:         10000,
		Alpha:            0.6,
		Beta:             0.4,
		TemporalDecay:    0.99,
		MinPriority:      0.01,
		MaxSnapshotBytes: 30 * 1024 * 1024,
		PersistInterval:  5 * time.Minute,
	}
}

// Sample is one draw: the experience, its buffer index at draw time, and its
// importance-sampling weight (1 for every strategy except prioritized).
type Sample struct {
	Experience types.Experience
	Index      int
	Weight     float64
}

// Stats are running aggregates over everything ever added.
type Stats struct {
	TotalAdded int     `json:"totalAdded"`
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	AvgReward  float64 `json:"avgReward"`
}

// Sink receives a copy of each admitted experience. Used by the meta-learner.
type Sink func(types.Experience)

type snapshot struct {
	Experiences []types.Experience `json:"experiences"`
	Priorities  []float64          `json:"priorities"`
	Stats       Stats              `json:"stats"`
	PersistedAt time.Time          `json:"persistedAt"`
	Version     int                `json:"version"`
}

// Store is the capped replay buffer. Multi-writer; serialized on an internal
// lock. Samplers read under the same lock against index snapshots.
type Store struct {
	cfg Config

	mu         sync.Mutex
	buf        []types.Experience
	priorities []float64
	byCategory map[types.ExperienceCategory][]int
	tree       *sumTree // nil when invalidated
	stats      Stats
	sinks      []Sink

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now       func() time.Time
	randFloat func() float64
}

// New creates an empty store and loads any previous snapshot from StateDir.
func New(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.MinPriority <= 0 {
		cfg.MinPriority = DefaultConfig().MinPriority
	}
	s := &Store{
		cfg:        cfg,
		byCategory: make(map[types.ExperienceCategory][]int),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		randFloat:  rand.Float64,
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

// AddSink registers a meta-learning sink, invoked synchronously on Add.
func (s *Store) AddSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Add admits one experience. At capacity the oldest 10% are evicted in one
// batch and the secondary index rebuilt. Any cached sampling structure is
// invalidated.
func (s *Store) Add(exp types.Experience) {
	exp.Reward = clamp(exp.Reward, -2, 2)
	if len(exp.State) > maxStateBytes {
		exp.State = exp.State[:maxStateBytes]
	}
	if exp.Timestamp.IsZero() {
		exp.Timestamp = s.now()
	}
	if exp.Category == "" {
		if exp.Reward >= 0 {
			exp.Category = types.ExperienceSuccess
		} else {
			exp.Category = types.ExperienceFailure
		}
	}

	s.mu.Lock()
	if len(s.buf) >= s.cfg.Capacity {
		s.evictLocked()
	}

	p := s.maxPriorityLocked()
	s.buf = append(s.buf, exp)
	s.priorities = append(s.priorities, p)
	s.byCategory[exp.Category] = append(s.byCategory[exp.Category], len(s.buf)-1)
	s.tree = nil

	s.stats.TotalAdded++
	if exp.Category == types.ExperienceSuccess {
		s.stats.Successes++
	} else {
		s.stats.Failures++
	}
	n := float64(s.stats.TotalAdded)
	s.stats.AvgReward += (exp.Reward - s.stats.AvgReward) / n

	sinks := s.sinks
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(exp)
	}
}

// evictLocked drops the oldest ceil(10%) entries and rebuilds indices.
func (s *Store) evictLocked() {
	drop := int(math.Ceil(0.1 * float64(s.cfg.Capacity)))
	if drop > len(s.buf) {
		drop = len(s.buf)
	}
	s.buf = append([]types.Experience(nil), s.buf[drop:]...)
	s.priorities = append([]float64(nil), s.priorities[drop:]...)
	s.rebuildIndexLocked()
	s.tree = nil
	logging.Experience("evicted %d oldest experiences (cap %d)", drop, s.cfg.Capacity)
}

func (s *Store) rebuildIndexLocked() {
	s.byCategory = make(map[types.ExperienceCategory][]int)
	for i, exp := range s.buf {
		s.byCategory[exp.Category] = append(s.byCategory[exp.Category], i)
	}
}

func (s *Store) maxPriorityLocked() float64 {
	max := 1.0
	for _, p := range s.priorities {
		if p > max {
			max = p
		}
	}
	return max
}

// UpdatePriority sets the priority of one buffered experience, floored at the
// configured epsilon. O(1); invalidates the sum-tree.
func (s *Store) UpdatePriority(index int, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.priorities) {
		return
	}
	if p < s.cfg.MinPriority {
		p = s.cfg.MinPriority
	}
	s.priorities[index] = p
	s.tree = nil
}

// Len returns the buffered experience count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Statistics returns a copy of the running aggregates.
func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Sample draws k experiences with the given strategy. Draws are with
// replacement; an empty buffer returns nil.
func (s *Store) Sample(k int, strategy Strategy) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 || k <= 0 {
		return nil
	}
	switch strategy {
	case Prioritized:
		return s.samplePrioritizedLocked(k)
	case Stratified:
		return s.sampleStratifiedLocked(k)
	case Temporal:
		return s.sampleTemporalLocked(k)
	default:
		return s.sampleUniformLocked(k)
	}
}

func (s *Store) sampleUniformLocked(k int) []Sample {
	out := make([]Sample, 0, k)
	for i := 0; i < k; i++ {
		idx := int(s.randFloat() * float64(len(s.buf)))
		if idx >= len(s.buf) {
			idx = len(s.buf) - 1
		}
		out = append(out, Sample{Experience: s.buf[idx], Index: idx, Weight: 1})
	}
	return out
}

// samplePrioritizedLocked does segment sampling over priority^alpha with
// importance-sampling weights (N*P(i))^(-beta) normalized by the max weight.
func (s *Store) samplePrioritizedLocked(k int) []Sample {
	if s.tree == nil {
		weights := make([]float64, len(s.priorities))
		for i, p := range s.priorities {
			weights[i] = math.Pow(p, s.cfg.Alpha)
		}
		s.tree = newSumTree(weights)
	}
	total := s.tree.total()
	if total <= 0 {
		return s.sampleUniformLocked(k)
	}

	n := float64(len(s.buf))
	segment := total / float64(k)
	out := make([]Sample, 0, k)
	maxW := 0.0
	for i := 0; i < k; i++ {
		v := (float64(i) + s.randFloat()) * segment
		idx := s.tree.find(v)
		prob := s.tree.weight(idx) / total
		w := math.Pow(n*prob, -s.cfg.Beta)
		if w > maxW {
			maxW = w
		}
		out = append(out, Sample{Experience: s.buf[idx], Index: idx, Weight: w})
	}
	for i := range out {
		out[i].Weight /= maxW
	}
	return out
}

// sampleStratifiedLocked deals k draws across categories: floor(k/cats) each,
// remainder round-robin.
func (s *Store) sampleStratifiedLocked(k int) []Sample {
	cats := make([]types.ExperienceCategory, 0, len(s.byCategory))
	for c, idxs := range s.byCategory {
		if len(idxs) > 0 {
			cats = append(cats, c)
		}
	}
	if len(cats) == 0 {
		return nil
	}
	// Stable category order for the round-robin remainder.
	if len(cats) == 2 && cats[0] != types.ExperienceSuccess {
		cats[0], cats[1] = cats[1], cats[0]
	}

	quota := make(map[types.ExperienceCategory]int, len(cats))
	base := k / len(cats)
	for _, c := range cats {
		quota[c] = base
	}
	for i := 0; i < k%len(cats); i++ {
		quota[cats[i%len(cats)]]++
	}

	out := make([]Sample, 0, k)
	for _, c := range cats {
		idxs := s.byCategory[c]
		for i := 0; i < quota[c]; i++ {
			pick := idxs[int(s.randFloat()*float64(len(idxs)))%len(idxs)]
			out = append(out, Sample{Experience: s.buf[pick], Index: pick, Weight: 1})
		}
	}
	return out
}

// sampleTemporalLocked draws with probability proportional to decay^ageHours.
func (s *Store) sampleTemporalLocked(k int) []Sample {
	now := s.now()
	weights := make([]float64, len(s.buf))
	total := 0.0
	for i, exp := range s.buf {
		age := now.Sub(exp.Timestamp).Hours()
		if age < 0 {
			age = 0
		}
		weights[i] = math.Pow(s.cfg.TemporalDecay, age)
		total += weights[i]
	}
	if total <= 0 {
		return s.sampleUniformLocked(k)
	}

	out := make([]Sample, 0, k)
	for i := 0; i < k; i++ {
		v := s.randFloat() * total
		idx := 0
		for ; idx < len(weights)-1; idx++ {
			if v < weights[idx] {
				break
			}
			v -= weights[idx]
		}
		out = append(out, Sample{Experience: s.buf[idx], Index: idx, Weight: 1})
	}
	return out
}

// Save writes the current buffer, priorities and stats atomically.
func (s *Store) Save() error {
	if s.cfg.StateDir == "" {
		return nil
	}
	s.mu.Lock()
	snap := snapshot{
		Experiences: append([]types.Experience(nil), s.buf...),
		Priorities:  append([]float64(nil), s.priorities...),
		Stats:       s.stats,
		PersistedAt: s.now(),
		Version:     snapshotVersion,
	}
	s.mu.Unlock()
	return persist.WriteAtomic(s.path(), snap)
}

// load restores the newest valid snapshot, trimming to capacity. Oversize or
// corrupted files are quarantined and the store starts fresh.
func (s *Store) load() {
	var snap snapshot
	err := persist.Load(s.path(), &snap, s.cfg.MaxSnapshotBytes)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryExperience).Warn("snapshot load failed, starting fresh: %v", err)
		}
		return
	}
	if len(snap.Experiences) > s.cfg.Capacity {
		drop := len(snap.Experiences) - s.cfg.Capacity
		snap.Experiences = snap.Experiences[drop:]
		if len(snap.Priorities) > drop {
			snap.Priorities = snap.Priorities[drop:]
		} else {
			snap.Priorities = nil
		}
	}
	if len(snap.Priorities) != len(snap.Experiences) {
		snap.Priorities = make([]float64, len(snap.Experiences))
		for i := range snap.Priorities {
			snap.Priorities[i] = 1.0
		}
	}

	s.mu.Lock()
	s.buf = snap.Experiences
	s.priorities = snap.Priorities
	s.stats = snap.Stats
	s.rebuildIndexLocked()
	s.tree = nil
	s.mu.Unlock()

	persist.CleanStale(s.cfg.StateDir, "experiences_", snapshotName, 2)
	logging.Experience("restored %d experiences from snapshot", len(snap.Experiences))
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
				logging.Get(logging.CategoryExperience).Error("periodic save failed: %v", err)
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

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
