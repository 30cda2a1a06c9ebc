// Package strategy selects among competing strategies per domain using UCB1
// with an exploration floor and epsilon-greedy jitter. Stats warm-start from
// the outcome store so learning survives restarts.
package strategy

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"arbiterd/internal/logging"
	"arbiterd/internal/stats"
	"arbiterd/internal/types"
)

// Config tunes exploration and reward averaging.
type Config struct {
	MinTrialsBeforeExploit int
	Epsilon                float64
	ExplorationC           float64
	RewardDecay            float64
	RewardWindow           int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MinTrialsBeforeExploit: 3,
		Epsilon:                0.1,
		ExplorationC:           1.4,
		RewardDecay:            0.9,
		RewardWindow:           50,
	}
}

// Arm is the per-(domain, strategy) state.
type Arm struct {
	Trials      int
	Successes   int
	Failures    int
	TotalReward float64
	AvgReward   float64 // decayed rolling average
	LastUsed    time.Time

	rewards *stats.Rolling
}

// Selector is the bandit. Safe for concurrent use.
type Selector struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]map[string]*Arm // domain -> strategy -> arm

	now       func() time.Time
	randFloat func() float64
}

// New creates an empty selector.
func New(cfg Config) *Selector {
	if cfg.RewardWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Selector{
		cfg:       cfg,
		domains:   make(map[string]map[string]*Arm),
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Select picks a strategy for the domain. When candidates is non-empty the
// choice is restricted to it; unknown candidates enter with zero trials.
// Returns "" only when nothing is known and no candidates were given.
func (s *Selector) Select(domain string, candidates []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	arms := s.domains[domain]
	if arms == nil {
		arms = make(map[string]*Arm)
		s.domains[domain] = arms
	}
	for _, c := range candidates {
		if _, ok := arms[c]; !ok {
			arms[c] = s.newArm()
		}
	}

	pool := make([]string, 0, len(arms))
	if len(candidates) > 0 {
		pool = append(pool, candidates...)
	} else {
		for name := range arms {
			pool = append(pool, name)
		}
	}
	if len(pool) == 0 {
		return ""
	}

	// Exploration floor: any under-tried strategy goes first.
	under := pool[:0:0]
	for _, name := range pool {
		if arms[name].Trials < s.cfg.MinTrialsBeforeExploit {
			under = append(under, name)
		}
	}
	if len(under) > 0 {
		pick := under[s.pickIndex(len(under))]
		logging.Strategy("domain %s: exploring %s (%d trials)", domain, pick, arms[pick].Trials)
		return pick
	}

	// Epsilon-greedy jitter.
	if s.randFloat() < s.cfg.Epsilon {
		return pool[s.pickIndex(len(pool))]
	}

	// UCB1 with lastUsed tie-break.
	totalTrials := 0
	for _, name := range pool {
		totalTrials += arms[name].Trials
	}
	best := ""
	bestScore := math.Inf(-1)
	for _, name := range pool {
		arm := arms[name]
		// An untried arm gets an infinite bonus so it is drawn before any
		// exploited one, even with the exploration floor disabled.
		score := math.Inf(1)
		if arm.Trials > 0 {
			score = arm.AvgReward + s.cfg.ExplorationC*math.Sqrt(math.Log(float64(totalTrials))/float64(arm.Trials))
		}
		if score > bestScore || (score == bestScore && best != "" && arm.LastUsed.After(arms[best].LastUsed)) {
			best, bestScore = name, score
		}
	}
	return best
}

// Record updates the arm for one observed outcome.
func (s *Selector) Record(domain, strategy string, success bool, reward float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(domain, strategy, success, reward)
}

func (s *Selector) recordLocked(domain, strategy string, success bool, reward float64) {
	arms := s.domains[domain]
	if arms == nil {
		arms = make(map[string]*Arm)
		s.domains[domain] = arms
	}
	arm := arms[strategy]
	if arm == nil {
		arm = s.newArm()
		arms[strategy] = arm
	}

	arm.Trials++
	if success {
		arm.Successes++
	} else {
		arm.Failures++
	}
	arm.TotalReward += reward
	arm.rewards.Add(reward)
	if arm.Trials == 1 {
		arm.AvgReward = reward
	} else {
		arm.AvgReward = arm.AvgReward*s.cfg.RewardDecay + reward*(1-s.cfg.RewardDecay)
	}
	arm.LastUsed = s.now()
}

// Stats returns a copy of the arm state, false when unseen.
func (s *Selector) Stats(domain, strategy string) (Arm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arms := s.domains[domain]
	if arms == nil {
		return Arm{}, false
	}
	arm, ok := arms[strategy]
	if !ok {
		return Arm{}, false
	}
	return *arm, true
}

// WarmStart replays stored outcomes to rebuild arm stats. The strategy comes
// from metadata.strategyUsed, falling back to the outcome context, then the
// result token. The agent names the domain.
func (s *Selector) WarmStart(outcomes []types.Outcome) int {
	replayed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		strat := strategyOf(o)
		if strat == "" || o.Agent == "" {
			continue
		}
		s.recordLocked(o.Agent, strat, o.Success, o.Reward)
		replayed++
	}
	if replayed > 0 {
		logging.Strategy("warm-started from %d outcomes", replayed)
	}
	return replayed
}

func strategyOf(o types.Outcome) string {
	if o.Metadata != nil {
		if v, ok := o.Metadata["strategyUsed"].(string); ok && v != "" {
			return v
		}
	}
	if o.Context != "" {
		return o.Context
	}
	return o.Result
}

func (s *Selector) newArm() *Arm {
	return &Arm{rewards: stats.NewRolling(s.cfg.RewardWindow)}
}

func (s *Selector) pickIndex(n int) int {
	i := int(s.randFloat() * float64(n))
	if i >= n {
		i = n - 1
	}
	return i
}
