// Package config holds all arbiterd runtime configuration, loaded from
// arbiterd.yaml with environment overrides for deployment-specific paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all arbiterd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Root for every persisted state file (goals.json, experiences/, ...).
	StateDir string `yaml:"state_dir"`

	Logging    LoggingConfig    `yaml:"logging"`
	Arbiters   ArbiterConfig    `yaml:"arbiters"`
	Planner    PlannerConfig    `yaml:"planner"`
	Experience ExperienceConfig `yaml:"experience"`
	Outcomes   OutcomeConfig    `yaml:"outcomes"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Memory     MemoryConfig     `yaml:"memory"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Nighttime  NighttimeConfig  `yaml:"nighttime"`
}

// LoggingConfig configures category logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`       // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`  // master toggle; false = no logging
	JSONFormat bool            `yaml:"json_format"` // structured JSON lines
	Categories map[string]bool `yaml:"categories"`  // per-category toggles
}

// ArbiterConfig holds base arbiter defaults.
type ArbiterConfig struct {
	MaxMicroAgents   int           `yaml:"max_micro_agents"`
	MaxClones        int           `yaml:"max_clones"`
	ContextRingSize  int           `yaml:"context_ring_size"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`
	BreakerJitter           float64       `yaml:"breaker_jitter"`

	AuditCapacity int    `yaml:"audit_capacity"`
	AuditLevel    string `yaml:"audit_level"`
}

// PlannerConfig holds the goal planner weights and thresholds. All spec
// heuristics are configurable; the defaults below are the documented choice.
type PlannerConfig struct {
	MaxActive            int           `yaml:"max_active"`
	PlanningInterval     time.Duration `yaml:"planning_interval"`
	StalledThresholdDays int           `yaml:"stalled_threshold_days"`
	ArchiveCapacity      int           `yaml:"archive_capacity"`

	// Priority formula weights (must sum to 1.0).
	ImpactWeight       float64 `yaml:"impact_weight"`
	UrgencyWeight      float64 `yaml:"urgency_weight"`
	FeasibilityWeight  float64 `yaml:"feasibility_weight"`
	ResourceCostWeight float64 `yaml:"resource_cost_weight"`

	// Dedupe: fraction of shared title tokens that rejects an autonomous goal.
	DedupeOverlap float64 `yaml:"dedupe_overlap"`
}

// ExperienceConfig configures the experience replay store.
type ExperienceConfig struct {
	Capacity        int           `yaml:"capacity"`
	MaxStateBytes   int           `yaml:"max_state_bytes"`
	PriorityAlpha   float64       `yaml:"priority_alpha"`
	PriorityBeta    float64       `yaml:"priority_beta"`
	TemporalDecay   float64       `yaml:"temporal_decay"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	MaxSnapshotMB   int           `yaml:"max_snapshot_mb"`
}

// OutcomeConfig configures the outcome log.
type OutcomeConfig struct {
	Capacity        int           `yaml:"capacity"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// StrategyConfig configures the UCB1 selector.
type StrategyConfig struct {
	MinTrialsBeforeExploit int     `yaml:"min_trials_before_exploit"`
	Epsilon                float64 `yaml:"epsilon"`
	ExplorationC           float64 `yaml:"exploration_c"`
	RewardDecay            float64 `yaml:"reward_decay"`
	RewardWindow           int     `yaml:"reward_window"`
}

// MemoryConfig configures the three-tier memory store.
type MemoryConfig struct {
	DatabasePath     string        `yaml:"database_path"`
	HotTTL           time.Duration `yaml:"hot_ttl"`
	HotCapacity      int           `yaml:"hot_capacity"`
	WarmCapacity     int           `yaml:"warm_capacity"`
	CleanupAfterDays int           `yaml:"cleanup_after_days"`
	CleanupMinImport float64       `yaml:"cleanup_min_importance"`
}

// IndexerConfig configures the content indexer.
type IndexerConfig struct {
	Root         string `yaml:"root"`
	Workers      int    `yaml:"workers"`
	Dedupe       bool   `yaml:"dedupe"`
	HashContents bool   `yaml:"hash_contents"` // include sha1 prefix in fingerprints
}

// NighttimeConfig configures scheduled sessions.
type NighttimeConfig struct {
	Schedule     string        `yaml:"schedule"` // "HH:MM" daily or "@every <dur>"
	CrawlerCount int           `yaml:"crawler_count"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Name:     "arbiterd",
		Version:  "0.1.0",
		StateDir: "state",
		Logging: LoggingConfig{
			Level: "info",
		},
		Arbiters: ArbiterConfig{
			MaxMicroAgents:          16,
			MaxClones:               4,
			ContextRingSize:         128,
			OperationTimeout:        30 * time.Second,
			HeartbeatPeriod:         10 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 2,
			BreakerResetTimeout:     60 * time.Second,
			BreakerJitter:           0.2,
			AuditCapacity:           512,
			AuditLevel:              "info",
		},
		Planner: PlannerConfig{
			MaxActive:            10,
			PlanningInterval:     6 * time.Hour,
			StalledThresholdDays: 3,
			ArchiveCapacity:      200,
			ImpactWeight:         0.35,
			UrgencyWeight:        0.25,
			FeasibilityWeight:    0.25,
			ResourceCostWeight:   0.15,
			DedupeOverlap:        0.5,
		},
		Experience: ExperienceConfig{
			Capacity:        10000,
			MaxStateBytes:   4096,
			PriorityAlpha:   0.6,
			PriorityBeta:    0.4,
			TemporalDecay:   0.99,
			PersistInterval: 5 * time.Minute,
			MaxSnapshotMB:   30,
		},
		Outcomes: OutcomeConfig{
			Capacity:        20000,
			PersistInterval: 60 * time.Second,
		},
		Strategy: StrategyConfig{
			MinTrialsBeforeExploit: 3,
			Epsilon:                0.1,
			ExplorationC:           1.4,
			RewardDecay:            0.9,
			RewardWindow:           50,
		},
		Memory: MemoryConfig{
			DatabasePath:     "state/memory.db",
			HotTTL:           time.Hour,
			HotCapacity:      1000,
			WarmCapacity:     5000,
			CleanupAfterDays: 30,
			CleanupMinImport: 0.3,
		},
		Indexer: IndexerConfig{
			Workers:      4,
			Dedupe:       true,
			HashContents: true,
		},
		Nighttime: NighttimeConfig{
			Schedule:     "02:00",
			CrawlerCount: 3,
			TaskTimeout:  10 * time.Minute,
			MaxRetries:   2,
		},
	}
}

// Load reads the config file at path, applies defaults for missing fields and
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if dir := os.Getenv("ARBITERD_STATE_DIR"); dir != "" {
		c.StateDir = dir
		c.Memory.DatabasePath = filepath.Join(dir, "memory.db")
	}
	if lvl := os.Getenv("ARBITERD_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir required")
	}
	if c.Planner.MaxActive < 1 {
		return fmt.Errorf("planner.max_active must be >= 1, got %d", c.Planner.MaxActive)
	}
	sum := c.Planner.ImpactWeight + c.Planner.UrgencyWeight +
		c.Planner.FeasibilityWeight + c.Planner.ResourceCostWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("planner priority weights must sum to 1.0, got %.3f", sum)
	}
	if c.Experience.Capacity < 10 {
		return fmt.Errorf("experience.capacity must be >= 10, got %d", c.Experience.Capacity)
	}
	if c.Strategy.Epsilon < 0 || c.Strategy.Epsilon > 1 {
		return fmt.Errorf("strategy.epsilon must be in [0,1], got %.3f", c.Strategy.Epsilon)
	}
	if c.Indexer.Workers < 1 {
		return fmt.Errorf("indexer.workers must be >= 1, got %d", c.Indexer.Workers)
	}
	return nil
}
