package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbiterd/internal/arbiter"
	"arbiterd/internal/breaker"
	"arbiterd/internal/bus"
	"arbiterd/internal/config"
	"arbiterd/internal/embedding"
	"arbiterd/internal/experience"
	"arbiterd/internal/goals"
	"arbiterd/internal/indexer"
	"arbiterd/internal/logging"
	"arbiterd/internal/memtier"
	"arbiterd/internal/nighttime"
	"arbiterd/internal/outcome"
	"arbiterd/internal/strategy"
	"arbiterd/internal/supervisor"
	"arbiterd/internal/types"
)

// runtime owns every singleton. Construction is side-effect light; start
// brings the pieces up in dependency order and shutdown reverses it.
type runtime struct {
	cfg *config.Config
	bus *bus.Bus

	outcomes    *outcome.Store
	experiences *experience.Store
	selector    *strategy.Selector
	tiers       *memtier.Tiers
	indexer     *indexer.Indexer
	planner     *goals.Planner
	supervisor  *supervisor.Supervisor
	orch        *nighttime.Orchestrator
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := logging.Initialize(cfg.StateDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logging.Boot("arbiterd %s starting (state dir %s)", cfg.Version, cfg.StateDir)

	rt := &runtime{cfg: cfg, bus: bus.New()}

	rt.outcomes = outcome.New(outcome.Config{
		Capacity:        cfg.Outcomes.Capacity,
		StateDir:        cfg.StateDir,
		PersistInterval: cfg.Outcomes.PersistInterval,
	})
	rt.experiences = experience.New(experience.Config{
		Capacity:         cfg.Experience.Capacity,
		Alpha:            cfg.Experience.PriorityAlpha,
		Beta:             cfg.Experience.PriorityBeta,
		TemporalDecay:    cfg.Experience.TemporalDecay,
		StateDir:         cfg.StateDir,
		MaxSnapshotBytes: int64(cfg.Experience.MaxSnapshotMB) << 20,
		PersistInterval:  cfg.Experience.PersistInterval,
	})
	rt.selector = strategy.New(strategy.Config{
		MinTrialsBeforeExploit: cfg.Strategy.MinTrialsBeforeExploit,
		Epsilon:                cfg.Strategy.Epsilon,
		ExplorationC:           cfg.Strategy.ExplorationC,
		RewardDecay:            cfg.Strategy.RewardDecay,
		RewardWindow:           cfg.Strategy.RewardWindow,
	})
	if n := rt.selector.WarmStart(rt.outcomes.All()); n > 0 {
		logging.Boot("strategy selector warm-started from %d outcomes", n)
	}

	tiers, err := memtier.New(memtier.Config{
		StateDir:        cfg.StateDir,
		HotTTL:          cfg.Memory.HotTTL,
		WarmCapacity:    cfg.Memory.WarmCapacity,
		CleanupInterval: 6 * time.Hour,
		CleanupMaxAge:   time.Duration(cfg.Memory.CleanupAfterDays) * 24 * time.Hour,
		CleanupMinScore: cfg.Memory.CleanupMinImport,
	}, embedding.NewLocal())
	if err != nil {
		return nil, err
	}
	rt.tiers = tiers

	if cfg.Indexer.Root != "" {
		idx, err := indexer.New(indexer.Config{
			Root:     cfg.Indexer.Root,
			StateDir: filepath.Join(cfg.StateDir, "indexer"),
			Workers:  cfg.Indexer.Workers,
			Dedupe:   cfg.Indexer.Dedupe,
		}, &tierSink{tiers: tiers})
		if err != nil {
			return nil, err
		}
		rt.indexer = idx
	}

	rt.planner = goals.New(goals.Config{
		MaxActive: cfg.Planner.MaxActive,
		Weights: goals.Weights{
			Impact:       cfg.Planner.ImpactWeight,
			Urgency:      cfg.Planner.UrgencyWeight,
			Feasibility:  cfg.Planner.FeasibilityWeight,
			ResourceCost: cfg.Planner.ResourceCostWeight,
		},
		PlanningInterval:     cfg.Planner.PlanningInterval,
		StalledThresholdDays: float64(cfg.Planner.StalledThresholdDays),
		ArchiveCap:           cfg.Planner.ArchiveCapacity,
		DedupeOverlap:        cfg.Planner.DedupeOverlap,
		StateDir:             cfg.StateDir,
	}, rt.bus)

	supCfg := supervisor.DefaultConfig()
	if cfg.Arbiters.HeartbeatPeriod > 0 {
		supCfg.HeartbeatDeadline = 3 * cfg.Arbiters.HeartbeatPeriod
	}
	rt.supervisor = supervisor.New(supCfg, rt.bus)
	rt.orch = nighttime.New(nighttime.Config{
		DefaultTimeout: cfg.Nighttime.TaskTimeout,
		DefaultRetries: cfg.Nighttime.MaxRetries,
	}, rt.bus)

	if err := rt.addChildren(); err != nil {
		return nil, err
	}
	return rt, nil
}

// addChildren declares the supervised arbiters. Start functions run on every
// (re)start so restarts rebuild arbiter state from the shared singletons.
func (rt *runtime) addChildren() error {
	arbCfg := arbiter.Config{
		MaxMicroAgents:   rt.cfg.Arbiters.MaxMicroAgents,
		MaxClones:        rt.cfg.Arbiters.MaxClones,
		ContextRingSize:  rt.cfg.Arbiters.ContextRingSize,
		OperationTimeout: rt.cfg.Arbiters.OperationTimeout,
		HeartbeatPeriod:  rt.cfg.Arbiters.HeartbeatPeriod,
		Breaker: breaker.Config{
			FailureThreshold: rt.cfg.Arbiters.BreakerFailureThreshold,
			SuccessThreshold: rt.cfg.Arbiters.BreakerSuccessThreshold,
			ResetTimeout:     rt.cfg.Arbiters.BreakerResetTimeout,
			Jitter:           rt.cfg.Arbiters.BreakerJitter,
		},
		AuditCapacity: rt.cfg.Arbiters.AuditCapacity,
		AuditLevel:    rt.cfg.Arbiters.AuditLevel,
	}

	err := rt.supervisor.Add(context.Background(), supervisor.ChildSpec{
		Name:   goals.ArbiterName,
		Policy: supervisor.PolicyPermanent,
		Meta:   bus.PeerMeta{Role: types.RolePlanner, Capabilities: []types.Capability{types.CapPlan}},
		Start: func(ctx context.Context) (supervisor.Child, error) {
			cfg := arbCfg
			cfg.Name = goals.ArbiterName
			base, err := goals.NewArbiter(rt.planner, cfg, arbiter.Deps{Bus: rt.bus, Memory: rt.tiers})
			if err != nil {
				return nil, err
			}
			if err := base.Initialize(ctx); err != nil {
				return nil, err
			}
			return base, nil
		},
	})
	if err != nil {
		return err
	}

	return rt.supervisor.Add(context.Background(), supervisor.ChildSpec{
		Name:   nighttime.KnowledgeWorkerName,
		Policy: supervisor.PolicyPermanent,
		Meta:   bus.PeerMeta{Role: types.RoleLearner, Capabilities: []types.Capability{types.CapLearn, types.CapCrawl}},
		Start: func(ctx context.Context) (supervisor.Child, error) {
			base, err := nighttime.NewKnowledgeWorker(nighttime.WorkerConfig{}, nighttime.WorkerDeps{
				Outcomes:    rt.outcomes,
				Experiences: rt.experiences,
				Selector:    rt.selector,
				Tiers:       rt.tiers,
				Indexer:     rt.indexer,
			}, arbiter.Deps{Bus: rt.bus, Memory: rt.tiers})
			if err != nil {
				return nil, err
			}
			if err := base.Initialize(ctx); err != nil {
				return nil, err
			}
			return base, nil
		},
	})
}

func (rt *runtime) start(ctx context.Context) error {
	if err := rt.supervisor.Start(ctx); err != nil {
		return err
	}
	rt.planner.Start()

	if rt.indexer != nil {
		if err := rt.indexer.Watch(ctx); err != nil {
			return err
		}
		go func() {
			if _, err := rt.indexer.Scan(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("initial deep scan failed", zap.Error(err))
			}
		}()
	}

	if err := rt.orch.AddSession(nighttime.DefaultKnowledgePipeline(
		rt.cfg.Nighttime.Schedule,
		rt.cfg.Nighttime.CrawlerCount,
		rt.cfg.Nighttime.TaskTimeout,
	)); err != nil {
		return err
	}
	rt.orch.Start(ctx)
	return nil
}

// shutdown reverses start: orchestrator, indexer, planner, supervised
// arbiters, then the stores and the bus.
func (rt *runtime) shutdown(ctx context.Context) {
	rt.orch.Stop()
	if rt.indexer != nil {
		if err := rt.indexer.Close(); err != nil {
			logger.Warn("indexer close", zap.Error(err))
		}
	}
	rt.planner.Stop()
	rt.supervisor.Stop(ctx)

	for _, closer := range []func() error{
		rt.experiences.Close,
		rt.outcomes.Close,
		rt.tiers.Close,
	} {
		if err := closer(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}
	rt.bus.Close()
	logging.Boot("arbiterd stopped")
	logging.CloseAll()
}

// tierSink feeds indexed documents into the memory tiers, tracking path->id
// so unlinks can forget the record.
type tierSink struct {
	tiers *memtier.Tiers

	mu  sync.Mutex
	ids map[string]string
}

func (s *tierSink) IndexDocument(ctx context.Context, doc indexer.Document) error {
	id, err := s.tiers.Remember(ctx, doc.Content, map[string]interface{}{
		"path":       doc.Path,
		"hash":       doc.Hash,
		"importance": 0.5,
		"source":     "indexer",
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.ids == nil {
		s.ids = make(map[string]string)
	}
	s.ids[doc.Path] = id
	s.mu.Unlock()
	return nil
}

func (s *tierSink) RemovePath(ctx context.Context, path string) error {
	s.mu.Lock()
	id, ok := s.ids[path]
	delete(s.ids, path)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.tiers.Forget(ctx, id)
}
