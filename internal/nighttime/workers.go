package nighttime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"arbiterd/internal/arbiter"
	"arbiterd/internal/experience"
	"arbiterd/internal/indexer"
	"arbiterd/internal/logging"
	"arbiterd/internal/memtier"
	"arbiterd/internal/outcome"
	"arbiterd/internal/strategy"
	"arbiterd/internal/types"
)

// =============================================================================
// KNOWLEDGE WORKER
// =============================================================================
// One arbiter serves every pipeline task type, backed by the learning triad,
// the memory tiers and the content indexer.

// WorkerDeps are the stores the pipeline reads and writes.
type WorkerDeps struct {
	Outcomes    *outcome.Store
	Experiences *experience.Store
	Selector    *strategy.Selector
	Tiers       *memtier.Tiers
	Indexer     *indexer.Indexer // optional; crawl degrades to a no-op
}

// WorkerConfig tunes topic selection and storage.
type WorkerConfig struct {
	MaxTopics           int
	MinTrialsForTopic   int
	WeakSuccessRate     float64
	ImportanceThreshold float64
	DefaultTopics       []string
}

// DefaultWorkerConfig mirrors the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxTopics:           5,
		MinTrialsForTopic:   3,
		WeakSuccessRate:     0.5,
		ImportanceThreshold: 0.6,
		DefaultTopics:       []string{"recent-failures", "stale-knowledge"},
	}
}

type worker struct {
	cfg  WorkerConfig
	deps WorkerDeps
}

// NewKnowledgeWorker builds the worker arbiter with all pipeline task types
// bound.
func NewKnowledgeWorker(cfg WorkerConfig, wdeps WorkerDeps, adeps arbiter.Deps) (*arbiter.Base, error) {
	def := DefaultWorkerConfig()
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}
	if cfg.MinTrialsForTopic <= 0 {
		cfg.MinTrialsForTopic = def.MinTrialsForTopic
	}
	if cfg.WeakSuccessRate <= 0 {
		cfg.WeakSuccessRate = def.WeakSuccessRate
	}
	if cfg.ImportanceThreshold <= 0 {
		cfg.ImportanceThreshold = def.ImportanceThreshold
	}
	if len(cfg.DefaultTopics) == 0 {
		cfg.DefaultTopics = def.DefaultTopics
	}

	w := &worker{cfg: cfg, deps: wdeps}
	base, err := arbiter.New(arbiter.Config{
		Name:         KnowledgeWorkerName,
		Role:         types.RoleLearner,
		Capabilities: []types.Capability{types.CapCrawl, types.CapIndex, types.CapProcess, types.CapLearn, types.CapMemorize},
	}, adeps)
	if err != nil {
		return nil, err
	}

	base.RegisterHandler(TaskSelectTopics, w.selectTopics)
	base.RegisterHandler(TaskCrawlTopic, w.crawlTopic)
	base.RegisterHandler(TaskGatherData, w.gatherData)
	base.RegisterHandler(TaskProcessData, w.processData)
	base.RegisterHandler(TaskStoreInTiers, w.storeInTiers)
	base.RegisterHandler(TaskAnalyzePatterns, w.analyzePatterns)
	base.RegisterHandler(TaskTriggerLearning, w.triggerLearning)
	return base, nil
}

// selectTopics derives study topics from actions with weak success rates.
func (w *worker) selectTopics(ctx context.Context, msg types.Message) (interface{}, error) {
	type tally struct {
		trials, wins int
	}
	byAction := make(map[string]*tally)
	for _, o := range w.deps.Outcomes.All() {
		t := byAction[o.Action]
		if t == nil {
			t = &tally{}
			byAction[o.Action] = t
		}
		t.trials++
		if o.Success {
			t.wins++
		}
	}

	var topics []string
	for action, t := range byAction {
		if t.trials < w.cfg.MinTrialsForTopic {
			continue
		}
		if float64(t.wins)/float64(t.trials) < w.cfg.WeakSuccessRate {
			topics = append(topics, "improve:"+action)
		}
	}
	sort.Strings(topics)
	if len(topics) > w.cfg.MaxTopics {
		topics = topics[:w.cfg.MaxTopics]
	}
	if len(topics) == 0 {
		topics = w.cfg.DefaultTopics
	}
	logging.Nighttime("selected %d topics: %v", len(topics), topics)
	return map[string]interface{}{"topics": topics}, nil
}

// crawlTopic runs one crawler worker. With an indexer wired, crawling is a
// deep scan over its root; the scan journal keeps repeats cheap.
func (w *worker) crawlTopic(ctx context.Context, msg types.Message) (interface{}, error) {
	body := asMap(msg.Payload)
	out := map[string]interface{}{"worker": body["index"]}
	if w.deps.Indexer == nil {
		out["scanned"] = 0
		out["indexed"] = 0
		return out, nil
	}
	state, err := w.deps.Indexer.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out["scanned"] = state.Scanned
	out["indexed"] = state.Indexed
	return out, nil
}

// gatherData fans in the crawl results.
func (w *worker) gatherData(ctx context.Context, msg types.Message) (interface{}, error) {
	input := inputOf(msg)
	scanned, indexed := 0, 0
	for _, item := range input {
		m := asMap(item)
		scanned += asInt(m["scanned"])
		indexed += asInt(m["indexed"])
	}
	return map[string]interface{}{
		"crawlers": len(input),
		"scanned":  scanned,
		"indexed":  indexed,
	}, nil
}

// processData applies one aspect over the gathered data.
func (w *worker) processData(ctx context.Context, msg types.Message) (interface{}, error) {
	body := asMap(msg.Payload)
	aspect, _ := body["aspect"].(string)
	items := 0
	for _, item := range inputOf(msg) {
		items += asInt(asMap(item)["indexed"])
	}
	return map[string]interface{}{"aspect": aspect, "processed": items}, nil
}

// storeInTiers remembers items above the importance threshold plus a run
// digest so later recalls can find the pipeline's own history.
func (w *worker) storeInTiers(ctx context.Context, msg types.Message) (interface{}, error) {
	stored := 0
	processed := 0
	for _, item := range inputOf(msg) {
		m := asMap(item)
		processed += asInt(m["processed"])
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		importance := 0.5
		if v, ok := m["importance"].(float64); ok {
			importance = v
		}
		if importance < w.cfg.ImportanceThreshold {
			continue
		}
		if _, err := w.deps.Tiers.Remember(ctx, content, m); err != nil {
			logging.Get(logging.CategoryNighttime).Warn("store_in_tiers remember failed: %v", err)
			continue
		}
		stored++
	}

	digest := fmt.Sprintf("knowledge pipeline run %s: %d items processed, %d stored",
		time.Now().Format("2006-01-02"), processed, stored)
	if _, err := w.deps.Tiers.Remember(ctx, digest, map[string]interface{}{
		"importance": 0.7,
		"kind":       "pipeline-digest",
	}); err != nil {
		logging.Get(logging.CategoryNighttime).Warn("digest remember failed: %v", err)
	}
	return map[string]interface{}{"stored": stored, "processed": processed}, nil
}

// analyzePatterns writes the run into the experience and outcome stores.
func (w *worker) analyzePatterns(ctx context.Context, msg types.Message) (interface{}, error) {
	stored := 0
	for _, item := range inputOf(msg) {
		stored += asInt(asMap(item)["stored"])
	}
	success := stored > 0
	reward := 0.5
	if !success {
		reward = -0.2
	}

	w.deps.Experiences.Add(types.Experience{
		State:   "pipeline_run",
		Action:  "nightly_knowledge",
		Agent:   KnowledgeWorkerName,
		Outcome: fmt.Sprintf("stored=%d", stored),
		Reward:  reward,
	})
	id := w.deps.Outcomes.Record(types.Outcome{
		Agent:   KnowledgeWorkerName,
		Action:  "nightly_knowledge",
		Result:  fmt.Sprintf("stored=%d", stored),
		Reward:  reward,
		Success: success,
	})
	return map[string]interface{}{"outcomeId": id, "stored": stored}, nil
}

// triggerLearning refreshes the strategy selector from recorded outcomes.
func (w *worker) triggerLearning(ctx context.Context, msg types.Message) (interface{}, error) {
	replayed := w.deps.Selector.WarmStart(w.deps.Outcomes.All())
	logging.Nighttime("learning refresh replayed %d outcomes", replayed)
	return map[string]interface{}{"replayed": replayed}, nil
}

func inputOf(msg types.Message) []interface{} {
	body := asMap(msg.Payload)
	in, _ := body["input"].([]interface{})
	return in
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
