package nighttime

import "time"

// =============================================================================
// NIGHTLY KNOWLEDGE PIPELINE
// =============================================================================
// The default session: topic selection from recorded outcomes, bounded
// crawler fan-out, gather, six-aspect processing fan-out, tiered storage,
// pattern analysis and a learning refresh.

// KnowledgeWorkerName is the bus identity of the worker arbiter that serves
// the pipeline task types.
const KnowledgeWorkerName = "knowledge-worker"

// Pipeline task types.
const (
	TaskSelectTopics    = "select_topics"
	TaskCrawlTopic      = "crawl_topic"
	TaskGatherData      = "gather_external_data"
	TaskProcessData     = "process_data"
	TaskStoreInTiers    = "store_in_tiers"
	TaskAnalyzePatterns = "analyze_patterns"
	TaskTriggerLearning = "trigger_learning"
)

// processAspects are the parallel lenses applied during process_data.
var processAspects = []string{"categorize", "summarize", "index", "relate", "quality", "dedupe"}

// DefaultKnowledgePipeline builds the nightly session against the knowledge
// worker. Crawl fan-out and the gather timeout come from the caller so the
// config layer can tune them.
func DefaultKnowledgePipeline(schedule string, crawlers int, gatherTimeout time.Duration) Session {
	if crawlers <= 0 {
		crawlers = 3
	}
	if gatherTimeout <= 0 {
		gatherTimeout = 5 * time.Minute
	}

	aspects := make([]map[string]interface{}, len(processAspects))
	for i, a := range processAspects {
		aspects[i] = map[string]interface{}{"aspect": a}
	}

	return Session{
		Name:     "knowledge-pipeline",
		Schedule: schedule,
		Tasks: []Task{
			{
				Name:    TaskSelectTopics,
				Arbiter: KnowledgeWorkerName,
				Type:    TaskSelectTopics,
			},
			{
				Name:      TaskCrawlTopic,
				Arbiter:   KnowledgeWorkerName,
				Type:      TaskCrawlTopic,
				DependsOn: []string{TaskSelectTopics},
				FanOut:    crawlers,
			},
			{
				Name:      TaskGatherData,
				Arbiter:   KnowledgeWorkerName,
				Type:      TaskGatherData,
				DependsOn: []string{TaskCrawlTopic},
				Timeout:   gatherTimeout,
			},
			{
				Name:         TaskProcessData,
				Arbiter:      KnowledgeWorkerName,
				Type:         TaskProcessData,
				DependsOn:    []string{TaskGatherData},
				FanOutParams: aspects,
			},
			{
				Name:      TaskStoreInTiers,
				Arbiter:   KnowledgeWorkerName,
				Type:      TaskStoreInTiers,
				DependsOn: []string{TaskProcessData},
			},
			{
				Name:      TaskAnalyzePatterns,
				Arbiter:   KnowledgeWorkerName,
				Type:      TaskAnalyzePatterns,
				DependsOn: []string{TaskStoreInTiers},
			},
			{
				Name:         TaskTriggerLearning,
				Arbiter:      KnowledgeWorkerName,
				Type:         TaskTriggerLearning,
				DependsOn:    []string{TaskAnalyzePatterns},
				NonRetryable: true,
			},
		},
	}
}
