// Package types provides shared type definitions used across arbiterd packages.
// This package exists to break import cycles between arbiter, bus, supervisor,
// and the stores. Types here are foundational data structures with no complex
// dependencies.
package types

import (
	"time"
)

// =============================================================================
// ARBITER IDENTITY
// =============================================================================

// Role defines what an arbiter is for. Closed set: validators reject unknown
// values at every boundary (config, inbound messages, loaded snapshots).
type Role string

const (
	RolePlanner      Role = "planner"
	RoleOrchestrator Role = "orchestrator"
	RoleIndexer      Role = "indexer"
	RoleCrawler      Role = "crawler"
	RoleProcessor    Role = "processor"
	RoleMemory       Role = "memory"
	RoleLearner      Role = "learner"
	RoleMonitor      Role = "monitor"
	RoleWorker       Role = "worker"
)

// KnownRoles lists every valid role token.
var KnownRoles = []Role{
	RolePlanner, RoleOrchestrator, RoleIndexer, RoleCrawler,
	RoleProcessor, RoleMemory, RoleLearner, RoleMonitor, RoleWorker,
}

// ValidRole reports whether r is a member of the closed role set.
func ValidRole(r Role) bool {
	for _, k := range KnownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// Capability defines something an arbiter can do. Constant after construction.
type Capability string

const (
	CapMemorize Capability = "memorize"
	CapRecall   Capability = "recall"
	CapSpawn    Capability = "spawn"
	CapClone    Capability = "clone"
	CapCrawl    Capability = "crawl"
	CapIndex    Capability = "index"
	CapProcess  Capability = "process"
	CapPlan     Capability = "plan"
	CapLearn    Capability = "learn"
	CapSchedule Capability = "schedule"
)

// KnownCapabilities lists every valid capability token.
var KnownCapabilities = []Capability{
	CapMemorize, CapRecall, CapSpawn, CapClone, CapCrawl,
	CapIndex, CapProcess, CapPlan, CapLearn, CapSchedule,
}

// ValidCapability reports whether c is a member of the closed capability set.
func ValidCapability(c Capability) bool {
	for _, k := range KnownCapabilities {
		if c == k {
			return true
		}
	}
	return false
}

// Status is the runtime state of an arbiter. Transitions form a DAG except
// for the active <-> shutting_down pair.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusShuttingDown Status = "shutting_down"
	StatusOffline      Status = "offline"
	StatusError        Status = "error"
)

// Terminal reports whether s is a terminal status for supervision purposes.
func (s Status) Terminal() bool {
	return s == StatusOffline || s == StatusError
}

// =============================================================================
// MESSAGE ENVELOPE
// =============================================================================

// Broadcast is the reserved destination that fans a message out to every
// registered peer. Broadcast messages are never awaited.
const Broadcast = "broadcast"

// SystemSender is the sentinel peer name used by runtime internals
// (supervisor, orchestrator timers) when emitting messages.
const SystemSender = "system"

// Message is the bus wire envelope.
type Message struct {
	ID            string      `json:"id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Type          string      `json:"type"`
	Payload       interface{} `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Required message type tokens. These names are the wire contract.
const (
	MsgCreateGoal         = "create_goal"
	MsgUpdateGoalProgress = "update_goal_progress"
	MsgQueryGoals         = "query_goals"
	MsgCancelGoal         = "cancel_goal"
	MsgGoalCreated        = "goal_created"
	MsgGoalCompleted      = "goal_completed"
	MsgGoalFailed         = "goal_failed"
	MsgVelocityReport     = "velocity_report"
	MsgCodeAnalysis       = "code_analysis_complete"
	MsgMemoryMetrics      = "memory_metrics"
	MsgFitnessScoreUpdate = "fitness_score_update"
	MsgDiscoveryComplete  = "discovery_complete"
	MsgContradiction      = "contradiction_detected"
	MsgPracticeReminder   = "practice_reminder"
	MsgSkillDegraded      = "skill_degraded"
	MsgResourcePressure   = "resource_pressure_critical"
	MsgArbitrationRequest = "arbitration_request"
	MsgGoalConcern        = "goal_concern"
	MsgGoalEnhancement    = "goal_enhancement_suggestion"
	MsgPlanningPulse      = "planning_pulse"
	MsgTimePulse          = "time_pulse"
)

// =============================================================================
// HEALTH
// =============================================================================

// HealthState aggregates derived arbiter health.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// Health is the derived (never stored) health report of an arbiter.
type Health struct {
	State        HealthState `json:"state"`
	BreakerOpen  bool        `json:"breaker_open"`
	P95LatencyMs float64     `json:"p95_latency_ms"`
	ErrorCount   int         `json:"error_count"`
	TimeoutCount int         `json:"timeout_count"`
	Load         float64     `json:"load"`
}

// =============================================================================
// SELF-MODIFICATION CONTRACTS (key management is external)
// =============================================================================

// Signature is the result of signing a proposal payload.
type Signature struct {
	Sig       []byte
	PubKeyRef string
}

// Signer signs self-modification proposal payloads.
type Signer interface {
	Sign(data []byte) (Signature, error)
}

// Verifier checks proposal signatures before they are consumed.
type Verifier interface {
	Verify(data []byte, sig Signature) error
}
