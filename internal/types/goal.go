package types

import (
	"time"
)

// =============================================================================
// GOALS
// =============================================================================

// GoalType is the strategic horizon of a goal.
type GoalType string

const (
	GoalStrategic   GoalType = "strategic"
	GoalTactical    GoalType = "tactical"
	GoalOperational GoalType = "operational"
)

// ValidGoalType reports whether t is a member of the closed goal-type set.
func ValidGoalType(t GoalType) bool {
	return t == GoalStrategic || t == GoalTactical || t == GoalOperational
}

// GoalStatus is the per-goal state machine position.
//
//	pending -> active               (deps/prereqs empty or satisfied)
//	active  -> completed            (progress=100 or explicit)
//	active  -> failed               (explicit)
//	pending/active -> deferred      (cap pressure or explicit cancel)
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalDeferred  GoalStatus = "deferred"
)

// TerminalGoal reports whether s is completed or failed.
func TerminalGoal(s GoalStatus) bool {
	return s == GoalCompleted || s == GoalFailed
}

// GoalMetrics tracks quantified progress toward a goal.
type GoalMetrics struct {
	Target   float64 `json:"target"`
	Current  float64 `json:"current"`
	Progress float64 `json:"progress"` // percent, 0..100
}

// Goal is a unit of planner-managed work.
type Goal struct {
	ID            string                 `json:"id"`
	Type          GoalType               `json:"type"`
	Category      string                 `json:"category"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Status        GoalStatus             `json:"status"`
	Priority      float64                `json:"priority"` // 0..100
	Metrics       GoalMetrics            `json:"metrics"`
	Dependencies  []string               `json:"dependencies,omitempty"`
	Prerequisites []string               `json:"prerequisites,omitempty"`
	AssignedTo    []string               `json:"assignedTo,omitempty"`
	Tasks         []string               `json:"tasks,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	StartedAt     *time.Time             `json:"startedAt,omitempty"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	DueDate       *time.Time             `json:"dueDate,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
