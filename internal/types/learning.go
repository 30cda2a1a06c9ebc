package types

import (
	"time"
)

// =============================================================================
// EXPERIENCE / OUTCOME RECORDS
// =============================================================================

// ExperienceCategory partitions experiences for stratified sampling.
type ExperienceCategory string

const (
	ExperienceSuccess ExperienceCategory = "success"
	ExperienceFailure ExperienceCategory = "failure"
)

// Experience is a single (state, action, outcome) transition in the replay
// buffer. State payloads are size-bounded by the store on admission.
type Experience struct {
	State     string                 `json:"state"`
	Action    string                 `json:"action"`
	Agent     string                 `json:"agent"`
	Outcome   string                 `json:"outcome"`
	Reward    float64                `json:"reward"` // clamped to [-2, 2]
	NextState string                 `json:"nextState,omitempty"`
	Terminal  bool                   `json:"terminal,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Category  ExperienceCategory     `json:"category"`
}

// Outcome is an append-only record of an agent action and its result.
type Outcome struct {
	ID        string                 `json:"id"`
	Agent     string                 `json:"agent"`
	Action    string                 `json:"action"`
	Context   string                 `json:"context"`
	Result    string                 `json:"result"`
	Reward    float64                `json:"reward"`
	Success   bool                   `json:"success"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
