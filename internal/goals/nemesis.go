package goals

import (
	"arbiterd/internal/types"
)

// =============================================================================
// REALITY-CHECK GATE
// =============================================================================
// Autonomous proposals pass a three-dimensional score before entering the
// goal map: friction (concrete grounding), charge (ambition), mass
// (confidence x priority). External create_goal requests bypass the gate.

// Decision buckets the aggregate score.
type Decision string

const (
	DecisionKill       Decision = "KILL"       // < 0.30
	DecisionMutate     Decision = "MUTATE"     // < 0.50
	DecisionQuarantine Decision = "QUARANTINE" // < 0.70, admitted with warning
	DecisionAllow      Decision = "ALLOW"      // < 0.85
	DecisionPromote    Decision = "PROMOTE"    // >= 0.85
)

// Verdict is the gate outcome for one proposal.
type Verdict struct {
	Friction float64
	Charge   float64
	Mass     float64
	Score    float64
	Decision Decision
}

// evaluateProposal scores a proposal. Friction rewards measurable targets,
// deadlines and written rationale; charge scales with strategic ambition;
// mass is stated confidence times normalized priority.
func evaluateProposal(g *types.Goal) Verdict {
	v := Verdict{}

	if g.Metrics.Target > 0 {
		v.Friction += 0.4
	}
	if g.DueDate != nil {
		v.Friction += 0.3
	}
	if len(g.Description) >= 20 || metaString(g, "rationale") != "" {
		v.Friction += 0.3
	}

	typeScore := 0.5
	switch g.Type {
	case types.GoalStrategic:
		typeScore = 1.0
	case types.GoalTactical:
		typeScore = 0.7
	}
	prio := g.Priority / 100
	if prio > 1 {
		prio = 1
	}
	v.Charge = 0.5*typeScore + 0.5*prio

	confidence := 0.5
	if c, ok := metaFloat(g, "confidence"); ok {
		confidence = c
	}
	v.Mass = confidence * prio

	v.Score = 0.5*v.Friction + 0.2*v.Charge + 0.3*v.Mass
	switch {
	case v.Score < 0.30:
		v.Decision = DecisionKill
	case v.Score < 0.50:
		v.Decision = DecisionMutate
	case v.Score < 0.70:
		v.Decision = DecisionQuarantine
	case v.Score < 0.85:
		v.Decision = DecisionAllow
	default:
		v.Decision = DecisionPromote
	}
	return v
}

func metaString(g *types.Goal, key string) string {
	if g.Metadata == nil {
		return ""
	}
	s, _ := g.Metadata[key].(string)
	return s
}

func metaFloat(g *types.Goal, key string) (float64, bool) {
	if g.Metadata == nil {
		return 0, false
	}
	switch n := g.Metadata[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
