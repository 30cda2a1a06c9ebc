package goals

import (
	"context"
	"fmt"
	"time"

	"arbiterd/internal/arbiter"
	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// =============================================================================
// PLANNER ARBITER
// =============================================================================
// The planner joins the bus as a full arbiter. External goal management
// messages map to CRUD; system observations map to autonomous proposals that
// pass the reality-check gate; conflicting positions are mediated by the
// risk/opportunity matrix.

// ArbiterName is the planner's bus identity.
const ArbiterName = "goal-planner"

// NewArbiter wraps the planner in an arbiter.Base with every goal-facing
// message type bound.
func NewArbiter(p *Planner, cfg arbiter.Config, deps arbiter.Deps) (*arbiter.Base, error) {
	if cfg.Name == "" {
		cfg.Name = ArbiterName
	}
	cfg.Role = types.RolePlanner
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []types.Capability{types.CapPlan, types.CapMemorize, types.CapRecall}
	}

	base, err := arbiter.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	bindHandlers(base, p)
	return base, nil
}

func bindHandlers(base *arbiter.Base, p *Planner) {
	base.RegisterHandler(types.MsgCreateGoal, p.handleCreateGoal)
	base.RegisterHandler(types.MsgUpdateGoalProgress, p.handleUpdateProgress)
	base.RegisterHandler(types.MsgQueryGoals, p.handleQueryGoals)
	base.RegisterHandler(types.MsgCancelGoal, p.handleCancelGoal)

	base.RegisterHandler(types.MsgVelocityReport, p.handleVelocityReport)
	base.RegisterHandler(types.MsgCodeAnalysis, p.handleCodeAnalysis)
	base.RegisterHandler(types.MsgMemoryMetrics, p.handleMemoryMetrics)
	base.RegisterHandler(types.MsgFitnessScoreUpdate, p.handleFitnessUpdate)
	base.RegisterHandler(types.MsgDiscoveryComplete, p.handleDiscovery)
	base.RegisterHandler(types.MsgContradiction, p.handleContradiction)
	base.RegisterHandler(types.MsgPracticeReminder, p.handleSkillSignal)
	base.RegisterHandler(types.MsgSkillDegraded, p.handleSkillSignal)
	base.RegisterHandler(types.MsgResourcePressure, p.handleResourcePressure)

	base.RegisterHandler(types.MsgArbitrationRequest, p.handleArbitration)
	base.RegisterHandler(types.MsgGoalConcern, p.handleArbitration)
	base.RegisterHandler(types.MsgGoalEnhancement, p.handleArbitration)

	base.RegisterHandler(types.MsgPlanningPulse, p.handlePlanningPulse)
	base.RegisterHandler(types.MsgTimePulse, p.handleTimePulse)
}

// -----------------------------------------------------------------------------
// External goal management
// -----------------------------------------------------------------------------

func (p *Planner) handleCreateGoal(ctx context.Context, msg types.Message) (interface{}, error) {
	g, err := goalFromPayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	created, err := p.CreateGoal(g)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"goalId": created.ID, "status": string(created.Status), "priority": created.Priority}, nil
}

func (p *Planner) handleUpdateProgress(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	id, _ := m["goalId"].(string)
	progress, ok := asFloat(m["progress"])
	if id == "" || !ok {
		return nil, fmt.Errorf("update_goal_progress requires goalId and progress")
	}
	if err := p.UpdateProgress(id, progress); err != nil {
		return nil, err
	}
	g, _ := p.Get(id)
	return map[string]interface{}{"goalId": id, "status": string(g.Status), "progress": g.Metrics.Progress}, nil
}

func (p *Planner) handleQueryGoals(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	if status, _ := m["status"].(string); status != "" {
		return p.ByStatus(types.GoalStatus(status)), nil
	}
	return p.Active(), nil
}

func (p *Planner) handleCancelGoal(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	id, _ := m["goalId"].(string)
	if id == "" {
		return nil, fmt.Errorf("cancel_goal requires goalId")
	}
	if err := p.Cancel(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"goalId": id, "status": string(types.GoalDeferred)}, nil
}

// -----------------------------------------------------------------------------
// System observations -> autonomous proposals
// -----------------------------------------------------------------------------

func (p *Planner) handleVelocityReport(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	velocity, ok := asFloat(m["velocity"])
	if !ok || velocity >= 0.5 {
		return map[string]interface{}{"action": "none"}, nil
	}
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalTactical,
		Category:    "performance",
		Title:       "Recover delivery velocity below target",
		Description: fmt.Sprintf("Observed velocity %.2f under the 0.50 floor; investigate queue depth and task sizing.", velocity),
		Metrics:     types.GoalMetrics{Target: 0.5},
		Metadata:    map[string]interface{}{"signal": types.MsgVelocityReport, "confidence": 0.7},
	})
}

func (p *Planner) handleCodeAnalysis(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	issues, _ := asFloat(m["issues"])
	if issues < 10 {
		return map[string]interface{}{"action": "none"}, nil
	}
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalOperational,
		Category:    "maintenance",
		Title:       "Reduce outstanding analysis findings",
		Description: fmt.Sprintf("Code analysis reported %.0f findings; schedule cleanup of the worst hotspots.", issues),
		Metrics:     types.GoalMetrics{Target: issues / 2},
		Metadata:    map[string]interface{}{"signal": types.MsgCodeAnalysis, "confidence": 0.8},
	})
}

func (p *Planner) handleMemoryMetrics(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	usage, ok := asFloat(m["usageRatio"])
	if !ok || usage <= 0.8 {
		return map[string]interface{}{"action": "none"}, nil
	}
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalOperational,
		Category:    "reliability",
		Title:       "Relieve memory tier pressure",
		Description: fmt.Sprintf("Memory usage ratio %.2f exceeds 0.80; run cold-tier cleanup and tighten hot TTLs.", usage),
		Metrics:     types.GoalMetrics{Target: 0.7},
		Metadata:    map[string]interface{}{"signal": types.MsgMemoryMetrics, "confidence": 0.8},
	})
}

func (p *Planner) handleFitnessUpdate(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	score, ok := asFloat(m["score"])
	if !ok || score >= 0.5 {
		return map[string]interface{}{"action": "none"}, nil
	}
	due := p.now().Add(14 * 24 * time.Hour)
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalStrategic,
		Category:    "learning",
		Title:       "Raise system fitness score above threshold",
		Description: fmt.Sprintf("Fitness dropped to %.2f; review strategy selection and replay recent failures.", score),
		Metrics:     types.GoalMetrics{Target: 0.5},
		DueDate:     &due,
		Metadata:    map[string]interface{}{"signal": types.MsgFitnessScoreUpdate, "confidence": 0.7},
	})
}

func (p *Planner) handleDiscovery(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	topic, _ := m["topic"].(string)
	if topic == "" {
		return map[string]interface{}{"action": "none"}, nil
	}
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalTactical,
		Category:    "learning",
		Title:       fmt.Sprintf("Integrate discovered material on %s", topic),
		Description: fmt.Sprintf("Discovery pass surfaced new material for %q; index and relate it to existing knowledge.", topic),
		Metrics:     types.GoalMetrics{Target: 1},
		Metadata:    map[string]interface{}{"signal": types.MsgDiscoveryComplete, "confidence": 0.6},
	})
}

func (p *Planner) handleContradiction(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	subject, _ := m["subject"].(string)
	due := p.now().Add(2 * 24 * time.Hour)
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalOperational,
		Category:    "reliability",
		Title:       "Reconcile contradictory stored knowledge",
		Description: fmt.Sprintf("Contradiction detected (%s); verify sources and evict the losing record.", subject),
		Metrics:     types.GoalMetrics{Target: 1},
		DueDate:     &due,
		Metadata:    map[string]interface{}{"signal": types.MsgContradiction, "confidence": 0.9},
	})
}

func (p *Planner) handleSkillSignal(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	skill, _ := m["skill"].(string)
	if skill == "" {
		return map[string]interface{}{"action": "none"}, nil
	}
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalTactical,
		Category:    "learning",
		Title:       fmt.Sprintf("Practice degraded skill %s", skill),
		Description: fmt.Sprintf("Skill %q flagged by %s; schedule focused practice and re-measure.", skill, msg.Type),
		Metrics:     types.GoalMetrics{Target: 1},
		Metadata:    map[string]interface{}{"signal": msg.Type, "confidence": 0.6},
	})
}

func (p *Planner) handleResourcePressure(ctx context.Context, msg types.Message) (interface{}, error) {
	due := p.now().Add(24 * time.Hour)
	return p.proposeFromSignal(types.Goal{
		Type:        types.GoalOperational,
		Category:    "reliability",
		Title:       "Shed load under critical resource pressure",
		Description: "Resource pressure reported critical; pause non-essential sessions and clear eviction backlogs.",
		Priority:    90,
		Metrics:     types.GoalMetrics{Target: 1},
		DueDate:     &due,
		Metadata:    map[string]interface{}{"signal": types.MsgResourcePressure, "confidence": 0.95},
	})
}

// proposeFromSignal runs the autonomous path and flattens the result for a
// bus reply. Duplicate and nemesis rejections are replies, not errors: the
// observing arbiter did nothing wrong.
func (p *Planner) proposeFromSignal(g types.Goal) (interface{}, error) {
	created, err := p.ProposeGoal(g)
	if err != nil {
		if dup, ok := err.(*DuplicateError); ok {
			return map[string]interface{}{"action": "duplicate", "existingGoalId": dup.ExistingGoalID}, nil
		}
		if types.IsKind(err, types.KindNemesisRejected) {
			return map[string]interface{}{"action": "rejected", "reason": err.Error()}, nil
		}
		return nil, err
	}
	return map[string]interface{}{"action": "created", "goalId": created.ID, "status": string(created.Status)}, nil
}

// -----------------------------------------------------------------------------
// Mediation
// -----------------------------------------------------------------------------

// MediationDecision is the risk/opportunity matrix outcome.
type MediationDecision string

const (
	ApproveProgressive  MediationDecision = "approve_progressive"
	ApproveConservative MediationDecision = "approve_conservative"
	Compromise          MediationDecision = "compromise"
	Monitor             MediationDecision = "monitor"
)

// Mediate resolves a conservative-vs-progressive conflict.
func Mediate(risk, opportunity float64) MediationDecision {
	switch {
	case opportunity > 0.7 && risk < 0.5:
		return ApproveProgressive
	case risk > 0.7 && opportunity < 0.5:
		return ApproveConservative
	case risk > 0.5 && opportunity > 0.5:
		return Compromise
	default:
		return Monitor
	}
}

func (p *Planner) handleArbitration(ctx context.Context, msg types.Message) (interface{}, error) {
	m := asMap(msg.Payload)
	risk, _ := asFloat(m["risk"])
	opportunity, _ := asFloat(m["opportunity"])
	decision := Mediate(risk, opportunity)
	logging.GoalsDebug("mediation for %s: risk=%.2f opportunity=%.2f -> %s", msg.From, risk, opportunity, decision)
	return map[string]interface{}{"decision": string(decision), "risk": risk, "opportunity": opportunity}, nil
}

// -----------------------------------------------------------------------------
// Pulses
// -----------------------------------------------------------------------------

func (p *Planner) handlePlanningPulse(ctx context.Context, msg types.Message) (interface{}, error) {
	p.RunPlanningCycle()
	return map[string]interface{}{"stalled": p.Stalled(), "active": len(p.Active())}, nil
}

func (p *Planner) handleTimePulse(ctx context.Context, msg types.Message) (interface{}, error) {
	if p.cfg.StateDir != "" {
		if err := p.Save(); err != nil {
			logging.Get(logging.CategoryGoals).Warn("time pulse save failed: %v", err)
		}
	}
	return map[string]interface{}{"acknowledged": true}, nil
}

// -----------------------------------------------------------------------------
// Payload coercion
// -----------------------------------------------------------------------------

func asMap(payload interface{}) map[string]interface{} {
	if m, ok := payload.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// goalFromPayload accepts either a typed Goal or the wire map shape.
func goalFromPayload(payload interface{}) (types.Goal, error) {
	switch v := payload.(type) {
	case types.Goal:
		return v, nil
	case *types.Goal:
		return *v, nil
	case map[string]interface{}:
		g := types.Goal{
			Title:       stringOf(v["title"]),
			Description: stringOf(v["description"]),
			Category:    stringOf(v["category"]),
			Type:        types.GoalType(stringOf(v["type"])),
		}
		if pr, ok := asFloat(v["priority"]); ok {
			g.Priority = pr
		}
		if target, ok := asFloat(v["target"]); ok {
			g.Metrics.Target = target
		}
		if due := stringOf(v["dueDate"]); due != "" {
			if t, err := time.Parse(time.RFC3339, due); err == nil {
				g.DueDate = &t
			}
		}
		if g.Title == "" {
			return types.Goal{}, fmt.Errorf("create_goal payload missing title")
		}
		return g, nil
	default:
		return types.Goal{}, fmt.Errorf("unsupported create_goal payload %T", payload)
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}
