package goals

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/arbiter"
	"arbiterd/internal/breaker"
	"arbiterd/internal/bus"
	"arbiterd/internal/types"
)

func plannerArbiter(t *testing.T, b *bus.Bus) (*Planner, *arbiter.Base) {
	t.Helper()
	p := memPlanner(5)
	p.bus = b
	base, err := NewArbiter(p, arbiter.Config{Breaker: breaker.DefaultConfig()}, arbiter.Deps{Bus: b})
	require.NoError(t, err)
	require.NoError(t, b.Register(base.Name(), base, bus.PeerMeta{Role: types.RolePlanner}))
	require.NoError(t, base.Initialize(context.Background()))
	return p, base
}

func TestHandler_CreateGoalOverBus(t *testing.T) {
	b := bus.New()
	defer b.Close()
	p, _ := plannerArbiter(t, b)

	res, err := b.Send(context.Background(), types.Message{
		From: types.SystemSender,
		To:   ArbiterName,
		Type: types.MsgCreateGoal,
		Payload: map[string]interface{}{
			"title":    "index the documentation tree",
			"type":     "operational",
			"category": "maintenance",
			"priority": 60.0,
		},
	})
	require.NoError(t, err)

	reply := res.(map[string]interface{})
	assert.Equal(t, "active", reply["status"])
	g, ok := p.Get(reply["goalId"].(string))
	require.True(t, ok)
	assert.Equal(t, "index the documentation tree", g.Title)
}

func TestHandler_VelocitySignalCreatesGoal(t *testing.T) {
	b := bus.New()
	defer b.Close()
	p, _ := plannerArbiter(t, b)

	res, err := b.Send(context.Background(), types.Message{
		From:    types.SystemSender,
		To:      ArbiterName,
		Type:    types.MsgVelocityReport,
		Payload: map[string]interface{}{"velocity": 0.2},
	})
	require.NoError(t, err)

	reply := res.(map[string]interface{})
	assert.Equal(t, "created", reply["action"])
	assert.Len(t, p.Active(), 1)

	// Healthy velocity produces no goal.
	res, err = b.Send(context.Background(), types.Message{
		From:    types.SystemSender,
		To:      ArbiterName,
		Type:    types.MsgVelocityReport,
		Payload: map[string]interface{}{"velocity": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, "none", res.(map[string]interface{})["action"])
}

func TestHandler_SignalDuplicateIsReplyNotError(t *testing.T) {
	b := bus.New()
	defer b.Close()
	_, _ = plannerArbiter(t, b)

	send := func() map[string]interface{} {
		res, err := b.Send(context.Background(), types.Message{
			From:    types.SystemSender,
			To:      ArbiterName,
			Type:    types.MsgVelocityReport,
			Payload: map[string]interface{}{"velocity": 0.1},
		})
		require.NoError(t, err)
		return res.(map[string]interface{})
	}

	assert.Equal(t, "created", send()["action"])
	second := send()
	assert.Equal(t, "duplicate", second["action"])
	assert.NotEmpty(t, second["existingGoalId"])
}

func TestHandler_ArbitrationDecision(t *testing.T) {
	b := bus.New()
	defer b.Close()
	_, _ = plannerArbiter(t, b)

	res, err := b.Send(context.Background(), types.Message{
		From:    types.SystemSender,
		To:      ArbiterName,
		Type:    types.MsgArbitrationRequest,
		Payload: map[string]interface{}{"risk": 0.2, "opportunity": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, string(ApproveProgressive), res.(map[string]interface{})["decision"])
}

func TestHandler_QueryGoalsByStatus(t *testing.T) {
	b := bus.New()
	defer b.Close()
	p, _ := plannerArbiter(t, b)

	g, err := p.CreateGoal(goal("queried effort", 50))
	require.NoError(t, err)
	require.NoError(t, p.Cancel(g.ID))

	res, err := b.Send(context.Background(), types.Message{
		From:    types.SystemSender,
		To:      ArbiterName,
		Type:    types.MsgQueryGoals,
		Payload: map[string]interface{}{"status": "deferred"},
	})
	require.NoError(t, err)
	assert.Len(t, res.([]types.Goal), 1)
}
