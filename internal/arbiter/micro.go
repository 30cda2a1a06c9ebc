package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiterd/internal/types"
)

// =============================================================================
// MICRO-AGENTS
// =============================================================================
// A micro-agent is a short-lived task goroutine owned by one arbiter. Slots
// are bounded; terminal agents are reaped lazily on the next spawn.

// MicroStatus is the micro-agent lifecycle.
type MicroStatus string

const (
	MicroPending   MicroStatus = "pending"
	MicroRunning   MicroStatus = "running"
	MicroCompleted MicroStatus = "completed"
	MicroFailed    MicroStatus = "failed"
	MicroCanceled  MicroStatus = "canceled"
)

// MicroAgent tracks one spawned task.
type MicroAgent struct {
	ID        string
	Type      string
	Task      string
	CreatedAt time.Time

	mu     sync.Mutex
	status MicroStatus
	err    error

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns the current lifecycle status.
func (m *MicroAgent) Status() MicroStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the task error, nil until the agent fails.
func (m *MicroAgent) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Terminal reports whether the agent finished in any way.
func (m *MicroAgent) Terminal() bool {
	switch m.Status() {
	case MicroCompleted, MicroFailed, MicroCanceled:
		return true
	}
	return false
}

// Signal requests cancellation. Safe on any status.
func (m *MicroAgent) Signal() {
	m.cancel()
}

// Wait blocks until the agent finishes or ctx expires.
func (m *MicroAgent) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MicroAgent) setStatus(s MicroStatus, err error) {
	m.mu.Lock()
	m.status = s
	m.err = err
	m.mu.Unlock()
}

// SpawnMicroAgent launches fn in a bounded slot. When the cap is reached,
// terminal agents are reaped first; a still-full table yields
// RESOURCE_EXHAUSTED rather than queueing.
func (a *Base) SpawnMicroAgent(ctx context.Context, agentType, task string, fn func(ctx context.Context) error) (*MicroAgent, error) {
	if !a.limiter.Check("spawn") {
		return nil, types.NewKindError(types.KindResourceExhausted, "spawn").
			WithContext("reason", "rate limit")
	}

	a.mu.Lock()
	if len(a.micro) >= a.cfg.MaxMicroAgents {
		for id, m := range a.micro {
			if m.Terminal() {
				delete(a.micro, id)
			}
		}
	}
	if len(a.micro) >= a.cfg.MaxMicroAgents {
		a.mu.Unlock()
		a.auditLog.Warn(ctx, "micro-agent cap reached", map[string]interface{}{
			"peer": a.cfg.Name, "maxMicroAgents": a.cfg.MaxMicroAgents,
		})
		return nil, types.NewKindError(types.KindResourceExhausted, "spawn").
			WithContext("maxMicroAgents", a.cfg.MaxMicroAgents)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &MicroAgent{
		ID:        uuid.NewString(),
		Type:      agentType,
		Task:      task,
		CreatedAt: time.Now(),
		status:    MicroPending,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	a.micro[m.ID] = m
	a.mu.Unlock()

	go func() {
		defer close(m.done)
		defer cancel()
		m.setStatus(MicroRunning, nil)
		err := fn(runCtx)
		switch {
		case err == nil:
			m.setStatus(MicroCompleted, nil)
		case runCtx.Err() != nil:
			m.setStatus(MicroCanceled, runCtx.Err())
		default:
			m.setStatus(MicroFailed, err)
			a.countError()
		}
	}()

	a.auditLog.Debug(ctx, "micro-agent spawned", map[string]interface{}{
		"peer": a.cfg.Name, "id": m.ID, "type": agentType,
	})
	return m, nil
}

// MicroAgents returns a snapshot of the agent table.
func (a *Base) MicroAgents() []*MicroAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*MicroAgent, 0, len(a.micro))
	for _, m := range a.micro {
		out = append(out, m)
	}
	return out
}
