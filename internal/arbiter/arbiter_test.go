package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/breaker"
	"arbiterd/internal/bus"
	"arbiterd/internal/types"
)

func validCfg(name string) Config {
	return Config{
		Name:         name,
		Role:         types.RoleWorker,
		Capabilities: []types.Capability{types.CapMemorize, types.CapRecall},
		Breaker:      breaker.DefaultConfig(),
	}
}

// fakeMemory implements Memory in-process.
type fakeMemory struct {
	mu      sync.Mutex
	stored  []string
	err     error
	delay   time.Duration
	records []types.MemoryRecord
}

func (f *fakeMemory) Remember(ctx context.Context, content string, meta map[string]interface{}) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.stored = append(f.stored, content)
	f.mu.Unlock()
	return fmt.Sprintf("rec-%d", len(f.stored)), nil
}

func (f *fakeMemory) Recall(ctx context.Context, query string, k int) ([]types.MemoryRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type initCustom struct {
	initErr error
	inits   int
}

func (c *initCustom) OnInitialize(ctx context.Context) error {
	c.inits++
	return c.initErr
}

func TestNew_ReportsEveryOffense(t *testing.T) {
	cfg := Config{
		Name:           "",
		Role:           "astronaut",
		Capabilities:   []types.Capability{"levitate"},
		MaxMicroAgents: 9999,
	}
	_, err := New(cfg, Deps{})
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.KindConfigValidation))

	var kerr *types.KindError
	require.True(t, errors.As(err, &kerr))
	offenses, ok := kerr.Context["offenses"].([]string)
	require.True(t, ok)
	// name blank, role unknown, capability unknown, cap above maximum.
	assert.Len(t, offenses, 4)
}

func TestNew_RejectsReservedNames(t *testing.T) {
	_, err := New(validCfg(types.Broadcast), Deps{})
	require.Error(t, err)
	_, err = New(validCfg(types.SystemSender), Deps{})
	require.Error(t, err)
}

func TestInitialize_Lifecycle(t *testing.T) {
	custom := &initCustom{}
	a, err := New(validCfg("alpha"), Deps{Custom: custom})
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, a.Status())

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, types.StatusActive, a.Status())
	assert.Equal(t, 1, custom.inits)

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, types.StatusOffline, a.Status())
}

func TestInitialize_HookFailure(t *testing.T) {
	custom := &initCustom{initErr: errors.New("boom")}
	a, err := New(validCfg("alpha"), Deps{Custom: custom})
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInitFailed))
	assert.Equal(t, types.StatusError, a.Status())
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, types.StatusOffline, a.Status())
}

func TestHandleMessage_UnknownTypeAcknowledges(t *testing.T) {
	a, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)

	res, err := a.HandleMessage(context.Background(), types.Message{Type: "weird", From: "x"})
	require.NoError(t, err)
	m, ok := res.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, m["acknowledged"])
}

func TestHandleMessage_RegisteredHandler(t *testing.T) {
	a, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)

	a.RegisterHandler("ping", func(ctx context.Context, msg types.Message) (interface{}, error) {
		return "pong", nil
	})
	res, err := a.HandleMessage(context.Background(), types.Message{Type: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res)
}

func TestMemorize_StoresAndMeasures(t *testing.T) {
	mem := &fakeMemory{}
	a, err := New(validCfg("alpha"), Deps{Memory: mem})
	require.NoError(t, err)

	id, err := a.Memorize(context.Background(), "observed a thing", nil)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
}

func TestMemorize_RateLimited(t *testing.T) {
	cfg := validCfg("alpha")
	cfg.MemorizeLimit = RateLimit{Count: 2, Period: time.Hour}
	a, err := New(cfg, Deps{Memory: &fakeMemory{}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := a.Memorize(context.Background(), "x", nil)
		require.NoError(t, err)
	}
	_, err = a.Memorize(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindResourceExhausted))
}

func TestMemorize_TimeoutKind(t *testing.T) {
	cfg := validCfg("alpha")
	cfg.OperationTimeout = 30 * time.Millisecond
	a, err := New(cfg, Deps{Memory: &fakeMemory{delay: time.Second}})
	require.NoError(t, err)

	_, err = a.Memorize(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTimeout))
}

func TestMemorize_BreakerOpensAfterFailures(t *testing.T) {
	cfg := validCfg("alpha")
	cfg.Breaker = breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Hour}
	a, err := New(cfg, Deps{Memory: &fakeMemory{err: errors.New("store down")}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = a.Memorize(context.Background(), "x", nil)
	}
	_, err = a.Memorize(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindCircuitOpen))
	assert.True(t, a.Health().BreakerOpen)
	assert.Equal(t, types.HealthDegraded, a.Health().State)
}

func TestRecall_TruncatesToK(t *testing.T) {
	mem := &fakeMemory{records: []types.MemoryRecord{
		{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"},
	}}
	a, err := New(validCfg("alpha"), Deps{Memory: mem})
	require.NoError(t, err)

	recs, err := a.Recall(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSpawnMicroAgent_CapWithReaping(t *testing.T) {
	cfg := validCfg("alpha")
	cfg.MaxMicroAgents = 2
	a, err := New(cfg, Deps{})
	require.NoError(t, err)

	block := make(chan struct{})
	for i := 0; i < 2; i++ {
		_, err := a.SpawnMicroAgent(context.Background(), "task", "wait", func(ctx context.Context) error {
			<-block
			return nil
		})
		require.NoError(t, err)
	}

	_, err = a.SpawnMicroAgent(context.Background(), "task", "overflow", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindResourceExhausted))

	// Once the blocked agents finish, their slots are reapable.
	close(block)
	require.Eventually(t, func() bool {
		for _, m := range a.MicroAgents() {
			if !m.Terminal() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = a.SpawnMicroAgent(context.Background(), "task", "fits now", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestMicroAgent_SignalCancels(t *testing.T) {
	a, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)

	m, err := a.SpawnMicroAgent(context.Background(), "task", "loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	m.Signal()
	require.NoError(t, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Wait(ctx)
		return ctx.Err()
	}())
	assert.Equal(t, MicroCanceled, m.Status())
}

func TestClone_GenerationAndCap(t *testing.T) {
	b := bus.New()
	defer b.Close()

	cfg := validCfg("alpha")
	cfg.MaxClones = 2
	a, err := New(cfg, Deps{Bus: b})
	require.NoError(t, err)
	require.NoError(t, b.Register("alpha", a, bus.PeerMeta{Role: cfg.Role}))
	require.NoError(t, a.Initialize(context.Background()))

	c1, err := a.Clone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c1.Generation())
	assert.Equal(t, "alpha", c1.ParentID())
	assert.Contains(t, b.Peers(), c1.Name())

	_, err = a.Clone(context.Background())
	require.NoError(t, err)

	_, err = a.Clone(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindResourceExhausted))

	// Shutdown cascades: clones go offline and leave the bus.
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, types.StatusOffline, c1.Status())
	assert.NotContains(t, b.Peers(), c1.Name())
}

func TestHealth_HealthyByDefault(t *testing.T) {
	a, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)

	h := a.Health()
	assert.Equal(t, types.HealthHealthy, h.State)
	assert.False(t, h.BreakerOpen)
	assert.LessOrEqual(t, h.Load, 1.0)
}

func TestDNA_StableAndDistinct(t *testing.T) {
	a1, err := New(validCfg("alpha"), Deps{})
	require.NoError(t, err)
	a2, err := New(validCfg("beta"), Deps{})
	require.NoError(t, err)

	assert.Equal(t, a1.DNA(), a1.DNA())
	assert.NotEqual(t, a1.DNA(), a2.DNA())
}
