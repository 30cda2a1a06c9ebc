package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/bus"
	"arbiterd/internal/types"
)

// beatChild heartbeats on demand and records shutdowns.
type beatChild struct {
	name      string
	b         *bus.Bus
	shutdowns atomic.Int32
}

func (c *beatChild) HandleMessage(ctx context.Context, msg types.Message) (interface{}, error) {
	return nil, nil
}

func (c *beatChild) Shutdown(ctx context.Context) error {
	c.shutdowns.Add(1)
	return nil
}

func (c *beatChild) Health() types.Health {
	return types.Health{State: types.HealthHealthy}
}

func (c *beatChild) beat() { _ = c.b.Heartbeat(c.name, c.Health()) }

func fastCfg() Config {
	return Config{
		HeartbeatDeadline: 100 * time.Millisecond,
		CheckInterval:     25 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		MaxRestarts:       3,
		RestartWindow:     time.Minute,
	}
}

func TestSupervisor_StartsInOrderStopsInReverse(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)

	var mu sync.Mutex
	var events []string
	mk := func(name string) ChildSpec {
		return ChildSpec{
			Name:   name,
			Policy: PolicyTemporary,
			Start: func(ctx context.Context) (Child, error) {
				mu.Lock()
				events = append(events, "start:"+name)
				mu.Unlock()
				c := &beatChild{name: name, b: b}
				go func() {
					for range time.Tick(20 * time.Millisecond) {
						c.beat()
					}
				}()
				return c, nil
			},
		}
	}

	require.NoError(t, s.Add(context.Background(), mk("one")))
	require.NoError(t, s.Add(context.Background(), mk("two")))
	require.NoError(t, s.Add(context.Background(), mk("three")))
	require.NoError(t, s.Start(context.Background()))

	assert.ElementsMatch(t, []string{"one", "two", "three"}, b.Peers())
	mu.Lock()
	assert.Equal(t, []string{"start:one", "start:two", "start:three"}, events)
	mu.Unlock()

	s.Stop(context.Background())
	assert.Empty(t, b.Peers())
}

func TestSupervisor_StartFailureRollsBack(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)

	good := &beatChild{name: "good", b: b}
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "good", Policy: PolicyTemporary,
		Start: func(ctx context.Context) (Child, error) { return good, nil },
	}))
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "bad", Policy: PolicyTemporary,
		Start: func(ctx context.Context) (Child, error) { return nil, errors.New("no disk") },
	}))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, b.Peers())
	assert.Equal(t, int32(1), good.shutdowns.Load())
}

func TestSupervisor_PermanentRestartsOnMissedHeartbeat(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)

	var starts atomic.Int32
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "flappy", Policy: PolicyPermanent,
		Start: func(ctx context.Context) (Child, error) {
			starts.Add(1)
			// Never heartbeats, so the deadline always trips.
			return &beatChild{name: "flappy", b: b}, nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return starts.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSupervisor_TemporaryNeverRestarts(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)

	var starts atomic.Int32
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "once", Policy: PolicyTemporary,
		Start: func(ctx context.Context) (Child, error) {
			starts.Add(1)
			return &beatChild{name: "once", b: b}, nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// Missed deadline retires the child instead of restarting it.
	require.Eventually(t, func() bool {
		return len(s.Children()) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())
	assert.Empty(t, b.Peers())
}

func TestSupervisor_GivesUpAfterMaxRestarts(t *testing.T) {
	b := bus.New()
	defer b.Close()
	cfg := fastCfg()
	cfg.MaxRestarts = 2
	s := New(cfg, b)

	var starts atomic.Int32
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "doomed", Policy: PolicyPermanent,
		Start: func(ctx context.Context) (Child, error) {
			starts.Add(1)
			return &beatChild{name: "doomed", b: b}, nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(s.Children()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	// Initial start plus at most MaxRestarts attempts.
	assert.LessOrEqual(t, starts.Load(), int32(3))
}

func TestSupervisor_FailedRestartKeepsRetrying(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)

	// First start succeeds but never heartbeats; the next Start errors once,
	// then recovers. The failed attempt must not strand the child.
	var starts atomic.Int32
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "wobbly", Policy: PolicyPermanent,
		Start: func(ctx context.Context) (Child, error) {
			n := starts.Add(1)
			if n == 2 {
				return nil, errors.New("port in use")
			}
			return &beatChild{name: "wobbly", b: b}, nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return starts.Load() >= 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisor_FailedRestartsExhaustBudgetAndRetire(t *testing.T) {
	b := bus.New()
	defer b.Close()
	cfg := fastCfg()
	cfg.MaxRestarts = 2
	s := New(cfg, b)

	var starts atomic.Int32
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "bricked", Policy: PolicyPermanent,
		Start: func(ctx context.Context) (Child, error) {
			if starts.Add(1) > 1 {
				return nil, errors.New("config gone")
			}
			return &beatChild{name: "bricked", b: b}, nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// Initial start plus exactly MaxRestarts failed attempts, then nothing.
	require.Eventually(t, func() bool {
		return starts.Load() >= 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool {
		return starts.Load() > 3
	}, 500*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, s.Children())
	assert.Empty(t, b.Peers())
}

func TestSupervisor_BackoffCapped(t *testing.T) {
	s := New(fastCfg(), bus.New())
	s.randFloat = func() float64 { return 1.0 }

	assert.LessOrEqual(t, s.backoff(0), 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, s.backoff(10))
}

func TestSupervisor_AddWhileRunning(t *testing.T) {
	b := bus.New()
	defer b.Close()
	s := New(fastCfg(), b)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	c := &beatChild{name: "late", b: b}
	require.NoError(t, s.Add(context.Background(), ChildSpec{
		Name: "late", Policy: PolicyTemporary,
		Start: func(ctx context.Context) (Child, error) { return c, nil },
	}))
	assert.Contains(t, b.Peers(), "late")
}
