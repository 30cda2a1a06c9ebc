// Package supervisor owns the arbiter population: ordered startup,
// heartbeat liveness monitoring, policy-driven restarts with capped
// exponential backoff, and reverse-order shutdown.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"arbiterd/internal/bus"
	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// Policy controls what the supervisor does when a child dies.
type Policy string

const (
	// PolicyPermanent children are restarted on any failure.
	PolicyPermanent Policy = "permanent"
	// PolicyTransient children are restarted only on abnormal failure
	// (missed heartbeats); a supervisor-initiated stop is final.
	PolicyTransient Policy = "transient"
	// PolicyTemporary children are never restarted.
	PolicyTemporary Policy = "temporary"
)

// Child is the supervised contract. Arbiters satisfy it directly.
type Child interface {
	bus.Handler
	Shutdown(ctx context.Context) error
	Health() types.Health
}

// ChildSpec declares one supervised child. Start must build, register
// nothing, and return an initialized child; the supervisor handles bus
// registration itself so ordering stays under its control.
type ChildSpec struct {
	Name   string
	Policy Policy
	Meta   bus.PeerMeta
	Start  func(ctx context.Context) (Child, error)
}

// Config tunes liveness detection and restart pacing.
type Config struct {
	HeartbeatDeadline time.Duration // missed-heartbeat threshold
	CheckInterval     time.Duration // monitor tick
	BackoffBase       time.Duration // first restart delay
	BackoffMax        time.Duration // delay ceiling
	MaxRestarts       int           // within RestartWindow before giving up
	RestartWindow     time.Duration
}

// DefaultConfig returns conservative production pacing.
func DefaultConfig() Config {
	return Config{
		HeartbeatDeadline: 30 * time.Second,
		CheckInterval:     5 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        2 * time.Minute,
		MaxRestarts:       5,
		RestartWindow:     10 * time.Minute,
	}
}

type childState struct {
	spec  ChildSpec
	child Child

	restarts    []time.Time // restart timestamps inside the window
	gaveUp      bool
	restartOnce sync.Mutex // serializes restart attempts per child
}

// Supervisor starts, watches and restarts its children.
type Supervisor struct {
	cfg Config
	bus *bus.Bus

	mu    sync.Mutex
	order []string // registration order, for reverse shutdown
	kids  map[string]*childState

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Injectable for deterministic tests.
	randFloat func() float64
}

// New creates a supervisor over the given bus.
func New(cfg Config, b *bus.Bus) *Supervisor {
	if cfg.CheckInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		cfg:       cfg,
		bus:       b,
		kids:      make(map[string]*childState),
		stopCh:    make(chan struct{}),
		randFloat: rand.Float64,
	}
}

// Add declares a child. Children start in Add order when Start runs; Add
// after Start launches the child immediately.
func (s *Supervisor) Add(ctx context.Context, spec ChildSpec) error {
	s.mu.Lock()
	if _, dup := s.kids[spec.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: duplicate child %s", spec.Name)
	}
	st := &childState{spec: spec}
	s.kids[spec.Name] = st
	s.order = append(s.order, spec.Name)
	live := s.running.Load()
	s.mu.Unlock()

	if live {
		return s.startChild(ctx, st)
	}
	return nil
}

// Start launches every declared child in order, then begins liveness
// monitoring. A child that fails to start aborts startup; already-started
// children are shut down in reverse.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}

	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	started := make([]string, 0, len(order))
	for _, name := range order {
		s.mu.Lock()
		st := s.kids[name]
		s.mu.Unlock()
		if err := s.startChild(ctx, st); err != nil {
			logging.Get(logging.CategorySupervisor).Error("start %s: %v", name, err)
			s.stopNames(ctx, reversed(started))
			s.running.Store(false)
			return fmt.Errorf("supervisor: start %s: %w", name, err)
		}
		started = append(started, name)
	}

	s.wg.Add(1)
	go s.monitor()
	logging.Supervisor("started %d children", len(started))
	return nil
}

// Stop shuts down all children in reverse registration order, then stops
// monitoring. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	s.stopNames(ctx, reversed(order))
	logging.Supervisor("stopped")
}

// Children returns the currently live child names.
func (s *Supervisor) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.kids))
	for name, st := range s.kids {
		if st.child != nil && !st.gaveUp {
			out = append(out, name)
		}
	}
	return out
}

// startChild builds the child and registers it on the bus.
func (s *Supervisor) startChild(ctx context.Context, st *childState) error {
	child, err := st.spec.Start(ctx)
	if err != nil {
		return err
	}
	if err := s.bus.Register(st.spec.Name, child, st.spec.Meta); err != nil {
		_ = child.Shutdown(ctx)
		return err
	}
	s.mu.Lock()
	st.child = child
	s.mu.Unlock()
	logging.Supervisor("child %s up (policy=%s)", st.spec.Name, st.spec.Policy)
	return nil
}

func (s *Supervisor) stopNames(ctx context.Context, names []string) {
	for _, name := range names {
		s.mu.Lock()
		st := s.kids[name]
		child := st.child
		st.child = nil
		s.mu.Unlock()
		if child == nil {
			continue
		}
		if err := child.Shutdown(ctx); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("shutdown %s: %v", name, err)
		}
		s.bus.Unregister(name)
	}
}

// monitor watches heartbeats and triggers policy-driven restarts.
func (s *Supervisor) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) checkLiveness() {
	s.mu.Lock()
	states := make([]*childState, 0, len(s.kids))
	for _, st := range s.kids {
		if st.child != nil && !st.gaveUp {
			states = append(states, st)
		}
	}
	s.mu.Unlock()

	for _, st := range states {
		seen, ok := s.bus.LastSeen(st.spec.Name)
		if ok && time.Since(seen) <= s.cfg.HeartbeatDeadline {
			continue
		}
		logging.Get(logging.CategorySupervisor).Warn("child %s missed heartbeat deadline", st.spec.Name)
		switch st.spec.Policy {
		case PolicyPermanent, PolicyTransient:
			s.wg.Add(1)
			go func(st *childState) {
				defer s.wg.Done()
				s.restart(st)
			}(st)
		case PolicyTemporary:
			s.retire(st)
		}
	}
}

// restart tears the child down and brings it back after a jittered,
// capped exponential backoff. A Start that errors burns an attempt like a
// crash does, and the loop keeps retrying until the child comes up or
// MaxRestarts inside RestartWindow is spent, which retires it.
func (s *Supervisor) restart(st *childState) {
	st.restartOnce.Lock()
	defer st.restartOnce.Unlock()

	s.mu.Lock()
	if st.child == nil || st.gaveUp {
		s.mu.Unlock()
		return
	}
	child := st.child
	st.child = nil
	s.mu.Unlock()

	ctx := context.Background()
	if err := child.Shutdown(ctx); err != nil {
		logging.Get(logging.CategorySupervisor).Warn("restart shutdown %s: %v", st.spec.Name, err)
	}
	s.bus.Unregister(st.spec.Name)

	for {
		s.mu.Lock()
		now := time.Now()
		recent := st.restarts[:0]
		for _, t := range st.restarts {
			if now.Sub(t) <= s.cfg.RestartWindow {
				recent = append(recent, t)
			}
		}
		st.restarts = recent
		attempt := len(st.restarts)
		if attempt >= s.cfg.MaxRestarts {
			s.mu.Unlock()
			logging.Get(logging.CategorySupervisor).Error("child %s exceeded %d restarts, giving up", st.spec.Name, s.cfg.MaxRestarts)
			s.retire(st)
			return
		}
		st.restarts = append(st.restarts, now)
		s.mu.Unlock()

		delay := s.backoff(attempt)
		logging.Supervisor("restarting %s in %s (attempt %d)", st.spec.Name, delay, attempt+1)
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		err := s.startChild(ctx, st)
		if err == nil {
			return
		}
		logging.Get(logging.CategorySupervisor).Error("restart %s failed: %v", st.spec.Name, err)
	}
}

// retire permanently removes a child from supervision.
func (s *Supervisor) retire(st *childState) {
	s.mu.Lock()
	child := st.child
	st.child = nil
	st.gaveUp = true
	s.mu.Unlock()

	if child != nil {
		if err := child.Shutdown(context.Background()); err != nil {
			logging.Get(logging.CategorySupervisor).Warn("retire %s: %v", st.spec.Name, err)
		}
		s.bus.Unregister(st.spec.Name)
	}
	logging.Supervisor("child %s retired", st.spec.Name)
}

// backoff is base*2^attempt with up to 50% added jitter, capped at the
// configured maximum.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			d = s.cfg.BackoffMax
			break
		}
	}
	jittered := d + time.Duration(s.randFloat()*0.5*float64(d))
	if jittered > s.cfg.BackoffMax {
		jittered = s.cfg.BackoffMax
	}
	return jittered
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}
