// Package breaker implements a per-arbiter circuit breaker with half-open
// probing and jittered reset delays. Jitter prevents synchronized retry storms
// across clones of the same arbiter.
package breaker

import (
	"math/rand"
	"sync"
	"time"

	"arbiterd/internal/stats"
	"arbiterd/internal/types"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config controls thresholds and timing.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open probes before closing
	ResetTimeout     time.Duration // base delay before a half-open probe
	Jitter           float64       // extra delay factor: rand(0, Jitter*ResetTimeout)
	HistorySize      int           // bounded state-change history
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		Jitter:           0.2,
		HistorySize:      32,
	}
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Breaker is a three-state circuit breaker. Owned by a single arbiter; safe
// for concurrent use anyway.
type Breaker struct {
	mu sync.Mutex

	cfg         Config
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	history     *stats.Ring[Transition]

	// injectable for tests
	now  func() time.Time
	rand func() float64
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	return &Breaker{
		cfg:     cfg,
		state:   StateClosed,
		history: stats.NewRing[Transition](cfg.HistorySize),
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// State returns the current state, applying the OPEN -> HALF_OPEN timeout
// check lazily.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under breaker protection. When the circuit is open and the
// reset delay has not elapsed, fallback is invoked if provided, otherwise a
// CIRCUIT_OPEN error is returned.
func (b *Breaker) Execute(op func() error, fallback func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			if fallback != nil {
				return fallback()
			}
			return types.NewKindError(types.KindCircuitOpen, "breaker.Execute")
		}
		// Delay elapsed: probe.
		b.transition(StateHalfOpen)
		b.successes = 0
	case StateHalfOpen, StateClosed:
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// NextAttempt returns when the next half-open probe may run. Zero when the
// breaker is not open.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.nextAttempt
}

// History returns the recorded state transitions, oldest first.
func (b *Breaker) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.All()
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	return b.State() == StateOpen
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// open transitions to OPEN with a fresh jittered delay.
func (b *Breaker) open() {
	b.transition(StateOpen)
	delay := b.cfg.ResetTimeout
	if b.cfg.Jitter > 0 {
		delay += time.Duration(b.rand() * b.cfg.Jitter * float64(b.cfg.ResetTimeout))
	}
	b.nextAttempt = b.now().Add(delay)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.history.Add(Transition{From: b.state, To: to, At: b.now()})
	b.state = to
}
