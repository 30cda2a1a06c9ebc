// Package arbiter implements the base arbiter: lifecycle, config validation,
// guarded memory operations, micro-agents, cloning, and derived health. Every
// concrete arbiter (planner, orchestrator, workers) embeds or wraps Base and
// supplies a Custom hook.
package arbiter

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"arbiterd/internal/audit"
	"arbiterd/internal/breaker"
	"arbiterd/internal/bus"
	"arbiterd/internal/logging"
	"arbiterd/internal/ratelimit"
	"arbiterd/internal/stats"
	"arbiterd/internal/types"
)

// RateLimit is a per-operation quota.
type RateLimit struct {
	Count  int
	Period time.Duration
}

// Config holds construction parameters for a base arbiter. Validation runs
// before any other construction step.
type Config struct {
	Name         string
	Role         types.Role
	Capabilities []types.Capability

	MaxMicroAgents  int
	MaxClones       int
	ContextRingSize int

	OperationTimeout time.Duration
	HeartbeatPeriod  time.Duration

	Breaker breaker.Config

	MemorizeLimit RateLimit
	RecallLimit   RateLimit
	SpawnLimit    RateLimit
	CloneLimit    RateLimit

	AuditCapacity int
	AuditLevel    string
}

func (c *Config) applyDefaults() {
	if c.MaxMicroAgents == 0 {
		c.MaxMicroAgents = 16
	}
	if c.MaxClones == 0 {
		c.MaxClones = 4
	}
	if c.ContextRingSize == 0 {
		c.ContextRingSize = 128
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.AuditCapacity == 0 {
		c.AuditCapacity = 512
	}
	if c.AuditLevel == "" {
		c.AuditLevel = "info"
	}
}

// Memory is the tiered store contract the base arbiter calls through its
// guards. The concrete implementation lives in internal/memtier.
type Memory interface {
	Remember(ctx context.Context, content string, meta map[string]interface{}) (string, error)
	Recall(ctx context.Context, query string, k int) ([]types.MemoryRecord, error)
}

// Custom is the per-role hook contract. OnInitialize runs during Initialize;
// a non-nil error fails initialization with INIT_FAILED.
type Custom interface {
	OnInitialize(ctx context.Context) error
}

// MessageHook lets a custom intercept messages before the handler table.
type MessageHook interface {
	OnMessage(ctx context.Context, msg types.Message) (result interface{}, handled bool, err error)
}

// ShutdownHook runs during Shutdown, before the final audit event.
type ShutdownHook interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc processes one message type.
type HandlerFunc func(ctx context.Context, msg types.Message) (interface{}, error)

// Deps are the shared collaborators handed to an arbiter at construction.
// They are plain references, not ownership.
type Deps struct {
	Bus    *bus.Bus
	Memory Memory
	Custom Custom

	// CloneFactory builds the peer created by Clone. When nil, Clone builds
	// a plain Base sharing this arbiter's deps.
	CloneFactory func(cfg Config) (*Base, error)
}

// Base is the common arbiter implementation.
type Base struct {
	cfg        Config
	dna        [32]byte
	generation int
	parentID   string
	createdAt  time.Time

	deps Deps

	// Owned resources.
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	auditLog *audit.Log

	statusMu sync.RWMutex
	status   types.Status

	dispatchMu sync.Mutex // serial message handling per arbiter
	handlers   map[string]HandlerFunc
	handlerMu  sync.RWMutex

	mu          sync.Mutex // guards micro, clones, counters, context ring
	micro       map[string]*MicroAgent
	clones      map[string]*Base
	contextRing *stats.Ring[string]

	memorizeLat *stats.Rolling // milliseconds
	errorCount  int
	timeoutCnt  int

	hbStop   chan struct{}
	hbOnce   sync.Once
	downOnce sync.Once
}

// New validates cfg and constructs an idle arbiter. Validation failure yields
// CONFIG_VALIDATION_ERROR listing every offense.
func New(cfg Config, deps Deps) (*Base, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	now := time.Now()
	a := &Base{
		cfg:         cfg,
		dna:         sha256.Sum256([]byte(fmt.Sprintf("%s|%d", cfg.Name, now.UnixNano()))),
		createdAt:   now,
		deps:        deps,
		breaker:     breaker.New(cfg.Breaker),
		limiter:     ratelimit.New(),
		auditLog:    audit.New(cfg.AuditCapacity, audit.ParseLevel(cfg.AuditLevel)),
		status:      types.StatusIdle,
		handlers:    make(map[string]HandlerFunc),
		micro:       make(map[string]*MicroAgent),
		clones:      make(map[string]*Base),
		contextRing: stats.NewRing[string](cfg.ContextRingSize),
		memorizeLat: stats.NewRolling(256),
		hbStop:      make(chan struct{}),
	}

	for key, lim := range map[string]RateLimit{
		"memorize": cfg.MemorizeLimit,
		"recall":   cfg.RecallLimit,
		"spawn":    cfg.SpawnLimit,
		"clone":    cfg.CloneLimit,
	} {
		if lim.Count > 0 && lim.Period > 0 {
			a.limiter.SetLimit(key, lim.Count, lim.Period)
		}
	}

	logging.Arbiters("constructed arbiter %s (role=%s, gen=%d)", cfg.Name, cfg.Role, a.generation)
	return a, nil
}

// Name returns the unique arbiter name.
func (a *Base) Name() string { return a.cfg.Name }

// Role returns the arbiter role.
func (a *Base) Role() types.Role { return a.cfg.Role }

// Capabilities returns the capability set, constant after construction.
func (a *Base) Capabilities() []types.Capability {
	out := make([]types.Capability, len(a.cfg.Capabilities))
	copy(out, a.cfg.Capabilities)
	return out
}

// Generation returns the clone generation (0 for originals).
func (a *Base) Generation() int { return a.generation }

// ParentID returns the parent name tag, empty for originals.
func (a *Base) ParentID() string { return a.parentID }

// DNA returns the 32-byte identity tag.
func (a *Base) DNA() [32]byte { return a.dna }

// Audit exposes the arbiter's audit log for queries and sink wiring.
func (a *Base) Audit() *audit.Log { return a.auditLog }

// Status returns the current lifecycle status.
func (a *Base) Status() types.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// allowedTransitions is the status DAG, plus the active <-> shutting_down
// exception.
var allowedTransitions = map[types.Status][]types.Status{
	types.StatusIdle:         {types.StatusInitializing},
	types.StatusInitializing: {types.StatusActive, types.StatusError},
	types.StatusActive:       {types.StatusShuttingDown, types.StatusError},
	types.StatusShuttingDown: {types.StatusOffline, types.StatusActive, types.StatusError},
	types.StatusOffline:      {},
	types.StatusError:        {types.StatusShuttingDown, types.StatusOffline},
}

func (a *Base) setStatus(to types.Status) error {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	for _, ok := range allowedTransitions[a.status] {
		if ok == to {
			logging.ArbitersDebug("%s status %s -> %s", a.cfg.Name, a.status, to)
			a.status = to
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", a.status, to)
}

// Initialize drives idle -> initializing -> active, running the custom
// OnInitialize hook. A failing hook yields INIT_FAILED and status error.
func (a *Base) Initialize(ctx context.Context) error {
	if err := a.setStatus(types.StatusInitializing); err != nil {
		return types.WrapKind(types.KindInitFailed, a.cfg.Name, err)
	}
	a.auditLog.Info(ctx, "initializing", map[string]interface{}{"peer": a.cfg.Name})

	if a.deps.Custom != nil {
		if err := a.deps.Custom.OnInitialize(ctx); err != nil {
			_ = a.setStatus(types.StatusError)
			a.auditLog.Error(ctx, "initialization failed", map[string]interface{}{
				"peer": a.cfg.Name, "error": err.Error(),
			})
			return types.WrapKind(types.KindInitFailed, a.cfg.Name, err)
		}
	}

	if err := a.setStatus(types.StatusActive); err != nil {
		return types.WrapKind(types.KindInitFailed, a.cfg.Name, err)
	}

	if a.deps.Bus != nil && a.cfg.HeartbeatPeriod > 0 {
		go a.heartbeatLoop()
	}
	a.auditLog.Info(ctx, "active", map[string]interface{}{"peer": a.cfg.Name})
	return nil
}

// RegisterHandler installs a handler for a message type.
func (a *Base) RegisterHandler(msgType string, fn HandlerFunc) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handlers[msgType] = fn
}

// HandleMessage dispatches on msg.Type. Handling is strictly serial per
// arbiter. Unknown types acknowledge non-fatally.
func (a *Base) HandleMessage(ctx context.Context, msg types.Message) (interface{}, error) {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	a.mu.Lock()
	a.contextRing.Add(fmt.Sprintf("%s:%s", msg.Type, msg.From))
	a.mu.Unlock()

	if hook, ok := a.deps.Custom.(MessageHook); ok {
		if res, handled, err := hook.OnMessage(ctx, msg); handled {
			if err != nil {
				a.countError()
			}
			return res, err
		}
	}

	a.handlerMu.RLock()
	fn, ok := a.handlers[msg.Type]
	a.handlerMu.RUnlock()
	if !ok {
		a.auditLog.Debug(ctx, "unknown message type acknowledged", map[string]interface{}{
			"peer": a.cfg.Name, "type": msg.Type, "from": msg.From,
		})
		return map[string]interface{}{"acknowledged": true, "type": msg.Type}, nil
	}

	res, err := fn(ctx, msg)
	if err != nil {
		a.countError()
		a.auditLog.Warn(ctx, "handler failed", map[string]interface{}{
			"peer": a.cfg.Name, "type": msg.Type, "error": err.Error(),
		})
	}
	return res, err
}

// Memorize stores content through the breaker, rate limiter and operation
// timer. The stored record id is returned.
func (a *Base) Memorize(ctx context.Context, content string, meta map[string]interface{}) (string, error) {
	if a.deps.Memory == nil {
		return "", fmt.Errorf("%s: no memory store attached", a.cfg.Name)
	}
	if !a.limiter.Check("memorize") {
		a.auditLog.Warn(ctx, "memorize rate limited", map[string]interface{}{"peer": a.cfg.Name})
		return "", types.NewKindError(types.KindResourceExhausted, "memorize").
			WithContext("reason", "rate limit")
	}

	start := time.Now()
	var id string
	err := a.breaker.Execute(func() error {
		return a.withTimeout(ctx, "memorize", func(ctx context.Context) error {
			var err error
			id, err = a.deps.Memory.Remember(ctx, content, meta)
			return err
		})
	}, nil)

	elapsed := float64(time.Since(start).Milliseconds())
	a.mu.Lock()
	a.memorizeLat.Add(elapsed)
	a.contextRing.Add(truncate(content, 120))
	a.mu.Unlock()

	if err != nil {
		a.countError()
		return "", err
	}
	return id, nil
}

// Recall queries memory through the same guards, returning at most k records.
func (a *Base) Recall(ctx context.Context, query string, k int) ([]types.MemoryRecord, error) {
	if a.deps.Memory == nil {
		return nil, fmt.Errorf("%s: no memory store attached", a.cfg.Name)
	}
	if !a.limiter.Check("recall") {
		return nil, types.NewKindError(types.KindResourceExhausted, "recall").
			WithContext("reason", "rate limit")
	}
	if k <= 0 {
		k = 5
	}

	var records []types.MemoryRecord
	err := a.breaker.Execute(func() error {
		return a.withTimeout(ctx, "recall", func(ctx context.Context) error {
			var err error
			records, err = a.deps.Memory.Recall(ctx, query, k)
			return err
		})
	}, nil)
	if err != nil {
		a.countError()
		return nil, err
	}
	if len(records) > k {
		records = records[:k]
	}
	return records, nil
}

// withTimeout races op against the configured operation timeout. Expiry
// yields TIMEOUT annotated with the operation label.
func (a *Base) withTimeout(ctx context.Context, label string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, a.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.mu.Lock()
		a.timeoutCnt++
		a.mu.Unlock()
		return types.NewKindError(types.KindTimeout, label).
			WithContext("operation", label).
			WithContext("timeoutMs", a.cfg.OperationTimeout.Milliseconds())
	}
}

// Clone constructs a peer of the same kind one generation above this
// arbiter. Rate-limited and capped by MaxClones.
func (a *Base) Clone(ctx context.Context) (*Base, error) {
	if !a.limiter.Check("clone") {
		return nil, types.NewKindError(types.KindResourceExhausted, "clone").
			WithContext("reason", "rate limit")
	}

	a.mu.Lock()
	if len(a.clones) >= a.cfg.MaxClones {
		a.mu.Unlock()
		a.auditLog.Warn(ctx, "clone cap reached", map[string]interface{}{
			"peer": a.cfg.Name, "maxClones": a.cfg.MaxClones,
		})
		return nil, types.NewKindError(types.KindResourceExhausted, "clone").
			WithContext("maxClones", a.cfg.MaxClones)
	}
	cloneIdx := len(a.clones) + 1
	a.mu.Unlock()

	cfg := a.cfg
	cfg.Name = fmt.Sprintf("%s-clone-%d-%d", a.cfg.Name, a.generation+1, cloneIdx)

	var clone *Base
	var err error
	if a.deps.CloneFactory != nil {
		clone, err = a.deps.CloneFactory(cfg)
	} else {
		clone, err = New(cfg, Deps{Bus: a.deps.Bus, Memory: a.deps.Memory})
	}
	if err != nil {
		return nil, err
	}
	clone.generation = a.generation + 1
	clone.parentID = a.cfg.Name

	if a.deps.Bus != nil {
		if err := a.deps.Bus.Register(clone.cfg.Name, clone, bus.PeerMeta{
			Role:         clone.cfg.Role,
			Capabilities: clone.cfg.Capabilities,
		}); err != nil {
			clone.release()
			return nil, err
		}
	}
	if err := clone.Initialize(ctx); err != nil {
		if a.deps.Bus != nil {
			a.deps.Bus.Unregister(clone.cfg.Name)
		}
		clone.release()
		return nil, err
	}

	a.mu.Lock()
	a.clones[clone.cfg.Name] = clone
	a.mu.Unlock()

	a.auditLog.Info(ctx, "clone created", map[string]interface{}{
		"peer": a.cfg.Name, "clone": clone.cfg.Name, "generation": clone.generation,
	})
	logging.Arbiters("%s cloned -> %s (gen=%d)", a.cfg.Name, clone.cfg.Name, clone.generation)
	return clone, nil
}

// Clones returns the live clone names.
func (a *Base) Clones() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.clones))
	for name := range a.clones {
		names = append(names, name)
	}
	return names
}

// Shutdown is idempotent: stops the heartbeat, recursively shuts down
// clones, signals micro-agents, emits a final audit event and goes offline.
func (a *Base) Shutdown(ctx context.Context) error {
	var err error
	a.downOnce.Do(func() {
		if e := a.setStatus(types.StatusShuttingDown); e != nil {
			// Already offline or never started; keep shutdown idempotent.
			logging.ArbitersDebug("%s shutdown from status %s: %v", a.cfg.Name, a.Status(), e)
		}
		a.hbOnce.Do(func() { close(a.hbStop) })

		a.mu.Lock()
		clones := make([]*Base, 0, len(a.clones))
		for _, c := range a.clones {
			clones = append(clones, c)
		}
		a.clones = make(map[string]*Base)
		agents := make([]*MicroAgent, 0, len(a.micro))
		for _, m := range a.micro {
			agents = append(agents, m)
		}
		a.mu.Unlock()

		for _, c := range clones {
			if e := c.Shutdown(ctx); e != nil {
				logging.Get(logging.CategoryArbiters).Warn("clone %s shutdown: %v", c.Name(), e)
			}
			if a.deps.Bus != nil {
				a.deps.Bus.Unregister(c.Name())
			}
		}
		for _, m := range agents {
			m.Signal()
		}

		if hook, ok := a.deps.Custom.(ShutdownHook); ok {
			if e := hook.OnShutdown(ctx); e != nil {
				logging.Get(logging.CategoryArbiters).Warn("%s OnShutdown: %v", a.cfg.Name, e)
			}
		}

		a.auditLog.Info(ctx, "shutdown complete", map[string]interface{}{
			"peer": a.cfg.Name, "generation": a.generation,
		})
		_ = a.setStatus(types.StatusOffline)
		a.release()
		logging.Arbiters("%s offline", a.cfg.Name)
	})
	return err
}

// release frees owned background resources.
func (a *Base) release() {
	a.limiter.Destroy()
}

// heartbeatLoop reports derived health to the bus until shutdown.
func (a *Base) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.hbStop:
			return
		case <-ticker.C:
			if err := a.deps.Bus.Heartbeat(a.cfg.Name, a.Health()); err != nil {
				logging.ArbitersDebug("%s heartbeat rejected: %v", a.cfg.Name, err)
			}
		}
	}
}

// Health derives the current health report. Nothing here is stored.
func (a *Base) Health() types.Health {
	a.mu.Lock()
	p95 := a.memorizeLat.P95()
	errs := a.errorCount
	timeouts := a.timeoutCnt
	a.mu.Unlock()

	load := a.Load()
	h := types.Health{
		State:        types.HealthHealthy,
		BreakerOpen:  a.breaker.Open(),
		P95LatencyMs: p95,
		ErrorCount:   errs,
		TimeoutCount: timeouts,
		Load:         load,
	}
	if h.BreakerOpen || p95 > 1000 || errs > 100 || load > 0.9 || timeouts > 10 {
		h.State = types.HealthDegraded
	}
	return h
}

// Load is the mean of three ratios: active micro-agents over cap, context
// ring fill, and clones over cap, clamped to [0,1].
func (a *Base) Load() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := 0
	for _, m := range a.micro {
		if !m.Terminal() {
			active++
		}
	}
	microRatio := float64(active) / float64(a.cfg.MaxMicroAgents)
	ringRatio := float64(a.contextRing.Len()) / float64(a.contextRing.Cap())
	cloneRatio := float64(len(a.clones)) / float64(a.cfg.MaxClones)

	load := (microRatio + ringRatio + cloneRatio) / 3
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}

func (a *Base) countError() {
	a.mu.Lock()
	a.errorCount++
	a.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
