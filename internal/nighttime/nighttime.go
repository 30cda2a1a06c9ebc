// Package nighttime runs named, scheduled sessions: DAGs of tasks dispatched
// to arbiters over the bus. Sessions run sequentially by default, fan out
// where a task asks for it, retry with bounded backoff, and publish a
// summary event when they finish.
package nighttime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arbiterd/internal/bus"
	"arbiterd/internal/logging"
	"arbiterd/internal/types"
)

// OrchestratorName is the orchestrator's bus identity.
const OrchestratorName = "nighttime-orchestrator"

// SummaryTopic carries session summaries to subscribers.
const SummaryTopic = "nighttime.sessions"

// Task is one DAG vertex: a typed message to an arbiter.
type Task struct {
	Name      string
	Arbiter   string
	Type      string
	Params    map[string]interface{}
	DependsOn []string

	// FanOutParams runs one parallel request per entry; FanOut runs N
	// numbered copies. Both empty means a single request.
	FanOutParams []map[string]interface{}
	FanOut       int

	Retries      int
	NonRetryable bool
	Timeout      time.Duration
}

// Session is a named DAG with a schedule descriptor.
type Session struct {
	Name        string
	Schedule    string
	Tasks       []Task
	AbortOnFail bool // abort the remainder instead of skipping dependents only
}

// Config tunes the orchestrator.
type Config struct {
	DefaultTimeout time.Duration
	DefaultRetries int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Concurrency    int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
		DefaultRetries: 2,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		Concurrency:    4,
	}
}

// TaskResult records one vertex outcome.
type TaskResult struct {
	State    string        `json:"state"` // succeeded, failed, skipped
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Outputs  []interface{} `json:"-"`
	Duration time.Duration `json:"durationMs"`
}

// SessionMetrics is the per-run summary, also published on SummaryTopic.
type SessionMetrics struct {
	Session    string                `json:"session"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	State      string                `json:"state"` // completed, failed, canceled
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Retries    int                   `json:"retries"`
	Tasks      map[string]TaskResult `json:"tasks"`
}

type scheduled struct {
	session  Session
	schedule Schedule
}

// Orchestrator owns the sessions and the scheduler loop.
type Orchestrator struct {
	cfg Config
	bus *bus.Bus

	mu       sync.Mutex
	sessions map[string]*scheduled
	lastRun  map[string]SessionMetrics
	running  map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds an orchestrator and joins it to the bus so its requests carry a
// registered sender.
func New(cfg Config, b *bus.Bus) *Orchestrator {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	o := &Orchestrator{
		cfg:      cfg,
		bus:      b,
		sessions: make(map[string]*scheduled),
		lastRun:  make(map[string]SessionMetrics),
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if err := b.Register(OrchestratorName, o, bus.PeerMeta{
		Role:         types.RoleOrchestrator,
		Capabilities: []types.Capability{types.CapSchedule},
	}); err != nil {
		logging.Get(logging.CategoryNighttime).Warn("orchestrator bus registration: %v", err)
	}
	return o
}

// HandleMessage serves the orchestrator's management surface. Session runs
// are started asynchronously; the reply acknowledges the launch.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg types.Message) (interface{}, error) {
	switch msg.Type {
	case "run_session":
		name, _ := asMap(msg.Payload)["session"].(string)
		o.mu.Lock()
		_, known := o.sessions[name]
		o.mu.Unlock()
		if !known {
			return nil, types.NewKindError(types.KindPeerUnknown, "nighttime.HandleMessage").
				WithContext("session", name)
		}
		go func() {
			if _, err := o.RunSession(context.Background(), name); err != nil {
				logging.Get(logging.CategoryNighttime).Warn("requested run of %s: %v", name, err)
			}
		}()
		return map[string]interface{}{"session": name, "started": true}, nil
	case "list_sessions":
		return map[string]interface{}{"sessions": o.Sessions()}, nil
	case "session_status":
		name, _ := asMap(msg.Payload)["session"].(string)
		m, ok := o.LastRun(name)
		if !ok {
			return map[string]interface{}{"session": name, "ran": false}, nil
		}
		return m, nil
	}
	return map[string]interface{}{"acknowledged": true, "type": msg.Type}, nil
}

// AddSession validates and registers a session.
func (o *Orchestrator) AddSession(s Session) error {
	if s.Name == "" {
		return fmt.Errorf("session name required")
	}
	if err := validateDAG(s.Tasks); err != nil {
		return fmt.Errorf("session %s: %w", s.Name, err)
	}
	var sched Schedule
	if s.Schedule != "" {
		var err error
		sched, err = ParseSchedule(s.Schedule)
		if err != nil {
			return fmt.Errorf("session %s: %w", s.Name, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.sessions[s.Name]; dup {
		return fmt.Errorf("session %s already registered", s.Name)
	}
	o.sessions[s.Name] = &scheduled{session: s, schedule: sched}
	logging.Nighttime("session %s registered (%d tasks, schedule %q)", s.Name, len(s.Tasks), s.Schedule)
	return nil
}

// validateDAG checks names are unique and every dependency precedes its
// dependent, which also rules out cycles for the sequential executor.
func validateDAG(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return fmt.Errorf("task name required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate task %s", t.Name)
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on %s which is not declared before it", t.Name, dep)
			}
		}
		seen[t.Name] = true
	}
	return nil
}

// Sessions lists registered session names.
func (o *Orchestrator) Sessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.sessions))
	for name := range o.sessions {
		names = append(names, name)
	}
	return names
}

// LastRun returns the most recent metrics for a session.
func (o *Orchestrator) LastRun(name string) (SessionMetrics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.lastRun[name]
	return m, ok
}

// Start launches one timer goroutine per scheduled session.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for name, sc := range o.sessions {
		if sc.session.Schedule == "" {
			continue
		}
		o.wg.Add(1)
		go o.scheduleLoop(ctx, name, sc.schedule)
	}
}

func (o *Orchestrator) scheduleLoop(ctx context.Context, name string, sched Schedule) {
	defer o.wg.Done()
	for {
		next := sched.Next(o.now())
		timer := time.NewTimer(next.Sub(o.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := o.RunSession(ctx, name); err != nil {
				logging.Get(logging.CategoryNighttime).Warn("scheduled run of %s: %v", name, err)
			}
		}
	}
}

// Stop cancels running sessions and waits for the scheduler loops.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
	o.bus.Unregister(OrchestratorName)
}

// RunSession executes one session to completion and returns its metrics.
// A session already in flight is not started twice.
func (o *Orchestrator) RunSession(ctx context.Context, name string) (SessionMetrics, error) {
	o.mu.Lock()
	sc, ok := o.sessions[name]
	if !ok {
		o.mu.Unlock()
		return SessionMetrics{}, types.NewKindError(types.KindPeerUnknown, "nighttime.RunSession").
			WithContext("session", name)
	}
	if _, inFlight := o.running[name]; inFlight {
		o.mu.Unlock()
		return SessionMetrics{}, fmt.Errorf("session %s already running", name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running[name] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, name)
		o.mu.Unlock()
	}()

	metrics := o.execute(runCtx, sc.session)

	o.mu.Lock()
	o.lastRun[name] = metrics
	o.mu.Unlock()

	o.bus.Publish(OrchestratorName, SummaryTopic, metrics)
	logging.Nighttime("session %s %s: %d ok, %d failed, %d skipped, %d retries in %s",
		name, metrics.State, metrics.Succeeded, metrics.Failed, metrics.Skipped,
		metrics.Retries, metrics.FinishedAt.Sub(metrics.StartedAt).Round(time.Millisecond))

	if metrics.State == "failed" {
		return metrics, fmt.Errorf("session %s failed", name)
	}
	return metrics, nil
}

// execute walks the DAG sequentially. Results of completed tasks flow to
// dependents as the "input" payload key.
func (o *Orchestrator) execute(ctx context.Context, s Session) SessionMetrics {
	timer := logging.StartTimer(logging.CategoryNighttime, "session "+s.Name)
	defer timer.Stop()

	m := SessionMetrics{
		Session:   s.Name,
		StartedAt: o.now(),
		Tasks:     make(map[string]TaskResult, len(s.Tasks)),
	}
	outputs := make(map[string][]interface{}, len(s.Tasks))
	aborted := false

	for _, task := range s.Tasks {
		if err := ctx.Err(); err != nil {
			m.State = "canceled"
			m.FinishedAt = o.now()
			return m
		}
		if aborted || !depsSucceeded(task, m.Tasks) {
			m.Tasks[task.Name] = TaskResult{State: "skipped"}
			m.Skipped++
			continue
		}

		res := o.runTask(ctx, s.Name, task, gatherInput(task, outputs))
		m.Tasks[task.Name] = res
		m.Retries += res.Attempts - 1
		if res.State == "succeeded" {
			m.Succeeded++
			outputs[task.Name] = res.Outputs
			continue
		}
		m.Failed++
		if s.AbortOnFail {
			aborted = true
		}
	}

	m.FinishedAt = o.now()
	if m.Failed > 0 {
		m.State = "failed"
	} else {
		m.State = "completed"
	}
	return m
}

func depsSucceeded(t Task, done map[string]TaskResult) bool {
	for _, dep := range t.DependsOn {
		if done[dep].State != "succeeded" {
			return false
		}
	}
	return true
}

// gatherInput fans in dependency outputs, flattened in declaration order.
func gatherInput(t Task, outputs map[string][]interface{}) []interface{} {
	var in []interface{}
	for _, dep := range t.DependsOn {
		in = append(in, outputs[dep]...)
	}
	return in
}

// runTask retries one vertex with exponential backoff until success, retry
// exhaustion, or a non-retryable error.
func (o *Orchestrator) runTask(ctx context.Context, session string, t Task, input []interface{}) TaskResult {
	retries := t.Retries
	if retries == 0 && !t.NonRetryable {
		retries = o.cfg.DefaultRetries
	}
	if t.NonRetryable {
		retries = 0
	}

	started := o.now()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return TaskResult{State: "failed", Attempts: attempt, Error: ctx.Err().Error(), Duration: o.now().Sub(started)}
			case <-time.After(o.backoff(attempt)):
			}
			logging.Nighttime("session %s task %s retry %d/%d", session, t.Name, attempt, retries)
		}

		outs, err := o.dispatch(ctx, t, input)
		if err == nil {
			return TaskResult{State: "succeeded", Attempts: attempt + 1, Outputs: outs, Duration: o.now().Sub(started)}
		}
		lastErr = err
		if !retryable(err) {
			logging.Get(logging.CategoryNighttime).Warn("session %s task %s failed (non-retryable): %v", session, t.Name, err)
			return TaskResult{State: "failed", Attempts: attempt + 1, Error: err.Error(), Duration: o.now().Sub(started)}
		}
	}
	logging.Get(logging.CategoryNighttime).Warn("session %s task %s failed after %d attempts: %v", session, t.Name, retries+1, lastErr)
	return TaskResult{State: "failed", Attempts: retries + 1, Error: lastErr.Error(), Duration: o.now().Sub(started)}
}

// dispatch sends the request(s) for one attempt, fanning out when asked.
func (o *Orchestrator) dispatch(ctx context.Context, t Task, input []interface{}) ([]interface{}, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	fan := t.FanOutParams
	if len(fan) == 0 && t.FanOut > 1 {
		fan = make([]map[string]interface{}, t.FanOut)
		for i := range fan {
			fan[i] = map[string]interface{}{"index": i}
		}
	}

	if len(fan) == 0 {
		out, err := o.bus.Request(ctx, OrchestratorName, t.Arbiter, t.Type, payload(t.Params, nil, input), timeout)
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	}

	results := make([]interface{}, len(fan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, extra := range fan {
		g.Go(func() error {
			out, err := o.bus.Request(gctx, OrchestratorName, t.Arbiter, t.Type, payload(t.Params, extra, input), timeout)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// payload merges the task params, per-worker fan-out params and the fanned-in
// dependency outputs into one request body.
func payload(params, extra map[string]interface{}, input []interface{}) map[string]interface{} {
	body := make(map[string]interface{}, len(params)+len(extra)+1)
	for k, v := range params {
		body[k] = v
	}
	for k, v := range extra {
		body[k] = v
	}
	if len(input) > 0 {
		body["input"] = input
	}
	return body
}

// retryable treats validation, initialization and nemesis rejections as
// permanent. Everything else, including timeouts and open circuits, retries.
func retryable(err error) bool {
	switch {
	case types.IsKind(err, types.KindConfigValidation),
		types.IsKind(err, types.KindInitFailed),
		types.IsKind(err, types.KindNemesisRejected):
		return false
	}
	return true
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(float64(o.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}
