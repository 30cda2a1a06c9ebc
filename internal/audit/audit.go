// Package audit provides a level-gated, bounded, queryable log of structured
// events. Each arbiter owns one audit log. Nothing is written to stdout;
// external sinks subscribe for log events instead.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"arbiterd/internal/stats"
)

// Level orders event severity. Lower is more severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLevel maps a level token to a Level. Unknown tokens parse as info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "info"
	}
}

// Event is one structured audit entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// TraceID returns the trace id attached to the event, if any.
func (e Event) TraceID() string {
	if e.Context == nil {
		return ""
	}
	if id, ok := e.Context["traceId"].(string); ok {
		return id
	}
	return ""
}

// Filter narrows GetLogs results. Zero values match everything.
type Filter struct {
	Level *Level        // exact level
	Since time.Duration // only events younger than this
	Peer  string        // context["peer"] match
}

type traceKey struct{}

// WithTrace attaches a trace id to ctx; Log picks it up automatically.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceFrom extracts the ambient trace id, or "".
func TraceFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}

// Sink receives every admitted event.
type Sink func(Event)

// Log is a bounded ring of audit events.
type Log struct {
	mu       sync.RWMutex
	events   *stats.Ring[Event]
	maxLevel Level
	sinks    []Sink
}

// New creates an audit log keeping at most capacity events at or above the
// given severity gate.
func New(capacity int, gate Level) *Log {
	if capacity < 1 {
		capacity = 256
	}
	return &Log{
		events:   stats.NewRing[Event](capacity),
		maxLevel: gate,
	}
}

// Subscribe registers a sink invoked for every admitted event.
func (l *Log) Subscribe(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Log records an event when its level passes the gate. A trace id present on
// ctx is attached to the event context.
func (l *Log) Log(ctx context.Context, level Level, msg string, evCtx map[string]interface{}) {
	if level > l.maxLevel {
		return
	}
	if trace := TraceFrom(ctx); trace != "" {
		if evCtx == nil {
			evCtx = make(map[string]interface{}, 1)
		}
		evCtx["traceId"] = trace
	}
	ev := Event{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   evCtx,
	}

	l.mu.Lock()
	l.events.Add(ev)
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
}

// Error records an error-level event.
func (l *Log) Error(ctx context.Context, msg string, evCtx map[string]interface{}) {
	l.Log(ctx, LevelError, msg, evCtx)
}

// Warn records a warn-level event.
func (l *Log) Warn(ctx context.Context, msg string, evCtx map[string]interface{}) {
	l.Log(ctx, LevelWarn, msg, evCtx)
}

// Info records an info-level event.
func (l *Log) Info(ctx context.Context, msg string, evCtx map[string]interface{}) {
	l.Log(ctx, LevelInfo, msg, evCtx)
}

// Debug records a debug-level event.
func (l *Log) Debug(ctx context.Context, msg string, evCtx map[string]interface{}) {
	l.Log(ctx, LevelDebug, msg, evCtx)
}

// GetLogs returns stored events matching the filter, oldest first.
func (l *Log) GetLogs(f Filter) []Event {
	l.mu.RLock()
	all := l.events.All()
	l.mu.RUnlock()

	cutoff := time.Time{}
	if f.Since > 0 {
		cutoff = time.Now().Add(-f.Since)
	}

	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if f.Level != nil && ev.Level != *f.Level {
			continue
		}
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		if f.Peer != "" {
			peer, _ := ev.Context["peer"].(string)
			if peer != f.Peer {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Len()
}
