// Package ratelimit implements fixed-window per-key quotas. A janitor drops
// windows idle for at least twice their period so the key map cannot grow
// without bound.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"arbiterd/internal/logging"
)

const (
	pollInterval    = 100 * time.Millisecond
	janitorInterval = 60 * time.Second
)

type window struct {
	count    int
	limit    int
	period   time.Duration
	start    time.Time // current window start
	lastSeen time.Time
}

// Limiter enforces fixed-window counters per key.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New creates a limiter and starts its janitor.
func New() *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.janitor()
	return l
}

// SetLimit configures key to allow count operations per windowMs period.
func (l *Limiter) SetLimit(key string, count int, period time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows[key] = &window{
		limit:    count,
		period:   period,
		start:    l.now(),
		lastSeen: l.now(),
	}
}

// Check consumes one slot for key if available. Keys without a configured
// limit are always allowed.
func (l *Limiter) Check(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return true
	}
	now := l.now()
	w.lastSeen = now
	if now.Sub(w.start) >= w.period {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// WaitForToken polls until a slot is granted or ctx is canceled.
func (l *Limiter) WaitForToken(ctx context.Context, key string) error {
	if l.Check(key) {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return context.Canceled
		case <-ticker.C:
			if l.Check(key) {
				return nil
			}
		}
	}
}

// Destroy stops the janitor. Idempotent.
func (l *Limiter) Destroy() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops windows idle for >= 2x their period.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for key, w := range l.windows {
		if now.Sub(w.lastSeen) >= 2*w.period {
			delete(l.windows, key)
			dropped++
		}
	}
	if dropped > 0 {
		logging.Get(logging.CategoryArbiters).Debug("rate limiter janitor dropped %d idle windows", dropped)
	}
}
