package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLimiter_WindowQuota(t *testing.T) {
	l := New()
	defer l.Destroy()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.SetLimit("memorize", 3, time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("memorize"), "call %d should be allowed", i)
	}
	assert.False(t, l.Check("memorize"))

	// New window grants a fresh quota.
	now = now.Add(time.Second)
	assert.True(t, l.Check("memorize"))
}

func TestLimiter_UnconfiguredKeyAllowed(t *testing.T) {
	l := New()
	defer l.Destroy()
	assert.True(t, l.Check("anything"))
}

func TestLimiter_WaitForToken(t *testing.T) {
	l := New()
	defer l.Destroy()

	l.SetLimit("clone", 1, 150*time.Millisecond)
	require.True(t, l.Check("clone"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.WaitForToken(ctx, "clone"))
	assert.Greater(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_WaitForTokenCancel(t *testing.T) {
	l := New()
	defer l.Destroy()

	l.SetLimit("spawn", 1, time.Hour)
	require.True(t, l.Check("spawn"))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := l.WaitForToken(ctx, "spawn")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_JanitorDropsIdleWindows(t *testing.T) {
	l := New()
	defer l.Destroy()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.SetLimit("a", 1, time.Second)
	l.SetLimit("b", 1, time.Minute)

	now = now.Add(3 * time.Second) // a idle >= 2s, b still fresh
	l.sweep()

	l.mu.Lock()
	_, hasA := l.windows["a"]
	_, hasB := l.windows["b"]
	l.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestLimiter_DestroyIdempotent(t *testing.T) {
	l := New()
	l.Destroy()
	l.Destroy()
}
