package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/types"
)

var errBoom = errors.New("boom")

func failing() error    { return errBoom }
func succeeding() error { return nil }

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(failing, nil))
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	require.Error(t, b.Execute(failing, nil))

	err := b.Execute(succeeding, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindCircuitOpen))
}

func TestBreaker_FallbackWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	require.Error(t, b.Execute(failing, nil))

	called := false
	err := b.Execute(succeeding, func() error { called = true; return nil })
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestBreaker_JitterBounds(t *testing.T) {
	// Threshold 5, resetTimeout 60s, jitter 0.2: next attempt must land in
	// [60s, 72s] after the opening failure.
	b, now := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second, Jitter: 0.2})

	for i := 0; i < 5; i++ {
		require.Error(t, b.Execute(failing, nil))
	}
	require.Equal(t, StateOpen, b.State())

	delay := b.NextAttempt().Sub(*now)
	assert.GreaterOrEqual(t, delay, 60*time.Second)
	assert.LessOrEqual(t, delay, 72*time.Second)

	// At t=59.999s the breaker is still open and rejecting.
	*now = now.Add(59*time.Second + 999*time.Millisecond)
	err := b.Execute(succeeding, nil)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindCircuitOpen))
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     time.Minute,
		Jitter:           0, // deterministic delay
	})
	require.Error(t, b.Execute(failing, nil))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Execute(succeeding, nil))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(succeeding, nil))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     time.Minute,
		Jitter:           0,
	})
	require.Error(t, b.Execute(failing, nil))
	*now = now.Add(2 * time.Minute)

	require.Error(t, b.Execute(failing, nil))
	assert.Equal(t, StateOpen, b.State())
	// Fresh delay from the half-open failure.
	assert.Equal(t, now.Add(time.Minute), b.NextAttempt())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	require.Error(t, b.Execute(failing, nil))
	require.NoError(t, b.Execute(succeeding, nil))
	require.Error(t, b.Execute(failing, nil))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HistoryBounded(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Second,
		Jitter:           0,
		HistorySize:      4,
	})
	for i := 0; i < 10; i++ {
		_ = b.Execute(failing, nil)
		*now = now.Add(2 * time.Second)
		_ = b.Execute(succeeding, nil)
		_ = b.Execute(succeeding, nil)
	}
	hist := b.History()
	assert.Len(t, hist, 4)
	for _, tr := range hist {
		assert.NotEqual(t, tr.From, tr.To)
	}
}
