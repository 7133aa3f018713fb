package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("redis", WithFailureThreshold(2), WithCooldown(time.Minute), WithClock(func() time.Time { return now }))

	require.True(t, b.Allow())
	assert.Equal(t, StateChange{}, b.RecordFailure())
	assert.Equal(t, StateChange{Opened: true}, b.RecordFailure())
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "open circuit refuses calls")

	now = now.Add(time.Minute)
	require.True(t, b.Allow(), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	assert.Equal(t, StateChange{}, b.RecordFailure(), "failed probe re-opens quietly")
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	assert.Equal(t, StateChange{Closed: true}, b.RecordSuccess())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("redis", WithFailureThreshold(2))
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestNilBreakerAllows(t *testing.T) {
	var b *Breaker
	assert.True(t, b.Allow())
	assert.Equal(t, StateChange{}, b.RecordFailure())
}

func TestStuckProbeIsRetried(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("redis", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(func() time.Time { return now }))
	b.RecordFailure()

	now = now.Add(time.Second)
	require.True(t, b.Allow())
	now = now.Add(time.Second)
	assert.True(t, b.Allow(), "a probe whose result never arrived does not wedge the breaker")
}
