package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitOpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(5, 30*time.Second)

	for range 4 {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitHalfOpensAfterCooldown(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(1, 30*time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(31 * time.Second)

	// One probe is admitted, concurrent sends stay short-circuited.
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitClosesOnProbeSuccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(1, 30*time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3, 30*time.Second)
	now := time.Now()
	cb.now = func() time.Time { return now }

	for range 3 {
		cb.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State())
}
