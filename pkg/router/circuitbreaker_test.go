package router

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerAllowsUntilThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < failureThreshold-1; i++ {
		require.NoError(t, cb.Allow("worker-1"))
		cb.RecordFailure("worker-1")
	}
	require.False(t, cb.IsOpen("worker-1"))
}

func TestCircuitBreakerTripsOpenAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < failureThreshold; i++ {
		cb.RecordFailure("worker-1")
	}
	require.True(t, cb.IsOpen("worker-1"))

	err := cb.Allow("worker-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrCircuitOpen))
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()

	cb.RecordFailure("worker-1")
	cb.RecordFailure("worker-1")
	cb.RecordSuccess("worker-1")

	for i := 0; i < failureThreshold-1; i++ {
		cb.RecordFailure("worker-1")
	}
	require.False(t, cb.IsOpen("worker-1"))
}

func TestCircuitBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker()
	tb := &targetBreaker{state: breakerOpen, openedAt: time.Now().Add(-openDuration - time.Millisecond)}
	cb.targets["worker-1"] = tb

	require.NoError(t, cb.Allow("worker-1"))
	require.Equal(t, breakerHalfOpen, cb.targets["worker-1"].state)

	cb.RecordFailure("worker-1")
	require.True(t, cb.IsOpen("worker-1"))
}

func TestCircuitBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker()
	tb := &targetBreaker{state: breakerOpen, openedAt: time.Now().Add(-openDuration - time.Millisecond)}
	cb.targets["worker-1"] = tb

	require.NoError(t, cb.Allow("worker-1"))
	cb.RecordSuccess("worker-1")
	require.False(t, cb.IsOpen("worker-1"))
}

func TestCircuitBreakerResetClearsState(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < failureThreshold; i++ {
		cb.RecordFailure("worker-1")
	}
	require.True(t, cb.IsOpen("worker-1"))

	cb.Reset("worker-1")
	require.False(t, cb.IsOpen("worker-1"))
}
