package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	limiter := NewRateLimiter(1, 2)

	require.True(t, limiter.Allow("agent-a"))
	require.True(t, limiter.Allow("agent-a"))
	require.False(t, limiter.Allow("agent-a"))
}

func TestRateLimiterPerAgentIsolation(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	require.True(t, limiter.Allow("agent-a"))
	require.False(t, limiter.Allow("agent-a"))
	require.True(t, limiter.Allow("agent-b"))
}

func TestRateLimiterCheckError(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	require.NoError(t, limiter.Check("agent-a"))
	require.Error(t, limiter.Check("agent-a"))
}

func TestRateLimiterRemove(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	require.True(t, limiter.Allow("agent-a"))
	require.False(t, limiter.Allow("agent-a"))

	limiter.Remove("agent-a")
	require.True(t, limiter.Allow("agent-a"))
}
