package security

import (
	"fmt"
	"sync"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-agent request rate with a token bucket (not
// a sliding window), one limiter per agent name, created lazily on first use and
// never explicitly evicted (the registry sweeper's eviction of the agent
// itself is what makes a stale limiter harmless to keep around).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps requests per second per
// agent, with burst allowed above that sustained rate.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether agentName may proceed now, consuming one token if
// so. Callers that get false should return ErrRateLimited to the caller.
func (l *RateLimiter) Allow(agentName string) bool {
	return l.limiterFor(agentName).Allow()
}

// Check is a convenience wrapper returning ErrRateLimited when the agent
// has exhausted its budget.
func (l *RateLimiter) Check(agentName string) error {
	if !l.Allow(agentName) {
		return fmt.Errorf("agent %s exceeded request rate: %w", agentName, coreerr.ErrRateLimited)
	}
	return nil
}

func (l *RateLimiter) limiterFor(agentName string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[agentName]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[agentName] = lim
	}
	return lim
}

// Remove drops agentName's limiter state, so its next call starts from a
// full bucket. AuthGate does not call it.
func (l *RateLimiter) Remove(agentName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, agentName)
}
