package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/metrics"
)

// breakerState is one target's circuit-breaker state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// openDuration is how long a target's breaker stays open before a single
// half-open probe is allowed through.
const openDuration = 5 * time.Second

// failureThreshold is the number of consecutive tier-exhausted delivery
// failures against one target before its breaker trips open.
const failureThreshold = 3

// CircuitBreaker tracks per-target delivery health across all tiers. Once
// every tier has failed a target failureThreshold times in a row, the
// breaker opens and further sends fail fast for openDuration before a
// single probe is allowed through.
type CircuitBreaker struct {
	mu      sync.Mutex
	targets map[string]*targetBreaker
}

type targetBreaker struct {
	state         breakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates an empty breaker registry.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{targets: make(map[string]*targetBreaker)}
}

// Allow reports whether a send to target may proceed. An open breaker
// past openDuration transitions to half-open and allows exactly one probe
// through; concurrent callers during that probe are rejected.
func (b *CircuitBreaker) Allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.targets[target]
	if tb == nil {
		return nil
	}

	switch tb.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(tb.openedAt) < openDuration {
			return fmt.Errorf("circuit open for %q: %w", target, coreerr.ErrCircuitOpen)
		}
		tb.state = breakerHalfOpen
		tb.probeInFlight = true
		return nil
	case breakerHalfOpen:
		if tb.probeInFlight {
			return fmt.Errorf("circuit half-open probe in flight for %q: %w", target, coreerr.ErrCircuitOpen)
		}
		tb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker for target and resets its failure
// count, whether it was closed, half-open, or (rarely) still open.
func (b *CircuitBreaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.targets[target]
	if tb == nil {
		return
	}
	tb.state = breakerClosed
	tb.failures = 0
	tb.probeInFlight = false
	metrics.CircuitBreakerState.WithLabelValues(target).Set(0)
}

// RecordFailure registers one delivery failure across every tier for
// target. A half-open probe that fails reopens the breaker immediately;
// a closed breaker trips once failureThreshold consecutive failures
// accumulate.
func (b *CircuitBreaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.targets[target]
	if tb == nil {
		tb = &targetBreaker{}
		b.targets[target] = tb
	}

	if tb.state == breakerHalfOpen {
		tb.state = breakerOpen
		tb.openedAt = time.Now()
		tb.probeInFlight = false
		metrics.CircuitBreakerState.WithLabelValues(target).Set(1)
		return
	}

	tb.failures++
	if tb.failures >= failureThreshold {
		tb.state = breakerOpen
		tb.openedAt = time.Now()
		metrics.CircuitBreakerState.WithLabelValues(target).Set(1)
	}
}

// IsOpen reports whether target's breaker currently rejects sends.
func (b *CircuitBreaker) IsOpen(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.targets[target]
	if tb == nil {
		return false
	}
	return tb.state == breakerOpen && time.Since(tb.openedAt) < openDuration
}

// Reset clears all breaker state for target, used when an agent
// re-registers after eviction.
func (b *CircuitBreaker) Reset(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, target)
	metrics.CircuitBreakerState.WithLabelValues(target).Set(0)
}
