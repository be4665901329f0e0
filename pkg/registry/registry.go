package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/events"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls sweep cadence and heartbeat grace periods.
type Config struct {
	MaxAgents     int
	SweepInterval time.Duration
	BlockedAfter  time.Duration
	EvictedAfter  time.Duration
}

// DefaultConfig sets 5s sweeps, 30s to blocked, 120s to evicted.
func DefaultConfig() Config {
	return Config{
		MaxAgents:     1024,
		SweepInterval: 5 * time.Second,
		BlockedAfter:  30 * time.Second,
		EvictedAfter:  120 * time.Second,
	}
}

// Registry is the process-wide agent directory.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentRecord

	store  storage.Store
	audit  *events.Audit
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Registry and preloads it from store.
func New(store storage.Store, audit *events.Audit, cfg Config) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*types.AgentRecord),
		store:  store,
		audit:  audit,
		cfg:    cfg,
		logger: log.WithComponent("registry"),
		stopCh: make(chan struct{}),
	}

	existing, err := store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to preload agents: %w", err)
	}
	for _, agent := range existing {
		r.agents[normalizeName(agent.Name)] = agent
	}
	return r, nil
}

// Start begins the background sweep loop.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep transitions stale agents to blocked or evicted based on
// last_heartbeat_at age, per the registry's staleness contract.
func (r *Registry) sweep() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistrySweepDuration)

	r.mu.Lock()
	now := time.Now()
	var evicted []*types.AgentRecord
	for _, agent := range r.agents {
		if agent.Status == types.StatusEvicted {
			continue
		}
		age := now.Sub(agent.LastHeartbeatAt)
		switch {
		case age >= r.cfg.EvictedAfter:
			agent.Status = types.StatusEvicted
			evicted = append(evicted, agent)
			delete(r.agents, normalizeName(agent.Name))
		case age >= r.cfg.BlockedAfter:
			agent.Status = types.StatusBlocked
		}
	}
	r.mu.Unlock()

	for _, agent := range evicted {
		agentLogger := log.WithAgent(agent.Name)
		agentLogger.Warn().Msg("evicting agent after heartbeat timeout")
		if err := r.store.DeleteAgent(agent.Name); err != nil {
			agentLogger.Error().Err(err).Msg("failed to delete evicted agent")
		}
		r.recordEvent("eviction", "warning", agent.Name, nil)
	}
	r.refreshMetrics()
}

// Register atomically inserts a new agent record. Re-registering a name
// still carrying a live (non-evicted) entry is a conflict; the caller
// must deregister first.
func (r *Registry) Register(session *types.Session, agent *types.AgentRecord) error {
	key := normalizeName(agent.Name)

	r.mu.Lock()
	if len(r.agents) >= r.cfg.MaxAgents {
		r.mu.Unlock()
		r.recordEvent("unauthorized", "warning", agent.Name, map[string]string{"reason": "registry_full"})
		return fmt.Errorf("registry at capacity (%d): %w", r.cfg.MaxAgents, coreerr.ErrRegistryFull)
	}
	if existing, ok := r.agents[key]; ok && existing.Status != types.StatusEvicted {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already registered: %w", agent.Name, coreerr.ErrConflict)
	}

	agent.Status = types.StatusIdle
	agent.LastHeartbeatAt = time.Now()
	agent.PermissionBitmask = session.PermissionBitmask
	agent.PreferredTier = strongestDeclaredTier(agent.TransportEndpoints)
	r.agents[key] = agent
	r.mu.Unlock()

	if err := r.store.PutAgent(agent); err != nil {
		return fmt.Errorf("failed to persist agent %q: %w", agent.Name, err)
	}
	r.recordEvent("register", "info", agent.Name, nil)
	r.refreshMetrics()
	return nil
}

// Deregister removes an agent from the directory.
func (r *Registry) Deregister(session *types.Session, name string) error {
	key := normalizeName(name)

	r.mu.Lock()
	if _, ok := r.agents[key]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found: %w", name, coreerr.ErrNotFound)
	}
	delete(r.agents, key)
	r.mu.Unlock()

	if err := r.store.DeleteAgent(name); err != nil {
		return fmt.Errorf("failed to delete agent %q: %w", name, err)
	}
	r.recordEvent("deregister", "info", name, nil)
	r.refreshMetrics()
	return nil
}

// Heartbeat refreshes an agent's last_heartbeat_at and clears a blocked
// status, heartbeats being monotonically non-decreasing by construction
// (time.Now() never runs backwards within a process).
func (r *Registry) Heartbeat(session *types.Session, name string) error {
	key := normalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[key]
	if !ok {
		return fmt.Errorf("agent %q not found: %w", name, coreerr.ErrNotFound)
	}
	agent.LastHeartbeatAt = time.Now()
	if agent.Status == types.StatusBlocked {
		agent.Status = types.StatusIdle
	}
	return nil
}

// Lookup returns the current record for name.
func (r *Registry) Lookup(name string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("agent %q not found: %w", name, coreerr.ErrNotFound)
	}
	return agent, nil
}

// Query returns every live agent satisfying predicate, used by the
// planner for capability-based agent selection.
func (r *Registry) Query(predicate func(*types.AgentRecord) bool) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*types.AgentRecord
	for _, agent := range r.agents {
		if predicate(agent) {
			results = append(results, agent)
		}
	}
	return results
}

// QueryCapability returns agents that are idle/running and declare tag.
func (r *Registry) QueryCapability(tag string) []*types.AgentRecord {
	return r.Query(func(a *types.AgentRecord) bool {
		return (a.Status == types.StatusIdle || a.Status == types.StatusRunning) && a.HasCapability(tag)
	})
}

// QueryRole returns agents with the given role.
func (r *Registry) QueryRole(role types.Role) []*types.AgentRecord {
	return r.Query(func(a *types.AgentRecord) bool { return a.Role == role })
}

// IncrementInflight bumps an agent's inflight task counter, used by the
// router/planner for load-aware selection and work-queue delivery.
func (r *Registry) IncrementInflight(name string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[normalizeName(name)]; ok {
		agent.InflightTasks += delta
		if agent.InflightTasks < 0 {
			agent.InflightTasks = 0
		}
	}
}

func (r *Registry) refreshMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[[2]string]int)
	for _, agent := range r.agents {
		counts[[2]string{string(agent.Role), string(agent.Status)}]++
	}
	for k, v := range counts {
		metrics.AgentsTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
}

func (r *Registry) recordEvent(eventType, severity, agent string, details map[string]string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(eventType, severity, agent, details); err != nil {
		r.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to record security event")
	}
}

func normalizeName(name string) string {
	return strings.ToLower(name)
}

// strongestDeclaredTier returns the fastest tier among an agent's
// declared transport endpoints, or TierFlatFile if it declared none —
// the universal fallback every agent can reach regardless of transport
// support. An agent that never registers a shared-memory or stream
// socket endpoint has no business being offered one by the router.
func strongestDeclaredTier(endpoints map[types.Tier]types.TransportEndpoint) types.Tier {
	if len(endpoints) == 0 {
		return types.TierFlatFile
	}
	best := types.TierFlatFile
	for tier := range endpoints {
		if tier < best {
			best = tier
		}
	}
	return best
}
