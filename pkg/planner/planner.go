package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	taskDispatchTimeout = 30 * time.Second
	replanFailureRatio  = 0.30
	deferredWaveBackoff = 200 * time.Millisecond
)

// Dispatcher executes one task against an assigned agent and returns its
// result payload. The core wires this to the router's request-response
// send path; the planner itself never imports the router package.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentName string, task *types.TaskNode) (map[string]any, error)
}

// AgentSelector is the narrow registry surface the planner needs for
// capability-based agent selection and load accounting.
type AgentSelector interface {
	Lookup(name string) (*types.AgentRecord, error)
	Query(predicate func(*types.AgentRecord) bool) []*types.AgentRecord
	IncrementInflight(name string, delta int)
}

// Config controls the planner's checkpoint log location and standing
// reconciliation cadence.
type Config struct {
	DataDir           string
	NodeID            string
	ReconcileInterval time.Duration
}

// DefaultConfig returns the planner's default tuning.
func DefaultConfig() Config {
	return Config{DataDir: "./data/checkpoints", NodeID: "planner-0", ReconcileInterval: 10 * time.Second}
}

// planRun is one submitted plan's live execution state.
type planRun struct {
	mu        sync.Mutex
	spec      *types.PlanSpec
	status    *types.PlanStatus
	cancelled bool
}

// Planner validates, waves, dispatches, checkpoints, and replans agent
// task DAGs.
type Planner struct {
	mu    sync.RWMutex
	plans map[string]*planRun

	store      storage.Store
	selector   AgentSelector
	dispatcher Dispatcher
	hooks      Hooks
	log        *checkpointLog
	logger     zerolog.Logger
	cfg        Config
	stopCh     chan struct{}
}

// New builds a Planner, bootstrapping (or rejoining) its single-node
// checkpoint log under cfg.DataDir. A nil hooks falls back to
// NewHostHooks sampling the live host.
func New(store storage.Store, selector AgentSelector, dispatcher Dispatcher, hooks Hooks, cfg Config) (*Planner, error) {
	chkLog, err := newCheckpointLog(cfg.DataDir, cfg.NodeID, store)
	if err != nil {
		return nil, err
	}
	if hooks == nil {
		hooks = NewHostHooks(4)
	}
	return &Planner{
		plans:      make(map[string]*planRun),
		store:      store,
		selector:   selector,
		dispatcher: dispatcher,
		hooks:      hooks,
		log:        chkLog,
		logger:     log.WithComponent("planner"),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins the standing reconciliation loop.
func (p *Planner) Start() {
	go p.reconcileLoop()
}

// Stop halts the reconciliation loop and shuts down the checkpoint log.
func (p *Planner) Stop() {
	close(p.stopCh)
	if err := p.log.Shutdown(); err != nil {
		p.logger.Error().Err(err).Msg("failed to shut down checkpoint log")
	}
}

// Submit validates spec's DAG, replays any existing checkpoints for its
// plan ID, and begins dispatching waves in the background.
func (p *Planner) Submit(spec *types.PlanSpec) (*types.PlanStatus, error) {
	if err := validateDAG(spec.Tasks); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = ulid.Make().String()
	}
	for _, t := range spec.Tasks {
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = 1
		}
		if cp, found, err := p.store.GetCheckpoint(spec.ID, t.ID); err == nil && found {
			t.Status = cp.Status
			t.ResultHash = cp.ResultHash
		}
	}

	status := &types.PlanStatus{
		PlanID:    spec.ID,
		Name:      spec.Name,
		Status:    types.PlanRunning,
		Tasks:     spec.Tasks,
		UpdatedAt: time.Now(),
	}
	run := &planRun{spec: spec, status: status}

	p.mu.Lock()
	p.plans[spec.ID] = run
	p.mu.Unlock()

	if data, err := json.Marshal(map[string]string{"plan_id": spec.ID, "name": spec.Name}); err == nil {
		if err := p.log.Append(Command{Op: opPlanCreated, Data: data}); err != nil {
			log.WithPlan(spec.ID).Warn().Err(err).Msg("failed to log plan creation")
		}
	}
	metrics.PlansTotal.WithLabelValues("submitted").Inc()

	go p.run(run)

	snapshot := *status
	return &snapshot, nil
}

// Status returns a point-in-time snapshot of a submitted plan.
func (p *Planner) Status(planID string) (*types.PlanStatus, error) {
	p.mu.RLock()
	run, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", planID, coreerr.ErrPlanNotFound)
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	snapshot := *run.status
	return &snapshot, nil
}

// Cancel marks a plan cancelled; in-flight wave dispatches still run to
// completion, but no further wave is computed.
func (p *Planner) Cancel(planID string) error {
	p.mu.RLock()
	run, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plan %q: %w", planID, coreerr.ErrPlanNotFound)
	}

	run.mu.Lock()
	run.cancelled = true
	run.status.Status = types.PlanCancelled
	run.status.UpdatedAt = time.Now()
	run.mu.Unlock()
	return nil
}

// AddDynamicEdge adds a dependency edge discovered mid-plan (e.g. a task
// that turns out to require another task's output). If the new edge
// introduces a cycle, the edge is rejected and a replan event is recorded.
func (p *Planner) AddDynamicEdge(planID, fromTaskID, toTaskID string) error {
	p.mu.RLock()
	run, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plan %q: %w", planID, coreerr.ErrPlanNotFound)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	var target *types.TaskNode
	for _, t := range run.status.Tasks {
		if t.ID == toTaskID {
			target = t
			break
		}
	}
	if target == nil {
		return fmt.Errorf("task %q not found in plan %q: %w", toTaskID, planID, coreerr.ErrNotFound)
	}

	target.DependsOn = append(target.DependsOn, fromTaskID)
	if err := validateDAG(run.status.Tasks); err != nil {
		target.DependsOn = target.DependsOn[:len(target.DependsOn)-1]
		metrics.ReplansTotal.WithLabelValues("dynamic_edge_cycle").Inc()
		return err
	}
	return nil
}

func (p *Planner) run(run *planRun) {
	waveNum := 0
	for {
		run.mu.Lock()
		cancelled := run.cancelled
		tasks := run.status.Tasks
		run.mu.Unlock()
		if cancelled {
			return
		}

		waves, err := computeWaves(tasks)
		if err != nil {
			p.finish(run, types.PlanFailed)
			return
		}
		if len(waves) == 0 {
			break
		}

		wave := waves[0]
		waveNum++

		timer := metrics.NewTimer()
		anyFailed, anyDeferred := p.dispatchWave(run, wave)
		timer.ObserveDuration(metrics.WaveLatency)

		run.mu.Lock()
		run.status.Waves = waveNum
		run.status.UpdatedAt = time.Now()
		cancelled = run.cancelled
		run.mu.Unlock()
		if cancelled {
			return
		}

		if anyFailed {
			if run.spec.FailurePolicy == types.FailurePolicyFailFast {
				p.finish(run, types.PlanFailed)
				return
			}
			p.maybeReplan(run, "task_failure")
		}

		if anyDeferred {
			time.Sleep(deferredWaveBackoff)
		}
	}

	finalStatus := types.PlanCompleted
	run.mu.Lock()
	for _, t := range run.status.Tasks {
		if t.Status == types.TaskFailed {
			finalStatus = types.PlanPartial
		}
	}
	run.mu.Unlock()
	p.finish(run, finalStatus)
}

// dispatchWave runs every task in wave concurrently, bounded by the
// capacity hook and live-agent count, and reports whether any task in
// the wave ended failed or was deferred for lack of thermal headroom.
func (p *Planner) dispatchWave(run *planRun, wave []*types.TaskNode) (failed, deferred bool) {
	concurrency := p.waveConcurrency(len(wave))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var failedFlag, deferredFlag int32

	for _, task := range wave {
		if p.hooks.ThermalState() == ThermalCritical && task.Priority != types.PriorityCritical {
			task.Status = types.TaskDeferred
			metrics.TasksTotal.WithLabelValues("deferred").Inc()
			atomic.StoreInt32(&deferredFlag, 1)
			continue
		}

		task.Status = types.TaskRunning
		task.StartedAt = time.Now()

		sem <- struct{}{}
		wg.Add(1)
		go func(t *types.TaskNode) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.dispatchTask(run, t); err != nil {
				atomic.StoreInt32(&failedFlag, 1)
			}
		}(task)
	}
	wg.Wait()
	return atomic.LoadInt32(&failedFlag) == 1, atomic.LoadInt32(&deferredFlag) == 1
}

func (p *Planner) waveConcurrency(waveSize int) int {
	n := waveSize
	if cap := p.hooks.Capacity().MaxParallel; cap < n {
		n = cap
	}
	live := len(p.selector.Query(func(a *types.AgentRecord) bool {
		return a.Status == types.StatusIdle || a.Status == types.StatusRunning
	}))
	if live > 0 && live < n {
		n = live
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Planner) dispatchTask(run *planRun, task *types.TaskNode) error {
	agentName := task.AssignedAgent
	if agentName == "" {
		agent, err := p.selectAgent(task.Capability)
		if err != nil {
			task.Status = types.TaskFailed
			task.Error = err.Error()
			task.FinishedAt = time.Now()
			metrics.TasksTotal.WithLabelValues("failed").Inc()
			return err
		}
		agentName = agent.Name
	}

	maxAttempts := task.MaxAttempts
	if run.spec.FailurePolicy == types.FailurePolicyRetry && run.spec.RetryMaxAttempts > maxAttempts {
		maxAttempts = run.spec.RetryMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		task.Retries = attempt - 1

		p.selector.IncrementInflight(agentName, 1)
		ctx, cancel := context.WithTimeout(context.Background(), taskDispatchTimeout)
		result, err := p.dispatcher.Dispatch(ctx, agentName, task)
		cancel()
		p.selector.IncrementInflight(agentName, -1)

		if err == nil {
			task.Status = types.TaskCompleted
			task.Result = result
			task.ResultHash = hashResult(result)
			task.FinishedAt = time.Now()
			p.checkpoint(run.spec.ID, task)
			metrics.TasksTotal.WithLabelValues("completed").Inc()
			return nil
		}
		lastErr = err

		if run.spec.FailurePolicy != types.FailurePolicyRetry || attempt == maxAttempts {
			break
		}
		time.Sleep(backoffFor(run.spec.RetryBackoff, attempt))
	}

	task.Status = types.TaskFailed
	task.Error = lastErr.Error()
	task.FinishedAt = time.Now()
	metrics.TasksTotal.WithLabelValues("failed").Inc()
	log.WithTask(task.ID).Warn().Err(lastErr).Int("attempts", task.Retries+1).Msg("task exhausted retries")

	if run.spec.FailurePolicy == types.FailurePolicySkip {
		p.skipDependents(run.status.Tasks, task.ID)
	}
	return lastErr
}

// skipDependents marks every task transitively depending on failedID as
// skipped, so independent branches can keep making progress.
func (p *Planner) skipDependents(tasks []*types.TaskNode, failedID string) {
	skipped := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for _, t := range tasks {
			if skipped[t.ID] || isTerminal(t.Status) {
				continue
			}
			for _, dep := range t.DependsOn {
				if skipped[dep] {
					t.Status = types.TaskSkipped
					t.FinishedAt = time.Now()
					skipped[t.ID] = true
					changed = true
					metrics.TasksTotal.WithLabelValues("skipped").Inc()
					break
				}
			}
		}
	}
}

// selectAgent queries for idle/running agents declaring capability and
// picks the one with the fewest inflight tasks, ties broken by the
// most recent heartbeat (lowest heartbeat age).
func (p *Planner) selectAgent(capability string) (*types.AgentRecord, error) {
	candidates := p.selector.Query(func(a *types.AgentRecord) bool {
		return (a.Status == types.StatusIdle || a.Status == types.StatusRunning) && a.HasCapability(capability)
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no agent with capability %q: %w", capability, coreerr.ErrNoCapableAgent)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.InflightTasks < best.InflightTasks:
			best = c
		case c.InflightTasks == best.InflightTasks && c.LastHeartbeatAt.After(best.LastHeartbeatAt):
			best = c
		}
	}
	return best, nil
}

func (p *Planner) checkpoint(planID string, task *types.TaskNode) {
	c := storage.Checkpoint{PlanID: planID, TaskID: task.ID, Status: task.Status, ResultHash: task.ResultHash}
	data, err := json.Marshal(c)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal checkpoint")
		return
	}
	if err := p.log.Append(Command{Op: opCheckpoint, Data: data}); err != nil {
		log.WithTask(task.ID).Error().Err(err).Str("plan_id", planID).Msg("failed to append checkpoint")
	}
}

// maybeReplan records a replan event once the failed share of remaining
// tasks crosses replanFailureRatio. The actual recomputation happens for
// free on the next loop iteration of run, since computeWaves always
// derives waves from current task state.
func (p *Planner) maybeReplan(run *planRun, reason string) {
	run.mu.Lock()
	var remaining, failed int
	for _, t := range run.status.Tasks {
		switch t.Status {
		case types.TaskFailed:
			failed++
		case types.TaskCompleted, types.TaskSkipped, types.TaskCancelled:
		default:
			remaining++
		}
	}
	planID := run.spec.ID
	run.mu.Unlock()

	total := remaining + failed
	if total == 0 || float64(failed)/float64(total) < replanFailureRatio {
		return
	}
	metrics.ReplansTotal.WithLabelValues(reason).Inc()
	log.WithPlan(planID).Warn().Str("reason", reason).Msg("replanning triggered")
}

func (p *Planner) finish(run *planRun, status types.PlanStatusValue) {
	run.mu.Lock()
	run.status.Status = status
	run.status.UpdatedAt = time.Now()
	planID := run.spec.ID
	run.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"plan_id": planID, "status": string(status)})
	if err := p.log.Append(Command{Op: opPlanTerminal, Data: data}); err != nil {
		log.WithPlan(planID).Warn().Err(err).Msg("failed to log plan terminal state")
	}
	metrics.PlansTotal.WithLabelValues(string(status)).Inc()
}

func hashResult(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2.0
	policy.MaxInterval = 5 * time.Second
	policy.RandomizationFactor = 0.2

	d := base
	for i := 0; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	return d
}
