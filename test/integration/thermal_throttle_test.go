package integration

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/events"
	"github.com/cuemby/agentmesh/pkg/planner"
	"github.com/cuemby/agentmesh/pkg/registry"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

// fixedThermalHooks pins the planner's two read-only resource hooks to a
// fixed reading, the documented stub contract the reconcile loop's live
// gopsutil-backed hooks fulfill in production.
type fixedThermalHooks struct {
	capacity planner.Capacity
	thermal  planner.ThermalLevel
}

func (h fixedThermalHooks) Capacity() planner.Capacity          { return h.capacity }
func (h fixedThermalHooks) ThermalState() planner.ThermalLevel { return h.thermal }

// concurrencyTrackingDispatcher records the highest number of tasks it
// ever saw dispatched at the same instant, to confirm the planner's wave
// concurrency actually narrows rather than merely reporting a narrower
// Capacity() that nothing enforces.
type concurrencyTrackingDispatcher struct {
	inflight int32
	maxSeen  int32
}

func (d *concurrencyTrackingDispatcher) Dispatch(ctx context.Context, agentName string, task *types.TaskNode) (map[string]any, error) {
	cur := atomic.AddInt32(&d.inflight, 1)
	for {
		max := atomic.LoadInt32(&d.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&d.maxSeen, max, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&d.inflight, -1)
	return map[string]any{"ok": true}, nil
}

// TestThermalCriticalThrottlesWaveToOne submits a five-task, single-wave
// plan (no dependencies among them) against five idle agents while the
// host reports ThermalCritical, and confirms the planner never dispatches
// more than one task at a time even though both task count and agent
// count would otherwise allow full parallelism.
func TestThermalCriticalThrottlesWaveToOne(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	audit := events.NewAudit(store, broker)
	reg, err := registry.New(store, audit, registry.DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		name := "thermal-worker-" + string(rune('a'+i))
		require.NoError(t, reg.Register(&types.Session{PermissionBitmask: types.RolePermissions[types.RoleOperator]}, &types.AgentRecord{
			Name:         name,
			Capabilities: []string{"noop"},
			Status:       types.StatusIdle,
		}))
	}

	dispatcher := &concurrencyTrackingDispatcher{}
	// MaxParallel: 1 mirrors what the host-sampling Hooks implementation
	// computes once CPU load crosses the critical threshold. Every task
	// below defaults to PriorityCritical (the zero value), so none of
	// them are deferred by the thermal gate in dispatchWave — this test
	// is purely about wave concurrency narrowing to MaxParallel.
	hooks := fixedThermalHooks{capacity: planner.Capacity{MaxParallel: 1}, thermal: planner.ThermalCritical}

	cfg := planner.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReconcileInterval = time.Hour
	p, err := planner.New(store, reg, dispatcher, hooks, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	var tasks []*types.TaskNode
	for i := 0; i < 5; i++ {
		tasks = append(tasks, &types.TaskNode{ID: "t" + string(rune('0'+i)), Action: "noop", Capability: "noop"})
	}
	spec := &types.PlanSpec{ID: "plan-thermal-1", Name: "thermal throttle", FailurePolicy: types.FailurePolicyFailFast, Tasks: tasks}

	_, err = p.Submit(spec)
	require.NoError(t, err)

	waitUntilTerminal(t, p, "plan-thermal-1")
	require.LessOrEqual(t, int(atomic.LoadInt32(&dispatcher.maxSeen)), 1)
}

// thermalToggleHooks reports ThermalCritical until told to clear, letting
// a test observe a task sitting deferred and then completing once thermal
// pressure eases.
type thermalToggleHooks struct {
	capacity planner.Capacity
	critical int32
}

func (h *thermalToggleHooks) Capacity() planner.Capacity { return h.capacity }
func (h *thermalToggleHooks) ThermalState() planner.ThermalLevel {
	if atomic.LoadInt32(&h.critical) != 0 {
		return planner.ThermalCritical
	}
	return planner.ThermalNormal
}

// TestThermalCriticalDefersNonCriticalTasks confirms a normal-priority
// task is held back (not dispatched, not failed) while the host reports
// ThermalCritical, and runs to completion once thermal pressure clears.
func TestThermalCriticalDefersNonCriticalTasks(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	audit := events.NewAudit(store, broker)
	reg, err := registry.New(store, audit, registry.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, reg.Register(&types.Session{PermissionBitmask: types.RolePermissions[types.RoleOperator]}, &types.AgentRecord{
		Name:         "thermal-worker",
		Capabilities: []string{"noop"},
		Status:       types.StatusIdle,
	}))

	dispatcher := &concurrencyTrackingDispatcher{}
	hooks := &thermalToggleHooks{capacity: planner.Capacity{MaxParallel: 4}, critical: 1}

	cfg := planner.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReconcileInterval = time.Hour
	p, err := planner.New(store, reg, dispatcher, hooks, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	spec := &types.PlanSpec{
		ID:            "plan-thermal-2",
		Name:          "thermal deferral",
		FailurePolicy: types.FailurePolicyFailFast,
		Tasks: []*types.TaskNode{
			{ID: "t0", Action: "noop", Capability: "noop", Priority: types.PriorityNormal},
		},
	}
	_, err = p.Submit(spec)
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		status, err := p.Status(spec.ID)
		require.NoError(t, err)
		require.Equal(t, types.TaskDeferred, status.Tasks[0].Status, "task must stay deferred while thermal state is critical")
		time.Sleep(10 * time.Millisecond)
	}

	atomic.StoreInt32(&hooks.critical, 0)
	waitUntilTerminal(t, p, spec.ID)

	status, err := p.Status(spec.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, status.Tasks[0].Status)
}

func waitUntilTerminal(t *testing.T, p *planner.Planner, planID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := p.Status(planID)
		require.NoError(t, err)
		switch status.Status {
		case types.PlanCompleted, types.PlanFailed, types.PlanPartial, types.PlanCancelled:
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("plan did not reach a terminal state in time")
}
