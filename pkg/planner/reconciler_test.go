package planner

import (
	"testing"
	"time"

	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestIsPlanTerminal(t *testing.T) {
	require.True(t, isPlanTerminal(types.PlanCompleted))
	require.True(t, isPlanTerminal(types.PlanFailed))
	require.True(t, isPlanTerminal(types.PlanCancelled))
	require.False(t, isPlanTerminal(types.PlanRunning))
	require.False(t, isPlanTerminal(types.PlanPending))
}

func TestReconcileTriggersReplanForPlanWithRunningTaskOnDownAgent(t *testing.T) {
	selector := newFakeSelector(&types.AgentRecord{Name: "worker-down", Status: types.StatusBlocked})
	dispatcher := newFakeDispatcher()
	p := newTestPlanner(t, selector, dispatcher)

	before := testutil.ToFloat64(metrics.ReplansTotal.WithLabelValues("agent_down"))

	run := &planRun{
		spec: &types.PlanSpec{ID: "plan-reconcile"},
		status: &types.PlanStatus{
			PlanID: "plan-reconcile",
			Status: types.PlanRunning,
			Tasks: []*types.TaskNode{
				{ID: "a", Status: types.TaskFailed},
				{ID: "b", Status: types.TaskFailed},
				{ID: "c", Status: types.TaskRunning, AssignedAgent: "worker-down"},
				{ID: "d", Status: types.TaskCompleted},
			},
		},
	}
	p.mu.Lock()
	p.plans["plan-reconcile"] = run
	p.mu.Unlock()

	p.reconcile()

	after := testutil.ToFloat64(metrics.ReplansTotal.WithLabelValues("agent_down"))
	require.Equal(t, before+1, after)
}

func TestReconcileSkipsTerminalPlans(t *testing.T) {
	selector := newFakeSelector(&types.AgentRecord{Name: "worker-down", Status: types.StatusEvicted})
	dispatcher := newFakeDispatcher()
	p := newTestPlanner(t, selector, dispatcher)

	before := testutil.ToFloat64(metrics.ReplansTotal.WithLabelValues("agent_down"))

	run := &planRun{
		spec: &types.PlanSpec{ID: "plan-done"},
		status: &types.PlanStatus{
			PlanID: "plan-done",
			Status: types.PlanCompleted,
			Tasks: []*types.TaskNode{
				{ID: "a", Status: types.TaskCompleted, AssignedAgent: "worker-down"},
			},
		},
	}
	p.mu.Lock()
	p.plans["plan-done"] = run
	p.mu.Unlock()

	p.reconcile()

	after := testutil.ToFloat64(metrics.ReplansTotal.WithLabelValues("agent_down"))
	require.Equal(t, before, after)
}

func TestReconcileNoOpWhenNoAgentsDown(t *testing.T) {
	selector := newFakeSelector(&types.AgentRecord{Name: "worker-1", Status: types.StatusIdle})
	dispatcher := newFakeDispatcher()
	p := newTestPlanner(t, selector, dispatcher)

	run := &planRun{
		spec: &types.PlanSpec{ID: "plan-healthy"},
		status: &types.PlanStatus{
			PlanID: "plan-healthy",
			Status: types.PlanRunning,
			Tasks: []*types.TaskNode{
				{ID: "a", Status: types.TaskRunning, AssignedAgent: "worker-1"},
			},
		},
	}
	p.mu.Lock()
	p.plans["plan-healthy"] = run
	p.mu.Unlock()

	require.NotPanics(t, func() { p.reconcile() })
}

func TestReconcileLoopStopsOnStopChClose(t *testing.T) {
	selector := newFakeSelector()
	dispatcher := newFakeDispatcher()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{DataDir: t.TempDir(), NodeID: "reconciler-test", ReconcileInterval: time.Millisecond}
	p, err := New(store, selector, dispatcher, fixedHooks{Capacity{MaxParallel: 1}, ThermalNormal}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.log.Shutdown() })

	done := make(chan struct{})
	go func() {
		p.reconcileLoop()
		close(done)
	}()

	close(p.stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcileLoop did not stop after stopCh was closed")
	}
}
