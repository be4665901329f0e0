package planner

import (
	"errors"
	"testing"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

func node(id string, deps ...string) *types.TaskNode {
	return &types.TaskNode{ID: id, Action: "noop", DependsOn: deps}
}

func TestValidateDAGAcceptsAcyclicGraph(t *testing.T) {
	tasks := []*types.TaskNode{
		node("a"),
		node("b", "a"),
		node("c", "a"),
		node("d", "b", "c"),
	}
	require.NoError(t, validateDAG(tasks))
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	tasks := []*types.TaskNode{
		node("a", "c"),
		node("b", "a"),
		node("c", "b"),
	}
	err := validateDAG(tasks)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrInvalidDAG))
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	tasks := []*types.TaskNode{
		node("a", "ghost"),
	}
	err := validateDAG(tasks)
	require.Error(t, err)
	require.True(t, errors.Is(err, coreerr.ErrInvalidDAG))
}

func TestComputeWavesLayersByDependency(t *testing.T) {
	tasks := []*types.TaskNode{
		node("a"),
		node("b", "a"),
		node("c", "a"),
		node("d", "b", "c"),
	}
	waves, err := computeWaves(tasks)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	require.Len(t, waves[0], 1)
	require.Equal(t, "a", waves[0][0].ID)
	require.Len(t, waves[1], 2)
	require.Len(t, waves[2], 1)
	require.Equal(t, "d", waves[2][0].ID)
}

func TestComputeWavesSkipsTerminalTasks(t *testing.T) {
	a := node("a")
	a.Status = types.TaskCompleted
	b := node("b", "a")

	waves, err := computeWaves([]*types.TaskNode{a, b})
	require.NoError(t, err)
	require.Len(t, waves, 1)
	require.Equal(t, "b", waves[0][0].ID)
}

func TestComputeWavesReturnsNoneWhenAllTerminal(t *testing.T) {
	a := node("a")
	a.Status = types.TaskCompleted

	waves, err := computeWaves([]*types.TaskNode{a})
	require.NoError(t, err)
	require.Len(t, waves, 0)
}
