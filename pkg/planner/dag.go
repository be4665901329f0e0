package planner

import (
	"fmt"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/gammazero/toposort"
)

// validateDAG rejects a plan whose tasks reference an unknown dependency
// or form a cycle. The acyclic check itself is delegated to
// gammazero/toposort; the wave layering below is computed independently
// from the same DependsOn edges so replanning can recompute waves from an
// arbitrary partially-completed state without re-running toposort.
func validateDAG(tasks []*types.TaskNode) error {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}

	graph := toposort.NewGraph(len(tasks))
	for _, t := range tasks {
		graph.AddNode(t.ID)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q: %w", t.ID, dep, coreerr.ErrInvalidDAG)
			}
			graph.AddEdge(dep, t.ID)
		}
	}

	if _, ok := graph.Toposort(); !ok {
		return fmt.Errorf("task graph contains a cycle: %w", coreerr.ErrInvalidDAG)
	}
	return nil
}

// computeWaves performs a Kahn-style topological layering over the
// not-yet-terminal tasks in tasks: wave k is every task whose dependencies
// are all in waves < k (or already terminal, for a replan). Tasks already
// in a terminal state (completed, skipped, cancelled) are excluded from
// every wave since there is nothing left to dispatch for them. Failed
// tasks are excluded too, since their attempts are exhausted, but they do
// not count as done, so a task depending on one is never placed in a wave.
func computeWaves(tasks []*types.TaskNode) ([][]*types.TaskNode, error) {
	byID := make(map[string]*types.TaskNode, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	done := make(map[string]bool, len(tasks))
	var pending []*types.TaskNode
	for _, t := range tasks {
		if isTerminal(t.Status) {
			done[t.ID] = true
			continue
		}
		if t.Status == types.TaskFailed {
			continue
		}
		pending = append(pending, t)
	}

	var waves [][]*types.TaskNode
	for len(pending) > 0 {
		var wave []*types.TaskNode
		var remaining []*types.TaskNode
		for _, t := range pending {
			if dependenciesSatisfied(t, done) {
				wave = append(wave, t)
			} else {
				remaining = append(remaining, t)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("no dispatchable task among %d remaining: %w", len(pending), coreerr.ErrInvalidDAG)
		}
		for _, t := range wave {
			done[t.ID] = true
		}
		waves = append(waves, wave)
		pending = remaining
	}
	return waves, nil
}

func dependenciesSatisfied(t *types.TaskNode, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func isTerminal(s types.TaskStatus) bool {
	switch s {
	case types.TaskCompleted, types.TaskSkipped, types.TaskCancelled:
		return true
	default:
		return false
	}
}
