package planner

import (
	"time"

	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/types"
)

// reconcileLoop proactively cross-checks the registry's blocked/evicted
// agents against in-flight task assignments on a fixed interval, rather
// than waiting for the next plan_status poll to notice a stuck plan.
func (p *Planner) reconcileLoop() {
	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()

	p.logger.Info().Msg("planner reconciliation loop started")
	for {
		select {
		case <-ticker.C:
			p.reconcile()
		case <-p.stopCh:
			p.logger.Info().Msg("planner reconciliation loop stopped")
			return
		}
	}
}

func (p *Planner) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	down := p.selector.Query(func(a *types.AgentRecord) bool {
		return a.Status == types.StatusBlocked || a.Status == types.StatusEvicted
	})
	if len(down) == 0 {
		return
	}
	downNames := make(map[string]bool, len(down))
	for _, a := range down {
		downNames[a.Name] = true
	}

	p.mu.RLock()
	runs := make([]*planRun, 0, len(p.plans))
	for _, r := range p.plans {
		runs = append(runs, r)
	}
	p.mu.RUnlock()

	for _, run := range runs {
		run.mu.Lock()
		terminal := isPlanTerminal(run.status.Status)
		affected := false
		if !terminal {
			for _, t := range run.status.Tasks {
				if t.Status == types.TaskRunning && downNames[t.AssignedAgent] {
					affected = true
					break
				}
			}
		}
		run.mu.Unlock()

		if affected {
			p.maybeReplan(run, "agent_down")
		}
	}
}

func isPlanTerminal(s types.PlanStatusValue) bool {
	switch s {
	case types.PlanCompleted, types.PlanFailed, types.PlanCancelled:
		return true
	default:
		return false
	}
}
