package security

import (
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/robfig/cron/v3"
)

// CleanupScheduler periodically sweeps expired sessions out of the
// store on a standing cron schedule.
type CleanupScheduler struct {
	cron *cron.Cron
	gate *AuthGate
}

// NewCleanupScheduler builds a scheduler that runs gate.CleanupExpired on
// spec, a standard 5-field cron expression (e.g. "*/15 * * * *").
func NewCleanupScheduler(gate *AuthGate, spec string) (*CleanupScheduler, error) {
	c := cron.New()
	s := &CleanupScheduler{cron: c, gate: gate}

	_, err := c.AddFunc(spec, s.run)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CleanupScheduler) run() {
	logger := log.WithComponent("security-cleanup")
	n, err := s.gate.CleanupExpired()
	if err != nil {
		logger.Error().Err(err).Msg("failed to sweep expired sessions")
		return
	}
	if n > 0 {
		logger.Info().Int("count", n).Msg("swept expired sessions")
	}
}

// Start begins the cron schedule in the background.
func (s *CleanupScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for any in-flight run to finish.
func (s *CleanupScheduler) Stop() {
	<-s.cron.Stop().Done()
}
