package governance

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Runner is anything the scheduler can trigger.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Scheduler triggers a Runner once at start-up and then at every interval
// boundary (the top of each UTC hour by default). Duplicate triggers are
// harmless: the cycle itself is idempotent per hour.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	// offset delays each trigger past the boundary so the new hour's id is used.
	offset time.Duration
	logger zerolog.Logger
}

// NewScheduler creates an hourly scheduler.
func NewScheduler(runner Runner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: time.Hour,
		offset:   time.Second,
		logger:   logger.With().Str("component", "GovernanceScheduler").Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting governance scheduler")
	s.trigger(ctx)

	for {
		now := time.Now()
		next := now.Truncate(s.interval).Add(s.interval).Add(s.offset)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Governance scheduler stopped")
			return
		case <-timer.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled governance cycle could not run")
		return
	}
	s.logger.Info().
		Str("cycle_id", res.CycleID).
		Bool("ok", res.OK).
		Str("state", string(res.State)).
		Str("reason_code", res.ReasonCode).
		Msg("scheduled governance cycle")
}
