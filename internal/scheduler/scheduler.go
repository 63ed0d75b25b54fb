// Package scheduler runs the background reconciliation jobs: draining the
// tx ref repair queue and, when enabled, sweeping orphaned metadata.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/phuaky/pong-rank/internal/config"
	"github.com/phuaky/pong-rank/internal/service"
)

const (
	repairJobName = "repair-patches"
	sweepJobName  = "orphan-sweep"
)

// Repairer is the work the scheduler drives.
type Repairer interface {
	RunPatches(ctx context.Context) int
	SweepOrphans(ctx context.Context) (service.SweepReport, error)
}

type Scheduler struct {
	sched  gocron.Scheduler
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, repairs Repairer, logger zerolog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sched:  sched,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.add(repairJobName, cfg.RepairInterval, func(ctx context.Context) {
		if n := repairs.RunPatches(ctx); n > 0 {
			s.logger.Info().Int("repaired", n).Msg("repair pass finished")
		}
	}); err != nil {
		cancel()
		return nil, err
	}

	if cfg.OrphanSweep {
		// the sweep only needs to run a few times per grace period
		every := cfg.OrphanGrace / 4
		if every < time.Minute {
			every = time.Minute
		}
		if err := s.add(sweepJobName, every, func(ctx context.Context) {
			if _, err := repairs.SweepOrphans(ctx); err != nil {
				s.logger.Error().Err(err).Msg("orphan sweep failed")
			}
		}); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, run func(ctx context.Context)) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			start := time.Now()
			run(s.ctx)
			s.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job ran")
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.logger.Info().Str("job", name).Dur("every", every).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info().Int("jobs", len(s.sched.Jobs())).Msg("scheduler started")
}

func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

func register(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.StartStopHook(s.Start, s.Stop))
}

var Module = fx.Options(
	fx.Provide(New),
	fx.Provide(func(r *service.RepairService) Repairer { return r }),
	fx.Invoke(register),
)
