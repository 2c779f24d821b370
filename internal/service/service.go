package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fxwatcher/internal/engine"
	"fxwatcher/internal/scheduler"
	"fxwatcher/internal/storage"
)

// Service orchestrates scheduled alert evaluation.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	logger    zerolog.Logger

	locker     storage.AdvisoryLocker
	lockKey    int64
	tickBudget time.Duration
}

// Options configure the evaluation service.
type Options struct {
	Locker  storage.AdvisoryLocker
	LockKey int64
	// TickBudget bounds a single sweep. Zero means no per-tick deadline.
	TickBudget time.Duration
}

// New constructs the evaluation service.
func New(sched *scheduler.Scheduler, eng *engine.Engine, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		engine:     eng,
		logger:     logger.With().Str("component", "service").Logger(),
		locker:     opts.Locker,
		lockKey:    opts.LockKey,
		tickBudget: opts.TickBudget,
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick evaluates all active rules for a single tick.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	tickCtx := ctx
	if s.tickBudget > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, s.tickBudget)
		defer cancel()
	}

	summary := s.engine.Tick(tickCtx, tick)
	if summary.SkippedTransient > 0 {
		s.logger.Warn().
			Time("tick", tick).
			Int("skipped_transient", summary.SkippedTransient).
			Msg("some rules skipped this tick, will retry next tick")
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
