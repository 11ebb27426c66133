package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepEngine holds the periodic maintenance operations of the engine
type SweepEngine interface {
	ProcessRetryTasks(ctx context.Context) (int, error)
	ReleaseExpiredLocks(ctx context.Context) (int, error)
	ActivateScheduledInstances(ctx context.Context, limit int) (int, error)
	TimeoutInstances(ctx context.Context, limit int) (int, error)
}

// Locker elects a single sweeping process
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) (bool, error)
}

const sweepLease = "sweeper"

// SweepResult counts what one pass changed
type SweepResult struct {
	Retries      int
	ExpiredLocks int
	Activated    int
	TimedOut     int
}

// Sweeper requeues due retries, reclaims lapsed locks, starts scheduled
// instances and fails timed-out ones. With a Locker, only the lease holder
// sweeps.
type Sweeper struct {
	engine   SweepEngine
	locker   Locker
	interval time.Duration
	leaseTTL time.Duration
	batch    int
	logger   *zap.SugaredLogger
}

// NewSweeper creates a sweeper. locker may be nil for a single process. The
// lease is held for leaseTTL, at least one interval.
func NewSweeper(eng SweepEngine, locker Locker, interval, leaseTTL time.Duration, batch int, logger *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if leaseTTL < interval {
		leaseTTL = 3 * interval
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{engine: eng, locker: locker, interval: interval, leaseTTL: leaseTTL, batch: batch, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infow("Starting sweeper", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			if s.locker != nil {
				if _, err := s.locker.Release(context.WithoutCancel(ctx), sweepLease); err != nil {
					s.logger.Warnw("Failed to release sweeper lease", "error", err)
				}
			}
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Errorw("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass. It returns a zero result when another process holds
// the lease. Every step runs even if an earlier one fails.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, sweepLease, s.leaseTTL)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
	}

	var errs []error
	var err error
	if res.Retries, err = s.engine.ProcessRetryTasks(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.ExpiredLocks, err = s.engine.ReleaseExpiredLocks(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Activated, err = s.engine.ActivateScheduledInstances(ctx, s.batch); err != nil {
		errs = append(errs, fmt.Errorf("activate scheduled: %w", err))
	}
	if res.TimedOut, err = s.engine.TimeoutInstances(ctx, s.batch); err != nil {
		errs = append(errs, fmt.Errorf("timeout instances: %w", err))
	}

	if res != (SweepResult{}) {
		s.logger.Infow("Sweep finished",
			"retries", res.Retries,
			"expired_locks", res.ExpiredLocks,
			"activated", res.Activated,
			"timed_out", res.TimedOut,
		)
	}
	return res, errors.Join(errs...)
}
