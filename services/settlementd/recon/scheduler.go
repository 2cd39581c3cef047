package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic reconciliation loop.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	// MaxInterval caps the backed-off cadence after failing passes.
	MaxInterval time.Duration
	Logger      *slog.Logger
}

// Scheduler executes reconciliation passes on a fixed cadence, slowing down
// while the ledger or database keeps failing.
type Scheduler struct {
	reconciler  *Reconciler
	interval    time.Duration
	maxInterval time.Duration
	logger      *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < interval {
		maxInterval = 8 * interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler:  cfg.Reconciler,
		interval:    interval,
		maxInterval: maxInterval,
		logger:      logger.With(slog.String("component", "recon-scheduler")),
	}
}

// Start runs passes until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	delay := s.interval
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_, err := s.reconciler.RunOnce(ctx)
		switch {
		case err == nil:
			delay = s.interval
		case errors.Is(err, context.Canceled):
			return
		default:
			delay = s.nextDelay(delay)
			s.logger.Error("recon pass failed", slog.Any("error", err), slog.Duration("retry_in", delay))
		}
	}
}

func (s *Scheduler) nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > s.maxInterval {
		return s.maxInterval
	}
	return next
}
