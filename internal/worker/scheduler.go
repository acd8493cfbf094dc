package worker

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler is the periodic maintenance the worker runs besides the queues.
type Reconciler interface {
	PollPending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type ScheduleConfig struct {
	Interval     time.Duration
	PollAfter    time.Duration
	RequeueAfter time.Duration
	BatchSize    int
}

// Scheduler ticks the reconciler until its context ends.
type Scheduler struct {
	reconciler Reconciler
	cfg        ScheduleConfig
	logger     *slog.Logger
}

func NewScheduler(reconciler Reconciler, cfg ScheduleConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: reconciler, cfg: cfg, logger: logger}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation round. Errors are logged; the next tick
// tries again.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.cfg.PollAfter > 0 {
		n, err := s.reconciler.PollPending(ctx, s.cfg.PollAfter, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("poll_pending_failed", "error", err)
		} else if n > 0 {
			s.logger.Info("poll_pending_updated", "count", n)
		}
	}
	if s.cfg.RequeueAfter > 0 {
		n, err := s.reconciler.RequeueStale(ctx, s.cfg.RequeueAfter, s.cfg.BatchSize)
		if err != nil {
			s.logger.Warn("requeue_stale_failed", "error", err)
		} else if n > 0 {
			s.logger.Info("requeue_stale_enqueued", "count", n)
		}
	}
}
