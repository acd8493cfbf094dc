package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

const (
	defaultTimeout   = 5 * time.Minute
	defaultHeartbeat = 15 * time.Second
	ledgerRetryDelay = 5 * time.Second
)

// Metrics is the subset of worker metrics the runner reports to.
type Metrics interface {
	StartJob(queue string)
	FinishJob(queue, outcome string, duration time.Duration)
	ObserveQueueLag(queue string, lag time.Duration)
}

type Options struct {
	// Timeout bounds one attempt of a job.
	Timeout time.Duration
	// Heartbeat is how often an in-flight delivery is extended. It must
	// stay below the broker ack wait.
	Heartbeat time.Duration
	Metrics   Metrics
	Logger    *slog.Logger
}

// Runner executes deliveries of one queue against the ledger: it counts
// attempts, schedules retries with the job's backoff and dead-letters
// jobs that ran out of attempts.
type Runner struct {
	queue     string
	ledger    ports.JobLedger
	handler   ports.JobHandler
	timeout   time.Duration
	heartbeat time.Duration
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(queue string, ledger ports.JobLedger, handler ports.JobHandler, opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		queue:     queue,
		ledger:    ledger,
		handler:   handler,
		timeout:   opts.Timeout,
		heartbeat: opts.Heartbeat,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("queue", queue),
		now:       time.Now,
	}
}

// Run consumes the runner's queue until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, consumer ports.JobConsumer, concurrency int) error {
	r.logger.Info("worker_started", "concurrency", concurrency, "timeout", r.timeout.String())
	err := consumer.Consume(ctx, r.queue, concurrency, r.HandleDelivery)
	r.logger.Info("worker_stopped")
	return err
}

// HandleDelivery runs one delivery to its end: ack, delayed nak or term.
func (r *Runner) HandleDelivery(ctx context.Context, d ports.JobDelivery) {
	var env domain.JobEnvelope
	if err := json.Unmarshal(d.Data(), &env); err != nil || env.JobID == "" {
		r.logger.Error("job_envelope_invalid", "error", err, "size", len(d.Data()))
		r.settle("term", d.Term())
		return
	}
	log := r.logger.With("job_id", env.JobID, "generation", env.Generation, "invoice_id", env.InvoiceID)

	job, err := r.ledger.MarkActive(ctx, env.JobID, env.Generation)
	if err != nil {
		if domain.IsKind(err, domain.ErrJobInFlight) {
			// A duplicate message while another worker runs this
			// generation. Check back once its lease could have lapsed.
			log.Info("job_busy_delivery", "deliveries", d.NumDelivered())
			r.settle("nak", d.NakWithDelay(r.heartbeat))
			return
		}
		if domain.IsKind(err, domain.ErrJobNotRunnable) {
			// Superseded generation or an already finished job.
			log.Info("job_stale_delivery", "deliveries", d.NumDelivered())
			r.settle("ack", d.Ack())
			return
		}
		log.Error("job_activate_failed", "error", err)
		r.settle("nak", d.NakWithDelay(ledgerRetryDelay))
		return
	}
	if job.Attempts == 1 && r.metrics != nil {
		if published := d.PublishedAt(); !published.IsZero() {
			r.metrics.ObserveQueueLag(r.queue, r.now().Sub(published))
		}
	}

	log.Info("job_started", "kind", env.Kind, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	started := r.now()
	if r.metrics != nil {
		r.metrics.StartJob(r.queue)
	}
	runErr := r.execute(ctx, d, env, job)
	outcome := r.finish(ctx, d, job, runErr, log)
	if r.metrics != nil {
		r.metrics.FinishJob(r.queue, outcome, r.now().Sub(started))
	}
}

func (r *Runner) execute(ctx context.Context, d ports.JobDelivery, env domain.JobEnvelope, job *domain.Job) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(jobCtx, d, job)
	defer stopHeartbeat()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job_panic", "job_id", job.ID, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()

	progress := &ledgerProgress{ledger: r.ledger, jobID: job.ID, generation: job.Generation}
	return r.handler.Handle(jobCtx, env, progress)
}

// startHeartbeat keeps both the broker delivery and the ledger lease alive.
func (r *Runner) startHeartbeat(ctx context.Context, d ports.JobDelivery, job *domain.Job) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.InProgress(); err != nil {
					r.logger.Warn("job_heartbeat_failed", "job_id", job.ID, "error", err)
				}
				if err := r.ledger.Heartbeat(ctx, job.ID, job.Generation); err != nil {
					r.logger.Warn("job_lease_renew_failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) finish(ctx context.Context, d ports.JobDelivery, job *domain.Job, runErr error, log *slog.Logger) string {
	if runErr == nil {
		if err := r.ledger.MarkCompleted(ctx, job.ID, job.Generation); err != nil && !domain.IsKind(err, domain.ErrJobNotRunnable) {
			// The handler is safe to re-run; redeliver so the ledger row
			// does not stay active forever.
			log.Error("job_complete_record_failed", "error", err)
			r.settle("nak", d.NakWithDelay(ledgerRetryDelay))
			return "ledger_error"
		}
		log.Info("job_completed", "attempt", job.Attempts)
		r.settle("ack", d.Ack())
		return "completed"
	}

	lastErr := runErr.Error()
	if domain.IsPermanent(runErr) || job.Attempts >= job.MaxAttempts {
		if err := r.ledger.MarkFailed(ctx, job.ID, job.Generation, lastErr); err != nil {
			log.Error("job_fail_record_failed", "error", err)
		}
		log.Error("job_failed",
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"permanent", domain.IsPermanent(runErr),
			"error", runErr,
		)
		r.settle("term", d.Term())
		return "failed"
	}

	delay := job.Backoff.Delay(job.Attempts)
	if err := r.ledger.MarkRetry(ctx, job.ID, job.Generation, lastErr, r.now().Add(delay)); err != nil {
		log.Error("job_retry_record_failed", "error", err)
	}
	log.Warn("job_retry_scheduled",
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"delay_ms", delay.Milliseconds(),
		"error", runErr,
	)
	r.settle("nak", d.NakWithDelay(delay))
	return "retry"
}

func (r *Runner) settle(action string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("job_settle_failed", "action", action, "error", err)
	}
}

// ledgerProgress stores advisory progress on the job's ledger row.
type ledgerProgress struct {
	ledger     ports.JobLedger
	jobID      string
	generation int64
}

func (p *ledgerProgress) Report(ctx context.Context, pct int) error {
	return p.ledger.ReportProgress(ctx, p.jobID, p.generation, pct)
}
