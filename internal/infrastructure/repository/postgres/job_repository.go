package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

const jobColumns = `id, queue, kind, invoice_id, generation, state, attempts, max_attempts, backoff, progress,
	last_error, next_run_at, payload, created_at, updated_at`

const defaultLease = 60 * time.Second

// JobRepository is the queue ledger. A job id maps to one row; every new
// reservation bumps its generation so stale deliveries can be told apart.
// An active row holds a lease kept alive by Heartbeat; another delivery
// may only take the row over once the lease has expired.
type JobRepository struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewJobRepository builds the ledger. lease should match the broker ack
// wait so a crashed worker's job becomes claimable when it is redelivered.
func NewJobRepository(db *sql.DB, lease time.Duration) *JobRepository {
	if lease <= 0 {
		lease = defaultLease
	}
	return &JobRepository{db: db, lease: lease, now: time.Now}
}

// Reserve inserts the job or re-arms a finished one. A waiting or active
// row is left untouched and ErrJobInFlight is returned.
func (r *JobRepository) Reserve(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 1
	}
	backoffJSON, err := json.Marshal(spec.Backoff)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}
	id := domain.JobID(spec.Kind, spec.InvoiceID)
	payload, err := json.Marshal(map[string]string{"invoice_id": spec.InvoiceID, "kind": string(spec.Kind)})
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	now := r.now().UTC()

	row := r.db.QueryRowContext(ctx, `
INSERT INTO jobs (
	id, queue, kind, invoice_id, generation, state, attempts, max_attempts, backoff, progress, last_error,
	next_run_at, payload, created_at, updated_at
) VALUES ($1,$2,$3,$4,1,'waiting',0,$5,$6,0,'',NULL,$7,$8,$8)
ON CONFLICT (id) DO UPDATE SET
	kind = EXCLUDED.kind,
	generation = jobs.generation + 1,
	state = 'waiting',
	attempts = 0,
	max_attempts = EXCLUDED.max_attempts,
	backoff = EXCLUDED.backoff,
	progress = 0,
	last_error = '',
	next_run_at = NULL,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at
WHERE jobs.state IN ('completed', 'failed')
RETURNING `+jobColumns,
		id, domain.QueueFor(spec.Kind), string(spec.Kind), spec.InvoiceID, spec.MaxAttempts, backoffJSON, payload, now,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobInFlight, "reserve job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotRunnable, "get job", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkActive counts an attempt and takes the lease. An active row is only
// taken over once its lease expired, which is what a redelivery after a
// worker crash finds. A live lease yields ErrJobInFlight.
func (r *JobRepository) MarkActive(ctx context.Context, id string, generation int64) (*domain.Job, error) {
	now := r.now().UTC()
	row := r.db.QueryRowContext(ctx, `
UPDATE jobs
SET state = 'active', attempts = attempts + 1, next_run_at = NULL, heartbeat_at = $3, updated_at = $3
WHERE id = $1 AND generation = $2
	AND (state = 'waiting' OR (state = 'active' AND (heartbeat_at IS NULL OR heartbeat_at < $4)))
RETURNING `+jobColumns, id, generation, now, now.Add(-r.lease))
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activate job: %w", err)
	}

	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = $1 AND generation = $2`, id, generation).Scan(&state)
	switch {
	case err == nil && domain.JobState(state) == domain.JobActive:
		return nil, domain.WrapError(domain.ErrJobInFlight, "activate job", fmt.Errorf("id=%s generation=%d is leased", id, generation))
	case err == nil || errors.Is(err, sql.ErrNoRows):
		return nil, domain.WrapError(domain.ErrJobNotRunnable, "activate job", fmt.Errorf("id=%s generation=%d", id, generation))
	default:
		return nil, fmt.Errorf("check job state: %w", err)
	}
}

// Heartbeat extends the lease of an active job.
func (r *JobRepository) Heartbeat(ctx context.Context, id string, generation int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET heartbeat_at = $3
WHERE id = $1 AND generation = $2 AND state = 'active'
`, id, generation, r.now().UTC())
	if err != nil {
		return fmt.Errorf("job heartbeat: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotRunnable, "job heartbeat", id)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, generation int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = 'completed', progress = 100, last_error = '', updated_at = $3
WHERE id = $1 AND generation = $2 AND state = 'active'
`, id, generation, r.now().UTC())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotRunnable, "complete job", id)
}

func (r *JobRepository) MarkRetry(ctx context.Context, id string, generation int64, lastErr string, nextRunAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = 'waiting', last_error = $3, next_run_at = $4, updated_at = $5
WHERE id = $1 AND generation = $2 AND state = 'active'
`, id, generation, lastErr, nextRunAt.UTC(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotRunnable, "schedule job retry", id)
}

// MarkFailed moves the job to the dead-letter state. Waiting rows qualify
// so a reservation whose publish failed can be released.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, generation int64, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = 'failed', last_error = $3, next_run_at = NULL, updated_at = $4
WHERE id = $1 AND generation = $2 AND state IN ('waiting', 'active')
`, id, generation, lastErr, r.now().UTC())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotRunnable, "fail job", id)
}

// ReportProgress never lowers the stored value.
func (r *JobRepository) ReportProgress(ctx context.Context, id string, generation int64, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET progress = GREATEST(progress, $3), updated_at = $4
WHERE id = $1 AND generation = $2
`, id, generation, pct, r.now().UTC())
	if err != nil {
		return fmt.Errorf("report job progress: %w", err)
	}
	return nil
}

func (r *JobRepository) ListFailed(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE state = 'failed'
ORDER BY updated_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		kind, state string
		backoffRaw  []byte
		payload     []byte
		nextRunAt   sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.Queue, &kind, &job.InvoiceID, &job.Generation, &state, &job.Attempts, &job.MaxAttempts,
		&backoffRaw, &job.Progress, &job.LastError, &nextRunAt, &payload, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	job.NextRunAt = timePtr(nextRunAt)
	job.Payload = json.RawMessage(payload)
	if len(backoffRaw) > 0 {
		if err := json.Unmarshal(backoffRaw, &job.Backoff); err != nil {
			return nil, fmt.Errorf("unmarshal backoff: %w", err)
		}
	}
	return &job, nil
}
