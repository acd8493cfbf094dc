package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

var jobColumnNames = []string{
	"id", "queue", "kind", "invoice_id", "generation", "state", "attempts", "max_attempts", "backoff", "progress",
	"last_error", "next_run_at", "payload", "created_at", "updated_at",
}

func newJobRepoWithMock(t *testing.T) (*JobRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewJobRepository(db, time.Minute), mock, func() { _ = db.Close() }
}

func jobRow(state string, generation int64, attempts int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(jobColumnNames).AddRow(
		"process-inv-1", domain.QueueProcess, "process", "inv-1", generation, state, attempts, 3,
		[]byte(`{"initial":1000000000,"multiplier":2,"max":60000000000}`), 0, "", nil, []byte(`{}`), now, now,
	)
}

func TestJobReserveReturnsNewGeneration(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("process-inv-1", domain.QueueProcess, "process", "inv-1", 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(jobRow("waiting", 2, 0))

	job, err := repo.Reserve(context.Background(), domain.JobSpec{
		Kind:        domain.JobProcess,
		InvoiceID:   "inv-1",
		MaxAttempts: 3,
		Backoff:     domain.BackoffPolicy{Initial: time.Second, Multiplier: 2, Max: time.Minute},
	})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if job.Generation != 2 || job.State != domain.JobWaiting {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Backoff.Delay(2) != 2*time.Second {
		t.Fatalf("expected decoded backoff, got %+v", job.Backoff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobReserveInFlightIsRefused(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO jobs").WillReturnRows(sqlmock.NewRows(jobColumnNames))

	_, err := repo.Reserve(context.Background(), domain.JobSpec{Kind: domain.JobResubmit, InvoiceID: "inv-1", MaxAttempts: 3})
	if !domain.IsKind(err, domain.ErrJobInFlight) {
		t.Fatalf("expected ErrJobInFlight, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobMarkActiveStaleGeneration(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("process-inv-1", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery("SELECT state FROM jobs").
		WithArgs("process-inv-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	_, err := repo.MarkActive(context.Background(), "process-inv-1", 1)
	if !domain.IsKind(err, domain.ErrJobNotRunnable) {
		t.Fatalf("expected ErrJobNotRunnable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobMarkActiveCountsAttempt(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	mock.ExpectQuery(`state = 'waiting' OR \(state = 'active' AND \(heartbeat_at IS NULL OR heartbeat_at < \$4\)\)`).
		WithArgs("process-inv-1", int64(2), now, now.Add(-time.Minute)).
		WillReturnRows(jobRow("active", 2, 1))

	job, err := repo.MarkActive(context.Background(), "process-inv-1", 2)
	if err != nil {
		t.Fatalf("MarkActive() error = %v", err)
	}
	if job.Attempts != 1 || job.State != domain.JobActive {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobMarkActiveRefusesLiveLease(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("UPDATE jobs").
		WithArgs("process-inv-1", int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(jobColumnNames))
	mock.ExpectQuery("SELECT state FROM jobs").
		WithArgs("process-inv-1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("active"))

	_, err := repo.MarkActive(context.Background(), "process-inv-1", 2)
	if !domain.IsKind(err, domain.ErrJobInFlight) {
		t.Fatalf("expected ErrJobInFlight, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobHeartbeatExtendsActiveLease(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE jobs SET heartbeat_at").
		WithArgs("process-inv-1", int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET heartbeat_at").
		WithArgs("process-inv-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Heartbeat(context.Background(), "process-inv-1", 2); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := repo.Heartbeat(context.Background(), "process-inv-1", 1); !domain.IsKind(err, domain.ErrJobNotRunnable) {
		t.Fatalf("expected ErrJobNotRunnable for a superseded generation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobMarkRetryStoresNextRun(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	next := time.Date(2026, 2, 24, 12, 0, 5, 0, time.UTC)
	mock.ExpectExec("UPDATE jobs").
		WithArgs("process-inv-1", int64(2), "stage sign: boom", next, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkRetry(context.Background(), "process-inv-1", 2, "stage sign: boom", next); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobMarkCompletedNotActive(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkCompleted(context.Background(), "process-inv-1", 2)
	if !domain.IsKind(err, domain.ErrJobNotRunnable) {
		t.Fatalf("expected ErrJobNotRunnable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobReportProgressClamps(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectExec("GREATEST").
		WithArgs("process-inv-1", int64(1), 100, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ReportProgress(context.Background(), "process-inv-1", 1, 140); err != nil {
		t.Fatalf("ReportProgress() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestJobListFailed(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("WHERE state = 'failed'").
		WithArgs(20).
		WillReturnRows(jobRow("failed", 1, 3))

	jobs, err := repo.ListFailed(context.Background(), 20)
	if err != nil {
		t.Fatalf("ListFailed() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].State != domain.JobFailed || jobs[0].Attempts != 3 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOperationLogPurgeBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewOperationLogRepository(db)

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM operation_log").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := repo.PurgeBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PurgeBefore() error = %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 purged rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
