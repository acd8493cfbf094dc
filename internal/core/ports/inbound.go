package ports

import (
	"context"
	"io"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// InvoiceSubmitter is the ingress contract.
type InvoiceSubmitter interface {
	Submit(ctx context.Context, req domain.SubmissionRequest) (*domain.Invoice, error)
}

// InvoiceReader is the read model for invoice state and stored files.
type InvoiceReader interface {
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	OpenArtifact(ctx context.Context, id string) (io.ReadCloser, error)
	OpenRendering(ctx context.Context, id string) (io.ReadCloser, error)
}

// InvoiceRetrier re-enters an invoice in error into the pipeline.
type InvoiceRetrier interface {
	Retry(ctx context.Context, id string) (*domain.Job, error)
}

// JobReader exposes the dead-letter view of the ledger.
type JobReader interface {
	ListFailed(ctx context.Context, limit int) ([]domain.Job, error)
}

// JobHandler executes one job kind inside a worker.
type JobHandler interface {
	Handle(ctx context.Context, env domain.JobEnvelope, progress ProgressSink) error
}

// StatusPoller reconciles invoices that still await a final result.
type StatusPoller interface {
	PollPending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// OperationLogPurger removes audit entries older than a cutoff.
type OperationLogPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
