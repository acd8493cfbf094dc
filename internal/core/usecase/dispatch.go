package usecase

import (
	"context"
	"fmt"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

// JobDispatcher reserves jobs in the ledger before publishing them, so the
// ledger refuses a second enqueue while one is waiting or active.
type JobDispatcher struct {
	ledger    ports.JobLedger
	publisher ports.JobPublisher
}

func NewJobDispatcher(ledger ports.JobLedger, publisher ports.JobPublisher) *JobDispatcher {
	return &JobDispatcher{ledger: ledger, publisher: publisher}
}

func (d *JobDispatcher) Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := d.ledger.Reserve(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	if err := d.Publish(ctx, job); err != nil {
		// Release the reservation so the job id can be enqueued again.
		if markErr := d.ledger.MarkFailed(ctx, job.ID, job.Generation, err.Error()); markErr != nil {
			return nil, fmt.Errorf("%w; release reservation: %v", err, markErr)
		}
		return nil, err
	}
	return job, nil
}

// Publish sends the envelope of an already reserved job.
func (d *JobDispatcher) Publish(ctx context.Context, job *domain.Job) error {
	env := domain.JobEnvelope{
		JobID:      job.ID,
		Generation: job.Generation,
		Kind:       job.Kind,
		InvoiceID:  job.InvoiceID,
	}
	if err := d.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish job %s: %w", env.MessageID(), err)
	}
	return nil
}
