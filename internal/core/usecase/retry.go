package usecase

import (
	"context"
	"fmt"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

type RetryInvoiceUseCase struct {
	invoices   ports.InvoiceRepository
	store      ports.ArtifactStore
	dispatcher ports.JobDispatcher
	policy     JobPolicy
}

func NewRetryInvoiceUseCase(
	invoices ports.InvoiceRepository,
	store ports.ArtifactStore,
	dispatcher ports.JobDispatcher,
	policy JobPolicy,
) *RetryInvoiceUseCase {
	return &RetryInvoiceUseCase{
		invoices:   invoices,
		store:      store,
		dispatcher: dispatcher,
		policy:     policy,
	}
}

// Retry re-enters an invoice in error. With a stored artifact it resumes at
// submission, otherwise it runs the full pipeline again.
func (uc *RetryInvoiceUseCase) Retry(ctx context.Context, id string) (*domain.Job, error) {
	inv, err := uc.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch invoice by id: %w", err)
	}
	if err := domain.Transition(inv.Status, domain.StatusProcessing, domain.TriggerRetry); err != nil {
		return nil, err
	}

	kind := domain.JobProcess
	if inv.HasArtifact() {
		exists, err := uc.store.Exists(ctx, inv.ArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("check artifact: %w", err)
		}
		if exists {
			kind = domain.JobResubmit
		}
	}

	job, err := uc.dispatcher.Enqueue(ctx, uc.policy.Spec(kind, inv.ID))
	if err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}

	if err := uc.invoices.Transition(ctx, inv.ID, domain.StateChange{
		From:        domain.StatusError,
		To:          domain.StatusProcessing,
		Trigger:     domain.TriggerRetry,
		Description: fmt.Sprintf("manual retry as %s job", kind),
	}); err != nil && !domain.IsKind(err, domain.ErrInvalidTransition) {
		// A worker that picked the job up first already moved the record.
		return nil, fmt.Errorf("set status=processing: %w", err)
	}
	return job, nil
}
