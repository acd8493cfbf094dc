package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jaranetwork/fepy-backend/internal/core/cdc"
	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

// JobPolicy holds the retry budget of one queue.
type JobPolicy struct {
	MaxAttempts int
	Backoff     domain.BackoffPolicy
}

func (p JobPolicy) Spec(kind domain.JobKind, invoiceID string) domain.JobSpec {
	return domain.JobSpec{
		Kind:        kind,
		InvoiceID:   invoiceID,
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
	}
}

type SubmitInvoiceUseCase struct {
	invoices   ports.InvoiceRepository
	issuers    ports.IssuerRepository
	dispatcher ports.JobDispatcher
	policy     JobPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewSubmitInvoiceUseCase(
	invoices ports.InvoiceRepository,
	issuers ports.IssuerRepository,
	dispatcher ports.JobDispatcher,
	policy JobPolicy,
	logger *slog.Logger,
) *SubmitInvoiceUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitInvoiceUseCase{
		invoices:   invoices,
		issuers:    issuers,
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit creates a queued invoice record and enqueues its processing job.
// It never waits for the pipeline.
func (uc *SubmitInvoiceUseCase) Submit(ctx context.Context, req domain.SubmissionRequest) (*domain.Invoice, error) {
	if req.IssuerID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit invoice", errors.New("issuer_id is required"))
	}
	issuer, err := uc.issuers.GetByID(ctx, req.IssuerID)
	if err != nil {
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	if err := issuer.Validate(); err != nil {
		return nil, err
	}

	input, err := domain.NormalizeInput(req.Document, req.DocumentNumber)
	if err != nil {
		return nil, err
	}
	merged := domain.MergeInput(*issuer, input)
	fingerprint := cdc.Fingerprint(issuer.TaxID, input.DocumentNumber, input.IssuedAt)

	existing, err := uc.invoices.GetByFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		return nil, domain.WrapError(domain.ErrDuplicate, "submit invoice", &domain.DuplicateError{
			Fingerprint: fingerprint,
			ExistingID:  existing.ID,
		})
	case !domain.IsKind(err, domain.ErrInvoiceNotFound):
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	payload, err := json.Marshal(input.InvoiceInput)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := uc.now().UTC()
	inv := &domain.Invoice{
		ID:             uuid.NewString(),
		IssuerID:       issuer.ID,
		Fingerprint:    fingerprint,
		DocumentType:   merged.DocumentType,
		DocumentNumber: merged.Number,
		Correlative:    merged.Correlative(),
		Status:         domain.StatusQueued,
		Payload:        payload,
		ClientMetadata: req.ClientMetadata,
		IssuedAt:       input.IssuedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := uc.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	if _, err := uc.dispatcher.Enqueue(ctx, uc.policy.Spec(domain.JobProcess, inv.ID)); err != nil {
		// The record stays queued; the reconciler enqueues it again.
		uc.logger.Warn("enqueue_failed", "invoice_id", inv.ID, "error", err.Error())
	}
	return inv, nil
}
