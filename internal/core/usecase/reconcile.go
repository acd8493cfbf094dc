package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
	"github.com/jaranetwork/fepy-backend/internal/core/resultcode"
)

// ReconcileUseCase polls the authority for invoices still awaiting a final
// result and re-enqueues queued invoices whose job never reached the broker.
type ReconcileUseCase struct {
	invoices   ports.InvoiceRepository
	issuers    ports.IssuerRepository
	authority  ports.AuthorityClient
	codes      *resultcode.Table
	ledger     ports.JobLedger
	dispatcher *JobDispatcher
	events     ports.EventPublisher
	policy     JobPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconcileUseCase(
	invoices ports.InvoiceRepository,
	issuers ports.IssuerRepository,
	authority ports.AuthorityClient,
	codes *resultcode.Table,
	ledger ports.JobLedger,
	dispatcher *JobDispatcher,
	events ports.EventPublisher,
	policy JobPolicy,
	logger *slog.Logger,
) *ReconcileUseCase {
	if codes == nil {
		codes = resultcode.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileUseCase{
		invoices:   invoices,
		issuers:    issuers,
		authority:  authority,
		codes:      codes,
		ledger:     ledger,
		dispatcher: dispatcher,
		events:     events,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// PollPending queries the authority for submitted or processing invoices
// that were already sent and applies the interpreted result. It returns
// the number of invoices whose status changed.
func (uc *ReconcileUseCase) PollPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := uc.invoices.ListAwaitingResult(ctx, uc.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list awaiting invoices: %w", err)
	}
	changed := 0
	for i := range pending {
		inv := &pending[i]
		if inv.ControlID == "" || inv.SubmittedAt == nil {
			continue
		}
		ok, err := uc.pollOne(ctx, inv)
		if err != nil {
			uc.logger.Warn("poll_failed", "invoice_id", inv.ID, "error", err.Error())
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (uc *ReconcileUseCase) pollOne(ctx context.Context, inv *domain.Invoice) (bool, error) {
	issuer, err := uc.issuers.GetByID(ctx, inv.IssuerID)
	if err != nil {
		return false, fmt.Errorf("load issuer: %w", err)
	}
	res, err := uc.authority.Query(ctx, ports.QueryRequest{
		ControlID:     inv.ControlID,
		Mode:          issuer.Mode,
		CredentialRef: issuer.ID,
	})
	if err != nil {
		return false, fmt.Errorf("query authority: %w", err)
	}
	outcome := uc.codes.Outcome(res)
	if err := domain.Transition(inv.Status, outcome.Status, domain.TriggerPoll); err != nil {
		return false, err
	}
	if outcome.Status == inv.Status && outcome.Code == inv.ResultCode {
		return false, nil
	}
	if err := uc.invoices.Transition(ctx, inv.ID, domain.StateChange{
		From:        inv.Status,
		To:          outcome.Status,
		Trigger:     domain.TriggerPoll,
		Code:        outcome.Code,
		Message:     outcome.Message,
		Description: "status poll: " + describeOutcome(outcome),
	}); err != nil {
		return false, err
	}
	if uc.events != nil {
		event := domain.InvoiceEvent{
			InvoiceID:   inv.ID,
			IssuerID:    inv.IssuerID,
			Correlative: inv.Correlative,
			ControlID:   inv.ControlID,
			Status:      outcome.Status,
			Code:        outcome.Code,
			Message:     outcome.Message,
			OccurredAt:  uc.now().UTC(),
		}
		if err := uc.events.PublishInvoiceEvent(ctx, event); err != nil {
			uc.logger.Warn("event_publish_failed", "invoice_id", inv.ID, "error", err.Error())
		}
	}
	return true, nil
}

// RequeueStale enqueues queued invoices older than the cutoff. A job still
// waiting in the ledger and untouched since the cutoff is published again
// under its current generation. Broker deduplication and the ledger lease
// keep a second copy from running alongside the first.
func (uc *ReconcileUseCase) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := uc.now().UTC().Add(-olderThan)
	stale, err := uc.invoices.ListQueuedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list queued invoices: %w", err)
	}
	requeued := 0
	for _, inv := range stale {
		_, err := uc.dispatcher.Enqueue(ctx, uc.policy.Spec(domain.JobProcess, inv.ID))
		if err == nil {
			requeued++
			continue
		}
		if !domain.IsKind(err, domain.ErrJobInFlight) {
			uc.logger.Warn("requeue_failed", "invoice_id", inv.ID, "error", err.Error())
			continue
		}
		job, getErr := uc.ledger.Get(ctx, domain.JobID(domain.JobProcess, inv.ID))
		if getErr != nil || job.State != domain.JobWaiting || job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := uc.dispatcher.Publish(ctx, job); err != nil {
			uc.logger.Warn("requeue_failed", "invoice_id", inv.ID, "error", err.Error())
			continue
		}
		requeued++
	}
	return requeued, nil
}
