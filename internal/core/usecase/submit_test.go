package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

func newSubmitFixture() (*SubmitInvoiceUseCase, *invoiceRepoFake, *dispatcherFake) {
	repo := newInvoiceRepoFake()
	issuers := &issuerRepoFake{issuers: map[string]*domain.Issuer{"issuer-1": scenarioIssuer()}}
	dispatcher := &dispatcherFake{}
	uc := NewSubmitInvoiceUseCase(repo, issuers, dispatcher, JobPolicy{MaxAttempts: 3, Backoff: domain.DefaultBackoff()}, nil)
	return uc, repo, dispatcher
}

func TestSubmitInvoiceCreatesQueuedRecord(t *testing.T) {
	uc, repo, dispatcher := newSubmitFixture()

	inv, err := uc.Submit(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if inv.Status != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", inv.Status)
	}
	if inv.Correlative != "001-001-0000060" {
		t.Fatalf("unexpected correlative %s", inv.Correlative)
	}
	if len(inv.Fingerprint) != 64 {
		t.Fatalf("expected sha256 fingerprint, got %q", inv.Fingerprint)
	}
	if _, err := repo.GetByID(context.Background(), inv.ID); err != nil {
		t.Fatalf("expected stored record: %v", err)
	}
	kinds := dispatcher.kinds()
	if len(kinds) != 1 || kinds[0] != domain.JobProcess {
		t.Fatalf("expected one process job, got %v", kinds)
	}
	if dispatcher.specs[0].MaxAttempts != 3 {
		t.Fatalf("expected policy max attempts, got %d", dispatcher.specs[0].MaxAttempts)
	}
}

func TestSubmitInvoiceDuplicateYieldsSingleRecord(t *testing.T) {
	uc, repo, _ := newSubmitFixture()

	first, err := uc.Submit(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	_, err = uc.Submit(context.Background(), scenarioRequest())
	if !domain.IsKind(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	dup, ok := domain.AsDuplicate(err)
	if !ok || dup.ExistingID != first.ID {
		t.Fatalf("expected existing id %s, got %+v", first.ID, dup)
	}
	if len(repo.byID) != 1 {
		t.Fatalf("expected a single record, got %d", len(repo.byID))
	}
}

func TestSubmitInvoiceEnqueueFailureKeepsRecord(t *testing.T) {
	uc, repo, dispatcher := newSubmitFixture()
	dispatcher.err = errors.New("broker down")

	inv, err := uc.Submit(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	stored, err := repo.GetByID(context.Background(), inv.ID)
	if err != nil || stored.Status != domain.StatusQueued {
		t.Fatalf("expected queued record to remain, got %+v %v", stored, err)
	}
}

func TestSubmitInvoiceValidation(t *testing.T) {
	uc, repo, _ := newSubmitFixture()

	req := scenarioRequest()
	req.IssuerID = ""
	if _, err := uc.Submit(context.Background(), req); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing issuer, got %v", err)
	}

	req = scenarioRequest()
	req.IssuerID = "unknown"
	if _, err := uc.Submit(context.Background(), req); !domain.IsKind(err, domain.ErrIssuerNotFound) {
		t.Fatalf("expected issuer not found, got %v", err)
	}

	req = scenarioRequest()
	req.Document.Items = nil
	if _, err := uc.Submit(context.Background(), req); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty items, got %v", err)
	}
	if len(repo.byID) != 0 {
		t.Fatalf("expected no records, got %d", len(repo.byID))
	}
}

func TestSubmitInvoiceRejectsInactiveIssuer(t *testing.T) {
	uc, _, _ := newSubmitFixture()
	inactive := scenarioIssuer()
	inactive.Active = false
	uc.issuers = &issuerRepoFake{issuers: map[string]*domain.Issuer{"issuer-1": inactive}}

	if _, err := uc.Submit(context.Background(), scenarioRequest()); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
