package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

type invoiceRepoFake struct {
	mu          sync.Mutex
	byID        map[string]*domain.Invoice
	changes     []domain.StateChange
	identifiers int
	createErr   error
}

func newInvoiceRepoFake() *invoiceRepoFake {
	return &invoiceRepoFake{byID: map[string]*domain.Invoice{}}
}

func (f *invoiceRepoFake) Create(_ context.Context, inv *domain.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.byID {
		if existing.Fingerprint == inv.Fingerprint {
			return domain.WrapError(domain.ErrDuplicate, "create invoice", &domain.DuplicateError{
				Fingerprint: inv.Fingerprint, ExistingID: existing.ID,
			})
		}
	}
	copyInv := *inv
	f.byID[inv.ID] = &copyInv
	return nil
}

func (f *invoiceRepoFake) GetByID(_ context.Context, id string) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byID[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id=%s", id))
	}
	copyInv := *inv
	return &copyInv, nil
}

func (f *invoiceRepoFake) GetByFingerprint(_ context.Context, fingerprint string) (*domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.byID {
		if inv.Fingerprint == fingerprint {
			copyInv := *inv
			return &copyInv, nil
		}
	}
	return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice by fingerprint", errors.New("no rows"))
}

func (f *invoiceRepoFake) SaveIdentifiers(_ context.Context, id, controlID, securityCode string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv := f.byID[id]
	if inv.ControlID == "" {
		inv.ControlID = controlID
		inv.SecurityCode = securityCode
		f.identifiers++
	}
	return inv.ControlID, inv.SecurityCode, nil
}

func (f *invoiceRepoFake) SetArtifact(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].ArtifactPath = key
	return nil
}

func (f *invoiceRepoFake) SetRenderPath(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].RenderPath = key
	return nil
}

func (f *invoiceRepoFake) Transition(_ context.Context, id string, change domain.StateChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byID[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if err := domain.Transition(change.From, change.To, change.Trigger); err != nil {
		return err
	}
	if inv.Status != change.From {
		return domain.WrapError(domain.ErrInvalidTransition, "transition", fmt.Errorf("status is %s", inv.Status))
	}
	inv.Status = change.To
	inv.ResultCode = change.Code
	inv.ResultMessage = change.Message
	if change.SubmittedAt != nil {
		inv.SubmittedAt = change.SubmittedAt
	}
	if change.Trigger == domain.TriggerDequeue || change.Trigger == domain.TriggerRedelivery || change.Trigger == domain.TriggerRetry {
		inv.SubmittedAt = nil
	}
	f.changes = append(f.changes, change)
	return nil
}

func (f *invoiceRepoFake) ListAwaitingResult(_ context.Context, before time.Time, limit int) ([]domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range f.byID {
		if inv.Status == domain.StatusSubmitted || inv.Status == domain.StatusProcessing {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *invoiceRepoFake) ListQueuedBefore(_ context.Context, before time.Time, limit int) ([]domain.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range f.byID {
		if inv.Status == domain.StatusQueued && inv.CreatedAt.Before(before) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (f *invoiceRepoFake) statuses() []domain.InvoiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.InvoiceStatus, 0, len(f.changes))
	for _, c := range f.changes {
		out = append(out, c.To)
	}
	return out
}

type issuerRepoFake struct {
	issuers map[string]*domain.Issuer
}

func (f *issuerRepoFake) GetByID(_ context.Context, id string) (*domain.Issuer, error) {
	issuer, ok := f.issuers[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrIssuerNotFound, "get issuer", fmt.Errorf("id=%s", id))
	}
	copyIssuer := *issuer
	return &copyIssuer, nil
}

type storeFake struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr error
}

func newStoreFake() *storeFake {
	return &storeFake{files: map[string][]byte{}}
}

func (f *storeFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = raw
	return nil
}

func (f *storeFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.files[key]
	if !ok {
		return nil, errors.New("file not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storeFake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[key]
	return ok, nil
}

type dispatcherFake struct {
	mu    sync.Mutex
	specs []domain.JobSpec
	err   error
}

func (f *dispatcherFake) Enqueue(_ context.Context, spec domain.JobSpec) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	return &domain.Job{
		ID:          domain.JobID(spec.Kind, spec.InvoiceID),
		Kind:        spec.Kind,
		InvoiceID:   spec.InvoiceID,
		Generation:  int64(len(f.specs)),
		State:       domain.JobWaiting,
		MaxAttempts: spec.MaxAttempts,
	}, nil
}

func (f *dispatcherFake) kinds() []domain.JobKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.JobKind, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s.Kind)
	}
	return out
}

type assemblerFake struct {
	calls    int
	requests []domain.DocumentRequest
	err      error
}

func (f *assemblerFake) Assemble(_ context.Context, req domain.DocumentRequest) ([]byte, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("<rDE><DE Id=\"" + req.ControlID + "\"/></rDE>"), nil
}

type signerFake struct {
	calls int
	err   error
}

func (f *signerFake) Sign(_ context.Context, _ domain.Issuer, controlID string, doc []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append(doc, []byte("<Signature ref=\""+controlID+"\"/>")...), nil
}

type stamperFake struct {
	calls int
}

func (f *stamperFake) Stamp(_ context.Context, _ domain.Issuer, doc []byte) ([]byte, error) {
	f.calls++
	return append(doc, []byte("<dCarQR/>")...), nil
}

type authorityFake struct {
	mu        sync.Mutex
	submits   []ports.SubmitRequest
	queries   []string
	queryRefs []string
	result    *domain.SubmissionResult
	err       error
	queryRes  *domain.SubmissionResult
	queryErr  error
	onSubmit  func()
}

func (f *authorityFake) Submit(_ context.Context, req ports.SubmitRequest) (*domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *authorityFake) Query(_ context.Context, req ports.QueryRequest) (*domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.ControlID)
	f.queryRefs = append(f.queryRefs, req.CredentialRef)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRes, nil
}

type eventsFake struct {
	events []domain.InvoiceEvent
}

func (f *eventsFake) PublishInvoiceEvent(_ context.Context, event domain.InvoiceEvent) error {
	f.events = append(f.events, event)
	return nil
}

type progressFake struct {
	values []int
	err    error
}

func (f *progressFake) Report(_ context.Context, pct int) error {
	f.values = append(f.values, pct)
	return f.err
}

func scenarioIssuer() *domain.Issuer {
	return &domain.Issuer{
		ID:               "issuer-1",
		TaxID:            "80012345",
		TaxIDCheck:       "1",
		LegalName:        "Empresa de Prueba SA",
		TaxpayerType:     2,
		Establishment:    "001",
		EmissionPoint:    "001",
		Authorization:    "12345678",
		CredentialPath:   "/secure/issuer-1.p12",
		CredentialSecret: "c2VjcmV0",
		CSCID:            "0001",
		CSC:              "ABCD0000000000000000000000000000",
		Mode:             domain.ModeTest,
		Active:           true,
	}
}

func scenarioRequest() domain.SubmissionRequest {
	return domain.SubmissionRequest{
		IssuerID:       "issuer-1",
		DocumentNumber: "0000060",
		Document: domain.InvoiceInput{
			IssueDate: "2026-02-24",
			Receiver:  domain.Receiver{Name: "Cliente SA", TaxID: "80099999", TaxIDCheck: "7"},
			Items: []domain.InputItem{{
				Description: "Servicio",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromInt(110000),
				VATRate:     10,
			}},
		},
	}
}
