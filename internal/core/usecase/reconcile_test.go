package usecase

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/resultcode"
)

type ledgerFake struct {
	jobs       map[string]*domain.Job
	failedMark []string
}

func newLedgerFake() *ledgerFake {
	return &ledgerFake{jobs: map[string]*domain.Job{}}
}

func (f *ledgerFake) Reserve(_ context.Context, spec domain.JobSpec) (*domain.Job, error) {
	id := domain.JobID(spec.Kind, spec.InvoiceID)
	job, ok := f.jobs[id]
	if ok && job.State.InFlight() {
		return nil, domain.WrapError(domain.ErrJobInFlight, "reserve job", errors.New(id))
	}
	gen := int64(1)
	if ok {
		gen = job.Generation + 1
	}
	reserved := &domain.Job{ID: id, Kind: spec.Kind, InvoiceID: spec.InvoiceID, Generation: gen, State: domain.JobWaiting, MaxAttempts: spec.MaxAttempts}
	f.jobs[id] = reserved
	copyJob := *reserved
	return &copyJob, nil
}

func (f *ledgerFake) Get(_ context.Context, id string) (*domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotRunnable
	}
	copyJob := *job
	return &copyJob, nil
}

func (f *ledgerFake) MarkActive(context.Context, string, int64) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *ledgerFake) Heartbeat(context.Context, string, int64) error     { return nil }
func (f *ledgerFake) MarkCompleted(context.Context, string, int64) error { return nil }
func (f *ledgerFake) MarkRetry(context.Context, string, int64, string, time.Time) error {
	return nil
}
func (f *ledgerFake) MarkFailed(_ context.Context, id string, _ int64, _ string) error {
	f.failedMark = append(f.failedMark, id)
	if job, ok := f.jobs[id]; ok {
		job.State = domain.JobFailed
	}
	return nil
}
func (f *ledgerFake) ReportProgress(context.Context, string, int64, int) error { return nil }
func (f *ledgerFake) ListFailed(context.Context, int) ([]domain.Job, error) {
	return nil, nil
}

type publisherFake struct {
	envelopes []domain.JobEnvelope
	err       error
}

func (f *publisherFake) Publish(_ context.Context, env domain.JobEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func TestDispatcherRejectsSecondReservation(t *testing.T) {
	ledger := newLedgerFake()
	publisher := &publisherFake{}
	d := NewJobDispatcher(ledger, publisher)
	spec := domain.JobSpec{Kind: domain.JobProcess, InvoiceID: "inv-1", MaxAttempts: 3}

	job, err := d.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := d.Enqueue(context.Background(), spec); !domain.IsKind(err, domain.ErrJobInFlight) {
		t.Fatalf("expected job in flight, got %v", err)
	}
	if len(publisher.envelopes) != 1 || publisher.envelopes[0].MessageID() != job.ID+"#1" {
		t.Fatalf("unexpected envelopes %+v", publisher.envelopes)
	}
}

func TestDispatcherReleasesReservationOnPublishFailure(t *testing.T) {
	ledger := newLedgerFake()
	publisher := &publisherFake{err: errors.New("nats: no responders")}
	d := NewJobDispatcher(ledger, publisher)
	spec := domain.JobSpec{Kind: domain.JobProcess, InvoiceID: "inv-1"}

	if _, err := d.Enqueue(context.Background(), spec); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(ledger.failedMark) != 1 {
		t.Fatalf("expected reservation release")
	}
	publisher.err = nil
	job, err := d.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatalf("Enqueue() after release error = %v", err)
	}
	if job.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", job.Generation)
	}
}

func TestPollPendingAppliesResult(t *testing.T) {
	repo := newInvoiceRepoFake()
	sent := time.Now().Add(-time.Hour)
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", IssuerID: "issuer-1", Status: domain.StatusSubmitted, ControlID: "0180012345", SubmittedAt: &sent}
	repo.byID["inv-2"] = &domain.Invoice{ID: "inv-2", IssuerID: "issuer-1", Status: domain.StatusProcessing, ControlID: "0180012346"}
	issuers := &issuerRepoFake{issuers: map[string]*domain.Issuer{"issuer-1": scenarioIssuer()}}
	authority := &authorityFake{queryRes: &domain.SubmissionResult{Code: "0260", Message: "Autorizado"}}
	events := &eventsFake{}
	uc := NewReconcileUseCase(repo, issuers, authority, resultcode.Default(), newLedgerFake(), nil, events, JobPolicy{}, nil)

	changed, err := uc.PollPending(context.Background(), time.Minute, 50)
	if err != nil {
		t.Fatalf("PollPending() error = %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected one change, got %d", changed)
	}
	if len(authority.queries) != 1 || authority.queries[0] != "0180012345" {
		t.Fatalf("expected only the submitted invoice to be polled, got %v", authority.queries)
	}
	if authority.queryRefs[0] != "issuer-1" {
		t.Fatalf("expected the issuer credential on the query, got %q", authority.queryRefs[0])
	}
	if repo.byID["inv-1"].Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", repo.byID["inv-1"].Status)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event")
	}
}

func TestRequeueStaleRepublishesWaitingJob(t *testing.T) {
	repo := newInvoiceRepoFake()
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusQueued, CreatedAt: time.Now().Add(-time.Hour)}
	ledger := newLedgerFake()
	ledger.jobs["process-inv-1"] = &domain.Job{ID: "process-inv-1", Kind: domain.JobProcess, InvoiceID: "inv-1", Generation: 4, State: domain.JobWaiting, UpdatedAt: time.Now().Add(-time.Hour)}
	publisher := &publisherFake{}
	uc := NewReconcileUseCase(repo, nil, nil, nil, ledger, NewJobDispatcher(ledger, publisher), nil, JobPolicy{MaxAttempts: 3}, nil)

	n, err := uc.RequeueStale(context.Background(), 10*time.Minute, 10)
	if err != nil {
		t.Fatalf("RequeueStale() error = %v", err)
	}
	if n != 1 || len(publisher.envelopes) != 1 || publisher.envelopes[0].Generation != 4 {
		t.Fatalf("expected republish of generation 4, got n=%d %+v", n, publisher.envelopes)
	}
}

func TestRequeueStaleSkipsRecentlyPublishedJob(t *testing.T) {
	repo := newInvoiceRepoFake()
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusQueued, CreatedAt: time.Now().Add(-time.Hour)}
	ledger := newLedgerFake()
	ledger.jobs["process-inv-1"] = &domain.Job{ID: "process-inv-1", Kind: domain.JobProcess, InvoiceID: "inv-1", Generation: 4, State: domain.JobWaiting, UpdatedAt: time.Now().Add(-time.Minute)}
	publisher := &publisherFake{}
	uc := NewReconcileUseCase(repo, nil, nil, nil, ledger, NewJobDispatcher(ledger, publisher), nil, JobPolicy{MaxAttempts: 3}, nil)

	n, err := uc.RequeueStale(context.Background(), 10*time.Minute, 10)
	if err != nil {
		t.Fatalf("RequeueStale() error = %v", err)
	}
	if n != 0 || len(publisher.envelopes) != 0 {
		t.Fatalf("expected no republish of a job touched inside the window, got n=%d %+v", n, publisher.envelopes)
	}
}

type rendererFake struct {
	err error
}

func (f *rendererFake) Render(_ context.Context, doc []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("%PDF-"), doc...), nil
}

func TestRenderStoresPDFWithoutTouchingStatus(t *testing.T) {
	repo := newInvoiceRepoFake()
	store := newStoreFake()
	key := "2026/02/01_12345678_001-001-0000060.xml"
	store.files[key] = []byte("<rDE/>")
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusAccepted, ArtifactPath: key}
	uc := NewRenderInvoiceUseCase(repo, store, &rendererFake{}, nil)

	env := domain.JobEnvelope{Kind: domain.JobRender, InvoiceID: "inv-1"}
	if err := uc.Handle(context.Background(), env, nil); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	inv := repo.byID["inv-1"]
	if inv.RenderPath != "2026/02/01_12345678_001-001-0000060.pdf" {
		t.Fatalf("unexpected render path %s", inv.RenderPath)
	}
	if inv.Status != domain.StatusAccepted || len(repo.changes) != 0 {
		t.Fatalf("render must not change status")
	}

	q := NewQueryInvoiceUseCase(repo, store, newLedgerFake(), nil)
	rc, err := q.OpenRendering(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("OpenRendering() error = %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "%PDF-<rDE/>" {
		t.Fatalf("unexpected rendering %q", body)
	}
}

func TestRenderFailureLeavesStatus(t *testing.T) {
	repo := newInvoiceRepoFake()
	store := newStoreFake()
	store.files["a.xml"] = []byte("<rDE/>")
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusAccepted, ArtifactPath: "a.xml"}
	uc := NewRenderInvoiceUseCase(repo, store, &rendererFake{err: errors.New("layout")}, nil)

	err := uc.Handle(context.Background(), domain.JobEnvelope{Kind: domain.JobRender, InvoiceID: "inv-1"}, nil)
	if err == nil {
		t.Fatalf("expected render error")
	}
	if repo.byID["inv-1"].Status != domain.StatusAccepted || repo.byID["inv-1"].RenderPath != "" {
		t.Fatalf("expected untouched invoice")
	}
}

func TestRenderIgnoresProgressFailures(t *testing.T) {
	repo := newInvoiceRepoFake()
	store := newStoreFake()
	store.files["a.xml"] = []byte("<rDE/>")
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusAccepted, ArtifactPath: "a.xml"}
	uc := NewRenderInvoiceUseCase(repo, store, &rendererFake{}, nil)

	progress := &progressFake{err: errors.New("job row gone")}
	if err := uc.Handle(context.Background(), domain.JobEnvelope{Kind: domain.JobRender, InvoiceID: "inv-1"}, progress); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(progress.values) != 3 || progress.values[2] != 100 {
		t.Fatalf("unexpected progress %v", progress.values)
	}
	if repo.byID["inv-1"].RenderPath == "" {
		t.Fatalf("expected rendering to be recorded")
	}
}

func TestOpenArtifactNotAvailable(t *testing.T) {
	repo := newInvoiceRepoFake()
	repo.byID["inv-1"] = &domain.Invoice{ID: "inv-1", Status: domain.StatusError}
	q := NewQueryInvoiceUseCase(repo, newStoreFake(), newLedgerFake(), nil)

	if _, err := q.OpenArtifact(context.Background(), "inv-1"); !domain.IsKind(err, domain.ErrArtifactNotFound) {
		t.Fatalf("expected artifact not found, got %v", err)
	}
}
