package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/cdc"
	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
	"github.com/jaranetwork/fepy-backend/internal/core/resultcode"
)

const (
	stageIssuer   = "issuer"
	stageMerge    = "merge"
	stageIdentify = "identify"
	stageAssemble = "assemble"
	stageSign     = "sign"
	stageStamp    = "stamp"
	stagePersist  = "persist"
	stageSubmit   = "submit"
	stageRecord   = "record"
)

// Pipeline groups the document collaborators of the processing pipeline.
type Pipeline struct {
	Assembler ports.DocumentAssembler
	Signer    ports.DocumentSigner
	Stamper   ports.DocumentStamper
	Authority ports.AuthorityClient
}

type ProcessInvoiceUseCase struct {
	invoices   ports.InvoiceRepository
	issuers    ports.IssuerRepository
	store      ports.ArtifactStore
	pipeline   Pipeline
	codes      *resultcode.Table
	dispatcher ports.JobDispatcher
	events     ports.EventPublisher
	observer   ports.StageObserver
	render     JobPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessInvoiceUseCase(
	invoices ports.InvoiceRepository,
	issuers ports.IssuerRepository,
	store ports.ArtifactStore,
	pipeline Pipeline,
	codes *resultcode.Table,
	dispatcher ports.JobDispatcher,
	events ports.EventPublisher,
	observer ports.StageObserver,
	render JobPolicy,
	logger *slog.Logger,
) *ProcessInvoiceUseCase {
	if codes == nil {
		codes = resultcode.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessInvoiceUseCase{
		invoices:   invoices,
		issuers:    issuers,
		store:      store,
		pipeline:   pipeline,
		codes:      codes,
		dispatcher: dispatcher,
		events:     events,
		observer:   observer,
		render:     render,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle runs the pipeline for process and resubmit jobs. Both kinds skip
// document generation when a stored artifact already exists.
func (uc *ProcessInvoiceUseCase) Handle(ctx context.Context, env domain.JobEnvelope, progress ports.ProgressSink) error {
	switch env.Kind {
	case domain.JobProcess, domain.JobResubmit:
		return uc.ProcessByID(ctx, env.InvoiceID, progress)
	default:
		return domain.WrapError(domain.ErrInvalidInput, "process job", fmt.Errorf("unsupported job kind %q", env.Kind))
	}
}

func (uc *ProcessInvoiceUseCase) ProcessByID(ctx context.Context, invoiceID string, progress ports.ProgressSink) error {
	inv, err := uc.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("fetch invoice by id: %w", err)
	}

	trigger, ok := domain.EntryTrigger(inv.Status)
	if !ok {
		uc.logger.Info("job_dropped", "invoice_id", inv.ID, "status", string(inv.Status))
		return nil
	}
	if err := uc.invoices.Transition(ctx, inv.ID, domain.StateChange{
		From:        inv.Status,
		To:          domain.StatusProcessing,
		Trigger:     trigger,
		Description: "processing started",
	}); err != nil {
		return fmt.Errorf("set status=processing: %w", err)
	}
	inv.Status = domain.StatusProcessing
	uc.report(ctx, progress, 5)

	issuer, err := uc.loadIssuer(ctx, inv)
	if err != nil {
		return uc.fail(ctx, inv, stageIssuer, err)
	}
	uc.report(ctx, progress, 10)

	document, err := uc.storedArtifact(ctx, inv)
	if err != nil {
		return uc.fail(ctx, inv, stagePersist, err)
	}
	if document == nil {
		document, err = uc.buildArtifact(ctx, inv, issuer, progress)
		if err != nil {
			return err
		}
	} else {
		uc.logger.Info("artifact_reused", "invoice_id", inv.ID, "artifact_path", inv.ArtifactPath)
	}
	uc.report(ctx, progress, 75)

	outcome := uc.submit(ctx, inv, issuer, document)
	uc.report(ctx, progress, 90)

	if err := uc.record(ctx, inv, outcome); err != nil {
		return err
	}
	uc.report(ctx, progress, 100)

	uc.enqueueRender(ctx, inv.ID)
	return nil
}

func (uc *ProcessInvoiceUseCase) loadIssuer(ctx context.Context, inv *domain.Invoice) (*domain.Issuer, error) {
	start := time.Now()
	issuer, err := uc.issuers.GetByID(ctx, inv.IssuerID)
	if err == nil {
		err = issuer.Validate()
	}
	uc.observe(stageIssuer, start, err)
	if err != nil {
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	return issuer, nil
}

// storedArtifact returns the persisted document when the record points at
// a file that still exists.
func (uc *ProcessInvoiceUseCase) storedArtifact(ctx context.Context, inv *domain.Invoice) ([]byte, error) {
	if !inv.HasArtifact() || !inv.HasIdentifiers() {
		return nil, nil
	}
	exists, err := uc.store.Exists(ctx, inv.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("check artifact: %w", err)
	}
	if !exists {
		uc.logger.Warn("artifact_missing", "invoice_id", inv.ID, "artifact_path", inv.ArtifactPath)
		return nil, nil
	}
	rc, err := uc.store.Open(ctx, inv.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// buildArtifact runs stages 2 to 7. The artifact is durable before it
// returns.
func (uc *ProcessInvoiceUseCase) buildArtifact(
	ctx context.Context,
	inv *domain.Invoice,
	issuer *domain.Issuer,
	progress ports.ProgressSink,
) ([]byte, error) {
	start := time.Now()
	req, err := uc.merge(inv, issuer)
	uc.observe(stageMerge, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stageMerge, err)
	}
	uc.report(ctx, progress, 15)

	start = time.Now()
	err = uc.identify(ctx, inv, issuer, &req)
	uc.observe(stageIdentify, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stageIdentify, err)
	}
	uc.report(ctx, progress, 25)

	start = time.Now()
	document, err := uc.pipeline.Assembler.Assemble(ctx, req)
	uc.observe(stageAssemble, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stageAssemble, fmt.Errorf("assemble document: %w", err))
	}
	uc.report(ctx, progress, 40)

	start = time.Now()
	document, err = uc.pipeline.Signer.Sign(ctx, *issuer, inv.ControlID, document)
	uc.observe(stageSign, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stageSign, fmt.Errorf("sign document: %w", err))
	}
	uc.report(ctx, progress, 55)

	start = time.Now()
	document, err = uc.pipeline.Stamper.Stamp(ctx, *issuer, document)
	uc.observe(stageStamp, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stageStamp, fmt.Errorf("stamp document: %w", err))
	}
	uc.report(ctx, progress, 65)

	start = time.Now()
	err = uc.persist(ctx, inv, issuer, document)
	uc.observe(stagePersist, start, err)
	if err != nil {
		return nil, uc.fail(ctx, inv, stagePersist, err)
	}
	return document, nil
}

func (uc *ProcessInvoiceUseCase) merge(inv *domain.Invoice, issuer *domain.Issuer) (domain.DocumentRequest, error) {
	var raw domain.InvoiceInput
	if err := json.Unmarshal(inv.Payload, &raw); err != nil {
		return domain.DocumentRequest{}, domain.WrapError(domain.ErrInvalidInput, "decode payload", err)
	}
	input, err := domain.NormalizeInput(raw, inv.DocumentNumber)
	if err != nil {
		return domain.DocumentRequest{}, err
	}
	return domain.MergeInput(*issuer, input), nil
}

// identify computes the control id and security code once and reuses the
// stored values on every later attempt.
func (uc *ProcessInvoiceUseCase) identify(ctx context.Context, inv *domain.Invoice, issuer *domain.Issuer, req *domain.DocumentRequest) error {
	if !inv.HasIdentifiers() {
		securityCode, err := cdc.NewSecurityCode()
		if err != nil {
			return err
		}
		controlID, err := cdc.ControlID(cdc.Fields{
			DocumentType:  req.DocumentType,
			TaxID:         issuer.TaxID,
			TaxIDCheck:    issuer.TaxIDCheck,
			Establishment: req.Establishment,
			EmissionPoint: req.EmissionPoint,
			Number:        req.Number,
			TaxpayerType:  issuer.TaxpayerType,
			IssuedAt:      req.IssuedAt,
			EmissionType:  req.Input.EmissionType,
			SecurityCode:  securityCode,
		})
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "derive control id", err)
		}
		storedID, storedCode, err := uc.invoices.SaveIdentifiers(ctx, inv.ID, controlID, securityCode)
		if err != nil {
			return fmt.Errorf("save identifiers: %w", err)
		}
		inv.ControlID, inv.SecurityCode = storedID, storedCode
	}
	req.ControlID = inv.ControlID
	req.SecurityCode = inv.SecurityCode
	return nil
}

func (uc *ProcessInvoiceUseCase) persist(ctx context.Context, inv *domain.Invoice, issuer *domain.Issuer, document []byte) error {
	key := domain.ArtifactKey(uc.now().In(domain.LocalZone()), inv.DocumentType, issuer.Authorization, inv.Correlative, inv.ID)
	if err := uc.store.Save(ctx, key, bytes.NewReader(document)); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	if err := uc.invoices.SetArtifact(ctx, inv.ID, key); err != nil {
		return fmt.Errorf("record artifact path: %w", err)
	}
	inv.ArtifactPath = key
	return nil
}

// submit never fails: transport errors degrade into an error outcome.
func (uc *ProcessInvoiceUseCase) submit(ctx context.Context, inv *domain.Invoice, issuer *domain.Issuer, document []byte) domain.Outcome {
	start := time.Now()
	res, err := uc.pipeline.Authority.Submit(ctx, ports.SubmitRequest{
		TrackingID:    inv.ID,
		Document:      document,
		Mode:          issuer.Mode,
		CredentialRef: issuer.ID,
	})
	uc.observe(stageSubmit, start, err)
	if err != nil {
		uc.logger.Warn("submission_failed", "invoice_id", inv.ID, "error", err.Error())
		if domain.IsKind(err, domain.ErrTransport) {
			return uc.codes.NoConnection(err)
		}
		return domain.Outcome{Status: domain.StatusError, Message: err.Error()}
	}
	return uc.codes.Outcome(res)
}

func (uc *ProcessInvoiceUseCase) record(ctx context.Context, inv *domain.Invoice, outcome domain.Outcome) error {
	start := time.Now()
	submittedAt := uc.now().UTC()
	err := uc.invoices.Transition(ctx, inv.ID, domain.StateChange{
		From:        domain.StatusProcessing,
		To:          outcome.Status,
		Trigger:     domain.TriggerCompletion,
		Code:        outcome.Code,
		Message:     outcome.Message,
		SubmittedAt: &submittedAt,
		Description: describeOutcome(outcome),
	})
	uc.observe(stageRecord, start, err)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	inv.Status = outcome.Status
	inv.ResultCode = outcome.Code
	inv.ResultMessage = outcome.Message
	inv.SubmittedAt = &submittedAt
	uc.publish(ctx, inv)
	return nil
}

// fail moves the invoice to error and returns the stage error so the queue
// schedules a retry.
func (uc *ProcessInvoiceUseCase) fail(ctx context.Context, inv *domain.Invoice, stage string, stageErr error) error {
	wrapped := fmt.Errorf("stage %s: %w", stage, stageErr)
	err := uc.invoices.Transition(ctx, inv.ID, domain.StateChange{
		From:        domain.StatusProcessing,
		To:          domain.StatusError,
		Trigger:     domain.TriggerCompletion,
		Message:     wrapped.Error(),
		Description: "pipeline failed at " + stage,
	})
	if err != nil {
		return fmt.Errorf("%w; mark error status: %v", wrapped, err)
	}
	inv.Status = domain.StatusError
	inv.ResultMessage = wrapped.Error()
	uc.publish(ctx, inv)
	return wrapped
}

func (uc *ProcessInvoiceUseCase) enqueueRender(ctx context.Context, invoiceID string) {
	if uc.dispatcher == nil {
		return
	}
	if _, err := uc.dispatcher.Enqueue(ctx, uc.render.Spec(domain.JobRender, invoiceID)); err != nil {
		uc.logger.Warn("render_enqueue_failed", "invoice_id", invoiceID, "error", err.Error())
	}
}

func (uc *ProcessInvoiceUseCase) publish(ctx context.Context, inv *domain.Invoice) {
	if uc.events == nil {
		return
	}
	event := domain.InvoiceEvent{
		InvoiceID:   inv.ID,
		IssuerID:    inv.IssuerID,
		Correlative: inv.Correlative,
		ControlID:   inv.ControlID,
		Status:      inv.Status,
		Code:        inv.ResultCode,
		Message:     inv.ResultMessage,
		OccurredAt:  uc.now().UTC(),
	}
	if err := uc.events.PublishInvoiceEvent(ctx, event); err != nil {
		uc.logger.Warn("event_publish_failed", "invoice_id", inv.ID, "error", err.Error())
	}
}

func (uc *ProcessInvoiceUseCase) report(ctx context.Context, progress ports.ProgressSink, pct int) {
	reportProgress(ctx, uc.logger, progress, pct)
}

// reportProgress is best effort: a lost progress update never fails a job.
func reportProgress(ctx context.Context, logger *slog.Logger, progress ports.ProgressSink, pct int) {
	if progress == nil {
		return
	}
	if err := progress.Report(ctx, pct); err != nil {
		logger.Debug("progress_report_failed", "pct", pct, "error", err.Error())
	}
}

func (uc *ProcessInvoiceUseCase) observe(stage string, start time.Time, err error) {
	if uc.observer == nil {
		return
	}
	uc.observer.ObserveStage(stage, time.Since(start).Seconds(), err)
}

func describeOutcome(outcome domain.Outcome) string {
	if outcome.Code == "" {
		return "submission recorded as " + string(outcome.Status)
	}
	return fmt.Sprintf("submission recorded as %s (%s)", outcome.Status, outcome.Code)
}
