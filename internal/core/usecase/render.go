package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

// RenderInvoiceUseCase builds the printable copy of a stored artifact. It
// never changes the invoice status.
type RenderInvoiceUseCase struct {
	invoices ports.InvoiceRepository
	store    ports.ArtifactStore
	renderer ports.Renderer
	logger   *slog.Logger
}

func NewRenderInvoiceUseCase(
	invoices ports.InvoiceRepository,
	store ports.ArtifactStore,
	renderer ports.Renderer,
	logger *slog.Logger,
) *RenderInvoiceUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderInvoiceUseCase{invoices: invoices, store: store, renderer: renderer, logger: logger}
}

func (uc *RenderInvoiceUseCase) Handle(ctx context.Context, env domain.JobEnvelope, progress ports.ProgressSink) error {
	if env.Kind != domain.JobRender {
		return domain.WrapError(domain.ErrInvalidInput, "render job", fmt.Errorf("unsupported job kind %q", env.Kind))
	}
	inv, err := uc.invoices.GetByID(ctx, env.InvoiceID)
	if err != nil {
		return fmt.Errorf("fetch invoice by id: %w", err)
	}
	if !inv.HasArtifact() {
		uc.logger.Info("render_skipped", "invoice_id", inv.ID, "reason", "no artifact")
		return nil
	}

	rc, err := uc.store.Open(ctx, inv.ArtifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	document, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	reportProgress(ctx, uc.logger, progress, 30)

	pdf, err := uc.renderer.Render(ctx, document)
	if err != nil {
		return fmt.Errorf("render document: %w", err)
	}
	reportProgress(ctx, uc.logger, progress, 80)

	key := domain.RenderKey(inv.ArtifactPath)
	if err := uc.store.Save(ctx, key, bytes.NewReader(pdf)); err != nil {
		return fmt.Errorf("save rendering: %w", err)
	}
	if err := uc.invoices.SetRenderPath(ctx, inv.ID, key); err != nil {
		return fmt.Errorf("record render path: %w", err)
	}
	reportProgress(ctx, uc.logger, progress, 100)
	uc.logger.Info("render_completed", "invoice_id", inv.ID, "render_path", key)
	return nil
}
