package usecase

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

type QueryInvoiceUseCase struct {
	invoices ports.InvoiceRepository
	store    ports.ArtifactStore
	jobs     ports.JobLedger
	oplog    ports.OperationLog
}

func NewQueryInvoiceUseCase(
	invoices ports.InvoiceRepository,
	store ports.ArtifactStore,
	jobs ports.JobLedger,
	oplog ports.OperationLog,
) *QueryInvoiceUseCase {
	return &QueryInvoiceUseCase{invoices: invoices, store: store, jobs: jobs, oplog: oplog}
}

func (uc *QueryInvoiceUseCase) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return uc.invoices.GetByID(ctx, id)
}

func (uc *QueryInvoiceUseCase) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, error) {
	inv, err := uc.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return uc.open(ctx, inv.ArtifactPath)
}

func (uc *QueryInvoiceUseCase) OpenRendering(ctx context.Context, id string) (io.ReadCloser, error) {
	inv, err := uc.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return uc.open(ctx, inv.RenderPath)
}

func (uc *QueryInvoiceUseCase) open(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == "" {
		return nil, domain.WrapError(domain.ErrArtifactNotFound, "open artifact", fmt.Errorf("no stored file"))
	}
	exists, err := uc.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check artifact: %w", err)
	}
	if !exists {
		return nil, domain.WrapError(domain.ErrArtifactNotFound, "open artifact", fmt.Errorf("missing file %s", key))
	}
	return uc.store.Open(ctx, key)
}

func (uc *QueryInvoiceUseCase) ListFailed(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return uc.jobs.ListFailed(ctx, limit)
}

func (uc *QueryInvoiceUseCase) History(ctx context.Context, id string) ([]domain.OperationLogEntry, error) {
	if _, err := uc.invoices.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return uc.oplog.ListByInvoice(ctx, id)
}

func (uc *QueryInvoiceUseCase) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, domain.WrapError(domain.ErrInvalidInput, "purge operation log", fmt.Errorf("cutoff is required"))
	}
	return uc.oplog.PurgeBefore(ctx, before)
}
