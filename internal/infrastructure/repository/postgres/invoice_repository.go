package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

const invoiceColumns = `id, issuer_id, fingerprint, document_type, document_number, correlative, control_id, security_code,
	status, result_code, result_message, artifact_path, render_path, payload, client_metadata, issued_at, submitted_at,
	created_at, updated_at`

type InvoiceRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db, now: time.Now}
}

// Create inserts a queued record and its creation log entry. A fingerprint
// collision is reported as a DuplicateError naming the existing record.
func (r *InvoiceRepository) Create(ctx context.Context, inv *domain.Invoice) error {
	metadata := inv.ClientMetadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal client metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO invoices (
	id, issuer_id, fingerprint, document_type, document_number, correlative, status, payload, client_metadata,
	issued_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		inv.ID, inv.IssuerID, inv.Fingerprint, inv.DocumentType, inv.DocumentNumber, inv.Correlative,
		string(inv.Status), []byte(inv.Payload), metadataJSON, inv.IssuedAt.UTC(), inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return r.duplicateOf(ctx, inv.Fingerprint, err)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	if err := insertOperationLog(ctx, tx, domain.OperationLogEntry{
		InvoiceID:   inv.ID,
		Kind:        domain.OpCreated,
		Description: "invoice " + inv.Correlative + " received",
		NextState:   inv.Status,
		CreatedAt:   inv.CreatedAt,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) duplicateOf(ctx context.Context, fingerprint string, cause error) error {
	dup := &domain.DuplicateError{Fingerprint: fingerprint}
	if existing, err := r.GetByFingerprint(ctx, fingerprint); err == nil {
		dup.ExistingID = existing.ID
	}
	return domain.WrapError(domain.ErrDuplicate, "insert invoice", fmt.Errorf("%w (%v)", dup, cause))
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return inv, nil
}

func (r *InvoiceRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE fingerprint = $1`, fingerprint)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrInvoiceNotFound, "get invoice by fingerprint", err)
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	return inv, nil
}

// SaveIdentifiers only fills empty identifiers, so concurrent or repeated
// attempts converge on the first stored pair.
func (r *InvoiceRepository) SaveIdentifiers(ctx context.Context, id, controlID, securityCode string) (string, string, error) {
	_, err := r.db.ExecContext(ctx, `
UPDATE invoices
SET control_id = $2, security_code = $3, updated_at = $4
WHERE id = $1 AND control_id = ''
`, id, controlID, securityCode, r.now().UTC())
	if err != nil {
		return "", "", fmt.Errorf("save identifiers: %w", err)
	}

	var storedID, storedCode string
	err = r.db.QueryRowContext(ctx, `SELECT control_id, security_code FROM invoices WHERE id = $1`, id).
		Scan(&storedID, &storedCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", domain.WrapError(domain.ErrInvoiceNotFound, "save identifiers", fmt.Errorf("id=%s", id))
		}
		return "", "", fmt.Errorf("read identifiers: %w", err)
	}
	return storedID, storedCode, nil
}

func (r *InvoiceRepository) SetArtifact(ctx context.Context, id, key string) error {
	return r.setPath(ctx, id, "artifact_path", key, domain.OpArtifact, "artifact stored at "+key)
}

func (r *InvoiceRepository) SetRenderPath(ctx context.Context, id, key string) error {
	return r.setPath(ctx, id, "render_path", key, domain.OpRender, "rendering stored at "+key)
}

func (r *InvoiceRepository) setPath(ctx context.Context, id, column, key string, kind domain.OperationKind, description string) error {
	now := r.now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", column, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `UPDATE invoices SET `+column+` = $2, updated_at = $3 WHERE id = $1`, id, key, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrDuplicate, "update "+column, fmt.Errorf("%s is owned by another invoice: %w", key, err))
		}
		return fmt.Errorf("update %s: %w", column, err)
	}
	if err := requireAffected(res, domain.ErrInvoiceNotFound, "update "+column, id); err != nil {
		return err
	}
	if err := insertOperationLog(ctx, tx, domain.OperationLogEntry{
		InvoiceID:   id,
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", column, err)
	}
	return nil
}

// Transition applies a validated lifecycle move with a single conditional
// update on the expected previous status, and logs it in the same
// transaction.
func (r *InvoiceRepository) Transition(ctx context.Context, id string, change domain.StateChange) error {
	if err := domain.Transition(change.From, change.To, change.Trigger); err != nil {
		return err
	}
	now := r.now().UTC()
	resetSubmitted := change.To == domain.StatusProcessing &&
		(change.Trigger == domain.TriggerDequeue || change.Trigger == domain.TriggerRedelivery || change.Trigger == domain.TriggerRetry)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE invoices
SET status = $3,
	result_code = $4,
	result_message = $5,
	submitted_at = CASE WHEN $6::boolean THEN NULL ELSE COALESCE($7::timestamptz, submitted_at) END,
	updated_at = $8
WHERE id = $1 AND status = $2
`, id, string(change.From), string(change.To), change.Code, change.Message, resetSubmitted, nullTime(change.SubmittedAt), now)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invoice status rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return r.transitionConflict(ctx, id, change)
	}

	description := change.Description
	if description == "" {
		description = fmt.Sprintf("%s -> %s", change.From, change.To)
	}
	if err := insertOperationLog(ctx, tx, domain.OperationLogEntry{
		InvoiceID:     id,
		Kind:          domain.OperationKindFor(change.Trigger),
		Description:   description,
		PreviousState: change.From,
		NextState:     change.To,
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) transitionConflict(ctx context.Context, id string, change domain.StateChange) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrInvoiceNotFound, "transition", fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return fmt.Errorf("read invoice status: %w", err)
	}
	return domain.WrapError(domain.ErrInvalidTransition, "transition",
		fmt.Errorf("expected %s, found %s", change.From, current))
}

// ListAwaitingResult returns sent invoices without a final result.
func (r *InvoiceRepository) ListAwaitingResult(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Invoice, error) {
	return r.list(ctx, `
SELECT `+invoiceColumns+`
FROM invoices
WHERE status IN ('processing', 'submitted') AND submitted_at IS NOT NULL AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, updatedBefore.UTC(), limit)
}

func (r *InvoiceRepository) ListQueuedBefore(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Invoice, error) {
	return r.list(ctx, `
SELECT `+invoiceColumns+`
FROM invoices
WHERE status = 'queued' AND created_at < $1
ORDER BY created_at
LIMIT $2
`, createdBefore.UTC(), limit)
}

func (r *InvoiceRepository) list(ctx context.Context, query string, args ...any) ([]domain.Invoice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv         domain.Invoice
		status      string
		payload     []byte
		metadataRaw []byte
		submittedAt sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.IssuerID, &inv.Fingerprint, &inv.DocumentType, &inv.DocumentNumber, &inv.Correlative,
		&inv.ControlID, &inv.SecurityCode, &status, &inv.ResultCode, &inv.ResultMessage, &inv.ArtifactPath,
		&inv.RenderPath, &payload, &metadataRaw, &inv.IssuedAt, &submittedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.Payload = json.RawMessage(payload)
	inv.SubmittedAt = timePtr(submittedAt)
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &inv.ClientMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal client metadata: %w", err)
		}
	}
	return &inv, nil
}

func requireAffected(res sql.Result, kind error, op, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return domain.WrapError(kind, op, fmt.Errorf("id=%s", id))
	}
	return nil
}
