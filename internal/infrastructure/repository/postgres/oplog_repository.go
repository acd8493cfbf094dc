package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

type OperationLogRepository struct {
	db *sql.DB
}

func NewOperationLogRepository(db *sql.DB) *OperationLogRepository {
	return &OperationLogRepository{db: db}
}

func (r *OperationLogRepository) Append(ctx context.Context, entry domain.OperationLogEntry) error {
	return insertOperationLog(ctx, r.db, entry)
}

func insertOperationLog(ctx context.Context, exec execer, entry domain.OperationLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := exec.ExecContext(ctx, `
INSERT INTO operation_log (invoice_id, kind, description, previous_state, next_state, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, entry.InvoiceID, string(entry.Kind), entry.Description, string(entry.PreviousState), string(entry.NextState), createdAt)
	if err != nil {
		return fmt.Errorf("insert operation log: %w", err)
	}
	return nil
}

func (r *OperationLogRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]domain.OperationLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, invoice_id, kind, description, previous_state, next_state, created_at
FROM operation_log
WHERE invoice_id = $1
ORDER BY created_at, id
`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query operation log: %w", err)
	}
	defer rows.Close()

	var entries []domain.OperationLogEntry
	for rows.Next() {
		var (
			e                    domain.OperationLogEntry
			kind, previous, next string
		)
		if err := rows.Scan(&e.ID, &e.InvoiceID, &kind, &e.Description, &previous, &next, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		e.Kind = domain.OperationKind(kind)
		e.PreviousState = domain.InvoiceStatus(previous)
		e.NextState = domain.InvoiceStatus(next)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation log: %w", err)
	}
	return entries, nil
}

// PurgeBefore is the only way entries leave the log.
func (r *OperationLogRepository) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM operation_log WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge operation log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge operation log rows affected: %w", err)
	}
	return n, nil
}
