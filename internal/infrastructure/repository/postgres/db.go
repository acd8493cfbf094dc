package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockKey int64 = 2026022401

func OpenDB(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS issuers (
	id TEXT PRIMARY KEY,
	tax_id TEXT NOT NULL,
	tax_id_check TEXT NOT NULL,
	legal_name TEXT NOT NULL,
	trade_name TEXT NOT NULL DEFAULT '',
	taxpayer_type INTEGER NOT NULL DEFAULT 1,
	establishment TEXT NOT NULL DEFAULT '001',
	emission_point TEXT NOT NULL DEFAULT '001',
	authorization_number TEXT NOT NULL,
	authorization_start DATE NOT NULL,
	economic_activity TEXT NOT NULL DEFAULT '',
	economic_activity_desc TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	house_number TEXT NOT NULL DEFAULT '0',
	department_code INTEGER NOT NULL DEFAULT 1,
	department_name TEXT NOT NULL DEFAULT 'CAPITAL',
	city_code INTEGER NOT NULL DEFAULT 1,
	city_name TEXT NOT NULL DEFAULT 'ASUNCION (DISTRITO)',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	credential_path TEXT NOT NULL DEFAULT '',
	credential_secret TEXT NOT NULL DEFAULT '',
	csc_id TEXT NOT NULL DEFAULT '',
	csc TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'test',
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	issuer_id TEXT NOT NULL REFERENCES issuers(id),
	fingerprint TEXT NOT NULL UNIQUE,
	document_type INTEGER NOT NULL,
	document_number TEXT NOT NULL,
	correlative TEXT NOT NULL,
	control_id TEXT NOT NULL DEFAULT '',
	security_code TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	result_code TEXT NOT NULL DEFAULT '',
	result_message TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT '',
	render_path TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	client_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	issued_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_status_updated ON invoices(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_invoices_control_id ON invoices(control_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_artifact_path ON invoices(artifact_path) WHERE artifact_path <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_render_path ON invoices(render_path) WHERE render_path <> '';

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	kind TEXT NOT NULL,
	invoice_id TEXT NOT NULL,
	generation BIGINT NOT NULL DEFAULT 1,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	backoff JSONB NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_run_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_updated ON jobs(state, updated_at DESC);

CREATE TABLE IF NOT EXISTS operation_log (
	id BIGSERIAL PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL,
	previous_state TEXT NOT NULL DEFAULT '',
	next_state TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operation_log_invoice ON operation_log(invoice_id, created_at);
CREATE INDEX IF NOT EXISTS idx_operation_log_created ON operation_log(created_at);
`

// EnsureSchema creates all tables. Concurrent api and worker startups are
// serialized through an advisory lock.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
