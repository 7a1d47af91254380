package auditlog

import (
	"context"
	"database/sql"
	"fmt"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGSERIAL PRIMARY KEY,
    action     TEXT NOT NULL,
    did_pseudo TEXT,
    ip_hash    TEXT,
    detail     TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS errors (
    id         BIGSERIAL PRIMARY KEY,
    code       TEXT NOT NULL,
    did_pseudo TEXT,
    detail     TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS export_log (
    id             BIGSERIAL PRIMARY KEY,
    batch_id       TEXT NOT NULL,
    record_count   INT  NOT NULL,
    status         TEXT NOT NULL,
    response_code  INT,
    checksum       TEXT,
    transmitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresSink persists audit records to the audit_log, errors, and
// export_log tables.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink ensures the tables exist and returns the sink.
func NewPostgresSink(ctx context.Context, db *sql.DB) (*PostgresSink, error) {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("ensure audit tables: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// RecordAudit implements Sink.
func (s *PostgresSink) RecordAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, did_pseudo, ip_hash, detail)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)`,
		entry.Action, entry.DidPseudo, entry.IPHash, entry.Detail)
	return err
}

// RecordError implements Sink.
func (s *PostgresSink) RecordError(ctx context.Context, event ErrorEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (code, did_pseudo, detail)
		VALUES ($1, NULLIF($2, ''), $3)`,
		event.Code, event.DidPseudo, event.Detail)
	return err
}

// RecordExport implements Sink.
func (s *PostgresSink) RecordExport(ctx context.Context, entry ExportLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_log (batch_id, record_count, status, response_code, checksum, transmitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.BatchID, entry.RecordCount, entry.Status, entry.ResponseCode,
		entry.Checksum, entry.TransmittedAt)
	return err
}
