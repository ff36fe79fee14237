// Package auditlog implements a narrow Postgres-backed audit sink: it
// records one row per terminal execution outcome for after-the-fact
// review. It is not on the dispatch hot path — a write failure here is
// logged and swallowed rather than affecting the execution's own result.
//
// Adapted from the teacher's gvisor.DatabaseStateManager — the same
// database/sql-over-lib/pq connection handling — narrowed from
// savepoint/rollback state cloning to a single append-only insert.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/systeminit/veritech/internal/core"
)

// Sink appends terminal execution outcomes to a Postgres table.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens a connection pool against dsn and verifies connectivity.
func New(dsn string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return &Sink{db: db, logger: logger}, nil
}

// EnsureSchema creates the audit table if it does not already exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS dispatch_audit_log (
	execution_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	detail       TEXT,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// RecordTerminal appends one row for a terminal result. Errors are logged
// and returned to the caller, who is expected — per the dispatcher's edge
// policy for non-essential side effects — to log and continue rather than
// fail the execution over it.
func (s *Sink) RecordTerminal(ctx context.Context, kind core.ExecutionKind, result core.TerminalResult) error {
	detail := ""
	if result.Error != nil {
		detail = result.Error.Message
	}

	const insert = `INSERT INTO dispatch_audit_log (execution_id, kind, outcome, detail) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, insert, result.ExecutionId.String(), string(kind), result.Kind, detail); err != nil {
		s.logger.Warn("audit log insert failed", "execution_id", result.ExecutionId.String(), "error", err)
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}
