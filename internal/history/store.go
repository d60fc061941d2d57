// Package history implements the optional HistoryRecorder: a best-effort,
// backend-agnostic sink for terminal orchestration records. The engine writes
// a record asynchronously when an orchestrator reaches a terminal state,
// independently of its own JSON-file persistence; the write neither waits
// for nor depends on that persistence succeeding.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/orchestrator"
	"github.com/kdlbs/conductor/internal/platform/config"
	"github.com/kdlbs/conductor/internal/platform/log"
)

// Store is a repository over one shared *sql.DB: one DB handle, many call
// sites, no per-call connection setup.
type Store struct {
	db     *sqlx.DB
	logger *log.Logger
}

// rebind adapts a `?`-style query to the driver's bindvar convention
// (sqlite keeps `?`, postgres needs `$1`, `$2`, ...).
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// Open connects to the backend named by cfg.Driver and ensures the
// orchestration_history table exists. Callers should only construct a
// Store when cfg.Enabled is true; the engine's HistoryRecorder wiring is
// itself optional (see orchestrator.HistoryRecorder).
func Open(cfg config.HistoryConfig, logger *log.Logger) (*Store, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "postgres":
		driverName, dsn = "pgx", cfg.DSN()
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "./conductor-history.db"
		}
		driverName, dsn = "sqlite", path
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", cfg.Driver)
	}

	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s database: %w", cfg.Driver, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping %s database: %w", cfg.Driver, err)
	}

	store := &Store{db: conn, logger: logger.WithFields(zap.String("component", "history-store"))}
	if err := store.migrate(cfg.Driver); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("history store initialized", zap.String("driver", cfg.Driver))
	return store, nil
}

func (s *Store) migrate(driver string) error {
	ddl := `
CREATE TABLE IF NOT EXISTS orchestration_history (
	orchestrator_id TEXT PRIMARY KEY,
	template_id     TEXT NOT NULL,
	final_status    TEXT NOT NULL,
	task_count      INTEGER NOT NULL,
	failure_reason  TEXT,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP
)`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	return nil
}

// Record implements orchestrator.HistoryRecorder. Writes are upserts keyed
// on orchestrator id: a retried run that eventually reaches a different
// terminal status overwrites its own prior row rather than accumulating
// duplicates.
func (s *Store) Record(record orchestrator.HistoryRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := s.rebind(`
INSERT INTO orchestration_history
	(orchestrator_id, template_id, final_status, task_count, failure_reason, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (orchestrator_id) DO UPDATE SET
	final_status   = excluded.final_status,
	task_count     = excluded.task_count,
	failure_reason = excluded.failure_reason,
	completed_at   = excluded.completed_at`)

	_, err := s.db.ExecContext(ctx, query,
		record.OrchestratorID, record.TemplateID, string(record.FinalStatus), record.TaskCount,
		nullableString(record.FailureReason), record.StartedAt, record.CompletedAt)
	if err != nil {
		return fmt.Errorf("history: record orchestrator %s: %w", record.OrchestratorID, err)
	}
	return nil
}

// Recent returns up to limit history rows ordered by completion time,
// most recent first. Used by operator-facing tooling, never by the engine
// itself.
func (s *Store) Recent(limit int) ([]orchestrator.HistoryRecord, error) {
	query := s.rebind(`
SELECT orchestrator_id, template_id, final_status, task_count, failure_reason, started_at, completed_at
FROM orchestration_history ORDER BY completed_at DESC LIMIT ?`)
	rows, err := s.db.Queryx(query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.HistoryRecord
	for rows.Next() {
		var (
			r             orchestrator.HistoryRecord
			finalStatus   string
			failureReason sql.NullString
		)
		if err := rows.Scan(&r.OrchestratorID, &r.TemplateID, &finalStatus, &r.TaskCount,
			&failureReason, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		r.FinalStatus = orchestrator.Status(finalStatus)
		r.FailureReason = failureReason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close database: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
