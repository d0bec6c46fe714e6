/*
Package sqlite provides a SQLite-backed tracking store.

PURPOSE:
  Persists tracking records and execution bookkeeping so ROI can be audited
  after the process exits. Implements tracking.RecordStore and
  tracking.ExecutionLog.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on tracking_events
  - UNIQUE(execution_id, file_name, rule_id, element_context): replaying the
    same correction is ignored, so a rerun never double counts
  - executions rows are created once and closed once

KEY TABLES:
  executions:      One row per processing run
  tracking_events: Immutable log of applied rules with their estimated value

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; the engine may call the sink from
  several document goroutines at once.

USAGE:
  store, err := sqlite.New("./data/glosa.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  recorder := tracking.NewRecorder(store)

SEE ALSO:
  - tracking/record.go: Interface definitions
  - tracking/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/tracking"
)

// Store implements the tracking storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Processing runs
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		files INTEGER NOT NULL DEFAULT 0,
		modified INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	);

	-- Applied rules (append-only)
	CREATE TABLE IF NOT EXISTS tracking_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		category TEXT NOT NULL,
		kind TEXT NOT NULL,
		element_context TEXT NOT NULL,
		guide_id TEXT,
		item_seq TEXT,
		monetary_impact TEXT NOT NULL,
		counted INTEGER NOT NULL,
		note TEXT,
		recorded_at TEXT NOT NULL,
		UNIQUE(execution_id, file_name, rule_id, element_context)
	);

	CREATE INDEX IF NOT EXISTS idx_tracking_events_execution
		ON tracking_events(execution_id, id);
	CREATE INDEX IF NOT EXISTS idx_tracking_events_guide
		ON tracking_events(execution_id, file_name, guide_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE (tracking.RecordStore interface)
// =============================================================================

// AppendRecord adds a record. A record whose key already exists is ignored.
func (s *Store) AppendRecord(ctx context.Context, rec tracking.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR IGNORE INTO tracking_events
		(execution_id, file_name, rule_id, category, kind, element_context,
		 guide_id, item_seq, monetary_impact, counted, note, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ExecutionID,
		rec.FileName,
		rec.RuleID,
		string(rec.Category),
		string(rec.Kind),
		rec.ElementContext,
		nullString(rec.GuideID),
		nullString(rec.ItemSeq),
		rec.MonetaryImpact.String(),
		boolToInt(rec.Counted),
		nullString(rec.Note),
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append tracking record: %w", err)
	}
	return nil
}

// ListRecords returns the records of an execution in append order.
func (s *Store) ListRecords(ctx context.Context, executionID string) ([]tracking.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT execution_id, file_name, rule_id, category, kind, element_context,
		       guide_id, item_seq, monetary_impact, counted, note, recorded_at
		FROM tracking_events
		WHERE execution_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracking records: %w", err)
	}
	defer rows.Close()

	var records []tracking.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (tracking.Record, error) {
	var (
		rec        tracking.Record
		category   string
		kind       string
		guideID    sql.NullString
		itemSeq    sql.NullString
		impact     string
		counted    int
		note       sql.NullString
		recordedAt string
	)

	err := rows.Scan(
		&rec.ExecutionID, &rec.FileName, &rec.RuleID, &category, &kind, &rec.ElementContext,
		&guideID, &itemSeq, &impact, &counted, &note, &recordedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan tracking record: %w", err)
	}

	rec.Category = rules.Category(category)
	rec.Kind = tracking.Kind(kind)
	rec.GuideID = guideID.String
	rec.ItemSeq = itemSeq.String
	rec.Counted = counted != 0
	rec.Note = note.String
	rec.MonetaryImpact, err = decimal.NewFromString(impact)
	if err != nil {
		return rec, fmt.Errorf("invalid monetary impact %q: %w", impact, err)
	}
	rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
	return rec, nil
}

// =============================================================================
// EXECUTION LOG (tracking.ExecutionLog interface)
// =============================================================================

// StartExecution opens an execution row.
func (s *Store) StartExecution(ctx context.Context, exec tracking.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	startedAt := exec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, started_at) VALUES (?, ?)`,
		exec.ID, startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("execution %s already started", exec.ID)
		}
		return fmt.Errorf("failed to start execution: %w", err)
	}
	return nil
}

// FinishExecution closes an execution row with its counters.
func (s *Store) FinishExecution(ctx context.Context, exec tracking.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	finishedAt := time.Now()
	if exec.FinishedAt != nil {
		finishedAt = *exec.FinishedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET finished_at = ?, files = ?, modified = ?, failed = ?
		WHERE id = ? AND finished_at IS NULL`,
		finishedAt.UTC().Format(time.RFC3339Nano), exec.Files, exec.Modified, exec.Failed, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tracking.ErrExecutionNotFound
	}
	return nil
}

// GetExecution returns one execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*tracking.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, files, modified, failed
		FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracking.ErrExecutionNotFound
	}
	return exec, err
}

// ListExecutions returns the most recent executions first.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]tracking.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, files, modified, failed
		FROM executions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []tracking.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*tracking.Execution, error) {
	var (
		exec       tracking.Execution
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&exec.ID, &startedAt, &finishedAt, &exec.Files, &exec.Modified, &exec.Failed); err != nil {
		return nil, err
	}
	exec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		exec.FinishedAt = &t
	}
	return &exec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
