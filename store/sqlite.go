package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noetl/noetl/event"
)

// SQLiteLog is a SQLite-backed event.Log: WAL-mode/busy-timeout/
// single-writer connection tuning and auto-migration on connect, with
// one append-only events table — event sourcing collapses step state,
// checkpoints, and idempotency tracking into that table plus its
// indexes.
type SQLiteLog struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteLog opens (creating if absent) a SQLite-backed event log at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	l := &SQLiteLog{db: db, path: path}
	if err := l.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq          INTEGER NOT NULL,
			execution_id TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			source       TEXT NOT NULL,
			name         TEXT NOT NULL,
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			parent_id    TEXT,
			status       TEXT NOT NULL,
			attempt      INTEGER,
			iteration    INTEGER,
			page         INTEGER,
			payload      TEXT,
			PRIMARY KEY (execution_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_exec_seq ON events(execution_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_exec_type ON events(execution_id, name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_exec_entity ON events(execution_id, entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS execution_seq (
			execution_id TEXT PRIMARY KEY,
			next_seq     INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("store: create tables: %w", err)
		}
	}
	return nil
}

// NextSeq allocates the next monotonic seq for executionID inside a
// transaction, so concurrent Append callers never observe the same seq
// twice (single-writer discipline: one open connection, serialized by
// l.mu).
func (l *SQLiteLog) NextSeq(ctx context.Context, executionID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM execution_seq WHERE execution_id = ?`, executionID).Scan(&next)
	if err == sql.ErrNoRows {
		next = 0
	} else if err != nil {
		return 0, fmt.Errorf("store: read seq: %w", err)
	}
	next++

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_seq (execution_id, next_seq) VALUES (?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET next_seq = excluded.next_seq
	`, executionID, next); err != nil {
		return 0, fmt.Errorf("store: write seq: %w", err)
	}

	return next, tx.Commit()
}

// Append inserts ev, relying on the (execution_id, event_id) primary key
// to make the insert idempotent: a duplicate event_id is caught by the
// constraint violation and reported as a non-error, not-committed result.
func (l *SQLiteLog) Append(ctx context.Context, ev event.Event) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal payload: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (seq, execution_id, event_id, timestamp, source, name,
			entity_type, entity_id, parent_id, status, attempt, iteration, page, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Seq, ev.ExecutionID, ev.EventID, ev.Timestamp.Format(time.RFC3339Nano), string(ev.Source), ev.Name,
		ev.EntityType, ev.EntityID, ev.ParentID, string(ev.Status), ev.Attempt, ev.Iteration, ev.Page, string(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert event: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps SQLITE_CONSTRAINT as a *sqlite.Error whose
	// Error() text contains "UNIQUE constraint failed" or "constraint
	// failed"; string matching avoids importing the driver's internal
	// error type.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

// Events returns executionID's events ordered by seq, filtered per
// Filter. Query params map directly onto GET /executions/{id}/events.
func (l *SQLiteLog) Events(ctx context.Context, executionID string, filter Filter) ([]event.Event, error) {
	q := `SELECT seq, execution_id, event_id, timestamp, source, name, entity_type,
		entity_id, parent_id, status, attempt, iteration, page, payload
		FROM events WHERE execution_id = ?`
	args := []interface{}{executionID}
	if filter.EventType != "" {
		q += ` AND name = ?`
		args = append(args, filter.EventType)
	}
	if filter.StepRunID != "" {
		q += ` AND (parent_id = ? OR entity_id = ?)`
		args = append(args, filter.StepRunID, filter.StepRunID)
	}
	if filter.FromSeq > 0 {
		q += ` AND seq >= ?`
		args = append(args, filter.FromSeq)
	}
	q += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(rows rowScanner) (event.Event, error) {
	var ev event.Event
	var ts, payload string
	var source, status string
	if err := rows.Scan(&ev.Seq, &ev.ExecutionID, &ev.EventID, &ts, &source, &ev.Name,
		&ev.EntityType, &ev.EntityID, &ev.ParentID, &status, &ev.Attempt, &ev.Iteration, &ev.Page, &payload); err != nil {
		return ev, fmt.Errorf("store: scan event: %w", err)
	}
	ev.Source = event.Source(source)
	ev.Status = event.Status(status)
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ev.Timestamp = parsed
	}
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
	}
	return ev, nil
}

// Close releases the underlying connection.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
