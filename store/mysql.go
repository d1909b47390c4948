package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/noetl/noetl/event"
)

// MySQLLog is a MySQL-backed event.Log: tuned connection pool, a
// single events table, and duplicate-key-as-dedup appends. Intended for
// multi-worker production deployments where SQLiteLog's single-writer
// constraint would serialize every Ingestor.
type MySQLLog struct {
	db *sql.DB
}

// NewMySQLLog opens a connection pool against dsn and ensures the
// events/execution_seq tables exist.
func NewMySQLLog(dsn string) (*MySQLLog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &MySQLLog{db: db}
	if err := l.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *MySQLLog) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq          BIGINT NOT NULL,
			execution_id VARCHAR(128) NOT NULL,
			event_id     VARCHAR(128) NOT NULL,
			timestamp    DATETIME(6) NOT NULL,
			source       VARCHAR(16) NOT NULL,
			name         VARCHAR(128) NOT NULL,
			entity_type  VARCHAR(64) NOT NULL,
			entity_id    VARCHAR(128) NOT NULL,
			parent_id    VARCHAR(128),
			status       VARCHAR(16) NOT NULL,
			attempt      INT,
			iteration    INT,
			page         INT,
			payload      JSON,
			PRIMARY KEY (execution_id, event_id),
			INDEX idx_events_exec_seq (execution_id, seq),
			INDEX idx_events_exec_type (execution_id, name),
			INDEX idx_events_exec_entity (execution_id, entity_type, entity_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS execution_seq (
			execution_id VARCHAR(128) PRIMARY KEY,
			next_seq     BIGINT NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("store: create tables: %w", err)
		}
	}
	return nil
}

// NextSeq allocates the next seq for executionID using a row lock
// (SELECT ... FOR UPDATE) so concurrent workers never collide.
func (l *MySQLLog) NextSeq(ctx context.Context, executionID string) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM execution_seq WHERE execution_id = ? FOR UPDATE`, executionID).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO execution_seq (execution_id, next_seq) VALUES (?, ?)`, executionID, next); err != nil {
			return 0, fmt.Errorf("store: insert seq: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("store: read seq: %w", err)
	default:
		next++
		if _, err := tx.ExecContext(ctx, `UPDATE execution_seq SET next_seq = ? WHERE execution_id = ?`, next, executionID); err != nil {
			return 0, fmt.Errorf("store: update seq: %w", err)
		}
	}

	return next, tx.Commit()
}

// Append inserts ev; a duplicate (execution_id, event_id) primary key
// hits MySQL error 1062 and is reported as a non-error, not-committed
// result.
func (l *MySQLLog) Append(ctx context.Context, ev event.Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("store: marshal payload: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (seq, execution_id, event_id, timestamp, source, name,
			entity_type, entity_id, parent_id, status, attempt, iteration, page, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Seq, ev.ExecutionID, ev.EventID, ev.Timestamp, string(ev.Source), ev.Name,
		ev.EntityType, ev.EntityID, ev.ParentID, string(ev.Status), ev.Attempt, ev.Iteration, ev.Page, payload)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert event: %w", err)
	}
	return true, nil
}

func isDuplicateKeyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "1062")
}

// Events returns executionID's events ordered by seq, filtered per
// Filter (GET /executions/{id}/events query params).
func (l *MySQLLog) Events(ctx context.Context, executionID string, filter Filter) ([]event.Event, error) {
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
		var ev event.Event
		var source, status string
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.ExecutionID, &ev.EventID, &ev.Timestamp, &source, &ev.Name,
			&ev.EntityType, &ev.EntityID, &ev.ParentID, &status, &ev.Attempt, &ev.Iteration, &ev.Page, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Source = event.Source(source)
		ev.Status = event.Status(status)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (l *MySQLLog) Close() error {
	return l.db.Close()
}
