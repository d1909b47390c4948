package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/noetl/noetl/engine"
)

// SQLiteBus is a SQLite-backed Bus: WAL mode, a single-writer pool,
// auto-migration on connect, and a command queue whose `visible_at`
// column stands in for a broker's visibility timeout. Survives process
// restarts, unlike MemoryBus.
type SQLiteBus struct {
	db   *sql.DB
	mu   sync.Mutex
	opts Options
}

// NewSQLiteBus opens (creating if absent) a SQLite-backed command queue
// at path.
func NewSQLiteBus(path string, opts Options) (*SQLiteBus, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bus: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bus: %s: %w", pragma, err)
		}
	}

	b := &SQLiteBus{db: db, opts: opts}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS commands (
			delivery_id    TEXT PRIMARY KEY,
			order_key      INTEGER NOT NULL,
			payload        TEXT NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			visible_at     INTEGER NOT NULL DEFAULT 0,
			acked          INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bus: create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_commands_visible ON commands(acked, visible_at, order_key)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bus: create index: %w", err)
	}
	return b, nil
}

// Enqueue inserts cmd with visible_at=0 so it is immediately dequeuable.
func (b *SQLiteBus) Enqueue(ctx context.Context, cmd engine.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bus: marshal command: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err = b.db.ExecContext(ctx, `INSERT INTO commands (delivery_id, order_key, payload) VALUES (?, ?, ?)`,
		newDeliveryID(), cmd.OrderKey, string(payload))
	if err != nil {
		return fmt.Errorf("bus: insert command: %w", err)
	}
	return nil
}

// Dequeue claims the lowest-order_key visible, un-acked row by pushing
// its visible_at past now + VisibilityTimeout (a poll-based claim, since
// SQLite has no blocking SELECT FOR UPDATE SKIP LOCKED), retrying until
// ctx is cancelled.
func (b *SQLiteBus) Dequeue(ctx context.Context) (Message, error) {
	for {
		msg, ok, err := b.tryClaim(ctx)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (b *SQLiteBus) tryClaim(ctx context.Context) (Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().Unix()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("bus: begin: %w", err)
	}
	defer tx.Rollback()

	var deliveryID, payload string
	var deliveryCount int
	err = tx.QueryRowContext(ctx, `
		SELECT delivery_id, payload, delivery_count FROM commands
		WHERE acked = 0 AND visible_at <= ?
		ORDER BY order_key ASC LIMIT 1
	`, now).Scan(&deliveryID, &payload, &deliveryCount)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("bus: claim query: %w", err)
	}

	deliveryCount++
	visibleAt := time.Now().Add(b.opts.VisibilityTimeout).Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE commands SET delivery_count = ?, visible_at = ? WHERE delivery_id = ?`,
		deliveryCount, visibleAt, deliveryID); err != nil {
		return Message{}, false, fmt.Errorf("bus: claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("bus: claim commit: %w", err)
	}

	var cmd engine.Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return Message{}, false, fmt.Errorf("bus: unmarshal command: %w", err)
	}
	return Message{Command: cmd, DeliveryID: deliveryID, DeliveryCount: deliveryCount}, true, nil
}

// Ack marks deliveryID permanently consumed.
func (b *SQLiteBus) Ack(ctx context.Context, deliveryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx, `UPDATE commands SET acked = 1 WHERE delivery_id = ?`, deliveryID)
	return err
}

// Nack makes deliveryID immediately visible again, or acks-and-drops it
// (dead-letters) once MaxRedeliveries is exceeded.
func (b *SQLiteBus) Nack(ctx context.Context, deliveryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var deliveryCount int
	if err := b.db.QueryRowContext(ctx, `SELECT delivery_count FROM commands WHERE delivery_id = ?`, deliveryID).Scan(&deliveryCount); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("bus: nack lookup: %w", err)
	}
	if deliveryCount >= b.opts.MaxRedeliveries {
		_, err := b.db.ExecContext(ctx, `UPDATE commands SET acked = 1 WHERE delivery_id = ?`, deliveryID)
		return err
	}
	_, err := b.db.ExecContext(ctx, `UPDATE commands SET visible_at = 0 WHERE delivery_id = ?`, deliveryID)
	return err
}

// Len reports un-acked commands, visible or in flight.
func (b *SQLiteBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	_ = b.db.QueryRow(`SELECT COUNT(*) FROM commands WHERE acked = 0`).Scan(&n)
	return n
}

// Close releases the underlying connection.
func (b *SQLiteBus) Close() error {
	return b.db.Close()
}
