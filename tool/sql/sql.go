// Package sql implements the "sql" task kind: a parameterized query
// against a database/sql connection pool, rows scanned into a
// value.Value list of row maps. Connections come from sql.Open with a
// named driver, here serving arbitrary caller-supplied queries; only
// SQLite pools are bounded (see Open).
package sql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/value"
)

// Driver executes "sql" tasks against one open connection pool. A
// playbook's keychain entry supplies the DSN; Driver itself is
// DSN-agnostic and just holds the opened pool.
type Driver struct {
	DB     *sql.DB
	Put    outcome.Put
	Store  string
	Limits outcome.Limits
}

// Open opens a pool for driverName ("sqlite" or "mysql") against dsn.
// SQLite pools are capped to a single connection for the single-writer
// constraint; MySQL pools are left at the database/sql default.
func Open(driverName, dsn string, put outcome.Put, store string) (*Driver, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driverName, err)
	}
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	return &Driver{DB: db, Put: put, Store: store, Limits: outcome.DefaultLimits}, nil
}

// Execute runs cfg["query"] with cfg["args"] (a list of bind
// parameters) and returns the result set as a list of row maps, or an
// affected-row count for statements with no rows.
func (d *Driver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	meta := outcome.Meta{}

	query, _ := cfg["query"].(string)
	if query == "" {
		return outcome.Fail(outcome.Error{Kind: "sql", Message: "query parameter required"}, meta), nil
	}

	args := bindArgs(cfg["args"])

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		if result, execErr := d.DB.ExecContext(ctx, query, args...); execErr == nil {
			affected, _ := result.RowsAffected()
			return outcome.Ok(value.Map(map[string]value.Value{
				"rows_affected": value.Int(affected),
			}), meta), nil
		}
		return outcome.Fail(outcome.Error{Kind: "sql", Retryable: isRetryable(err), Message: err.Error()}, meta), nil
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "sql", Message: err.Error()}, meta), nil
	}

	if d.Put != nil {
		oc, err := outcome.Externalize(d.Store, result, d.Limits, meta, d.Put)
		if err != nil {
			return outcome.Fail(outcome.Error{Kind: "sql", Message: fmt.Sprintf("externalize: %v", err)}, meta), nil
		}
		return oc, nil
	}
	return outcome.Ok(result, meta), nil
}

func bindArgs(raw interface{}) []interface{} {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	return list
}

func scanRows(rows *sql.Rows) (value.Value, error) {
	cols, err := rows.Columns()
	if err != nil {
		return value.Null, err
	}

	var out []value.Value
	for rows.Next() {
		dest := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return value.Null, err
		}
		row := make(map[string]value.Value, len(cols))
		for i, col := range cols {
			row[col] = scanValue(dest[i])
		}
		out = append(out, value.Map(row))
	}
	if err := rows.Err(); err != nil {
		return value.Null, err
	}
	return value.List(out...), nil
}

func scanValue(raw interface{}) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null
	case []byte:
		return value.Str(string(v))
	case string:
		return value.Str(v)
	case int64:
		return value.Int(v)
	case float64:
		return value.Float(v)
	case bool:
		return value.Bool(v)
	default:
		return value.FromAny(v)
	}
}

// isRetryable classifies connection-level errors as retryable; query
// errors (syntax, constraint violations) are not — a conservative
// default a task.spec.policy can override per driver-specific Kind
// fields if a more precise signal is needed later.
func isRetryable(err error) bool {
	return err == sql.ErrConnDone
}
