package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Conn is the handle passed to Read and Write callbacks. It must not be
// retained after the callback returns.
type Conn struct {
	db *sql.DB
}

// Row maps column names to driver values.
type Row map[string]any

// RowSet is a fully materialized query result.
type RowSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows.
func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// First returns the first row, or nil for an empty set.
func (rs *RowSet) First() Row {
	if rs.Len() == 0 {
		return nil
	}
	return rs.Rows[0]
}

// Column returns the values of the named column in row order.
func (rs *RowSet) Column(name string) []any {
	out := make([]any, 0, rs.Len())
	if rs == nil {
		return out
	}
	for _, row := range rs.Rows {
		out = append(out, row[name])
	}
	return out
}

// Query executes a statement and materializes every row.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &RowSet{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rs, nil
}

// Exec executes a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Tx runs fn inside a transaction on this connection. The transaction is
// rolled back when fn returns an error.
func (c *Conn) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
