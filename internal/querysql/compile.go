// Package querysql builds and inspects the SQL text rowmap sends to the
// row store.
//
// CRITICAL: All values are parameterized (never interpolated). Identifiers
// are always quoted.
package querysql

import (
	"fmt"
	"strings"
)

// Compiler produces parameterized statements for one model table.
type Compiler struct {
	Table      string
	PrimaryKey string
	// Columns are the columns materialized into instances, in order.
	// The primary key must be among them.
	Columns []string
}

// NewCompiler creates a Compiler. The columns slice is copied.
func NewCompiler(table, primaryKey string, columns []string) *Compiler {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Compiler{Table: table, PrimaryKey: primaryKey, Columns: cols}
}

func (c *Compiler) selectList() string {
	if len(c.Columns) == 0 {
		return "*"
	}
	parts := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		parts[i] = quote(col)
	}
	return strings.Join(parts, ", ")
}

// Expand resolves $T and $PK for this table.
func (c *Compiler) Expand(query string) string {
	return Expand(query, c.Table, c.PrimaryKey)
}

// SelectWhere selects instance columns with a caller-supplied clause that
// follows WHERE (it may carry its own ORDER BY or LIMIT). An empty clause
// selects every row.
func (c *Compiler) SelectWhere(afterWhere string) string {
	q := fmt.Sprintf("SELECT %s FROM %s", c.selectList(), quote(c.Table))
	if clause := strings.TrimSpace(c.Expand(afterWhere)); clause != "" {
		q += " WHERE " + clause
	}
	return q
}

// SelectOrderedBy selects every row ordered by a caller-supplied clause.
func (c *Compiler) SelectOrderedBy(afterOrderBy string) string {
	q := fmt.Sprintf("SELECT %s FROM %s", c.selectList(), quote(c.Table))
	if clause := strings.TrimSpace(c.Expand(afterOrderBy)); clause != "" {
		q += " ORDER BY " + clause
	}
	return q
}

// SelectByKey selects one row by primary key.
func (c *Compiler) SelectByKey() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", c.selectList(), quote(c.Table), quote(c.PrimaryKey))
}

// SelectByKeys selects the rows whose primary key is one of n values.
func (c *Compiler) SelectByKeys(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("select by keys: need at least one key, got %d", n)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)", c.selectList(), quote(c.Table), quote(c.PrimaryKey), marks), nil
}

// Exists checks for a primary key.
func (c *Compiler) Exists() string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", quote(c.Table), quote(c.PrimaryKey))
}

// Count counts rows, optionally filtered.
func (c *Compiler) Count(afterWhere string) string {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quote(c.Table))
	if clause := strings.TrimSpace(c.Expand(afterWhere)); clause != "" {
		q += " WHERE " + clause
	}
	return q
}

// Insert inserts the given columns.
func (c *Compiler) Insert(columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", c.Table)
	}
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = quote(col)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(c.Table), strings.Join(names, ", "), marks), nil
}

// Update sets the given columns on the row identified by the primary key,
// which is bound last.
func (c *Compiler) Update(columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("update %s: no columns", c.Table)
	}
	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = quote(col) + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(c.Table), strings.Join(sets, ", "), quote(c.PrimaryKey)), nil
}

// Delete deletes the row identified by the primary key.
func (c *Compiler) Delete() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(c.Table), quote(c.PrimaryKey))
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
