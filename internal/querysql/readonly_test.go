package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadOnly(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"select", "SELECT * FROM people", true},
		{"lowercase", "select 1", true},
		{"trailing semicolon", "SELECT 1;", true},
		{"cte", "WITH old AS (SELECT * FROM people WHERE age > 60) SELECT COUNT(*) FROM old", true},
		{"values", "VALUES (1), (2)", true},
		{"explain", "EXPLAIN QUERY PLAN SELECT * FROM people", true},
		{"pragma read", "PRAGMA table_info(people)", true},
		{"replace function", "SELECT replace(name, 'a', 'b') FROM people", true},
		{"keyword in literal", "SELECT * FROM log WHERE msg = 'DELETE FROM people'", true},
		{"keyword in comment", "SELECT 1 -- then DROP TABLE people", true},
		{"update", "UPDATE people SET age = 1", false},
		{"delete returning", "DELETE FROM people WHERE id = 1 RETURNING *", false},
		{"insert", "INSERT INTO people (name) VALUES ('x')", false},
		{"replace into", "REPLACE INTO people (id) VALUES (1)", false},
		{"cte write", "WITH x AS (SELECT 1) DELETE FROM people", false},
		{"pragma assign", "PRAGMA user_version = 3", false},
		{"pragma setter", "PRAGMA journal_mode(DELETE)", false},
		{"create", "CREATE TABLE t (id INTEGER)", false},
		{"two statements", "SELECT 1; DROP TABLE people", false},
		{"second select", "SELECT 1; SELECT 2", false},
		{"empty", "  ", false},
		{"comment only", "-- nothing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReadOnly(tt.query))
		})
	}
}
