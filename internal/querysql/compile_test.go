package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCompiler() *Compiler {
	return NewCompiler("people", "id", []string{"id", "name", "age"})
}

func TestCompiler_SelectWhere(t *testing.T) {
	c := testCompiler()

	assert.Equal(t, `SELECT "id", "name", "age" FROM "people"`, c.SelectWhere(""))
	assert.Equal(t,
		`SELECT "id", "name", "age" FROM "people" WHERE age > ? ORDER BY "id"`,
		c.SelectWhere("age > ? ORDER BY $PK"))
}

func TestCompiler_SelectOrderedBy(t *testing.T) {
	c := testCompiler()

	assert.Equal(t, `SELECT "id", "name", "age" FROM "people" ORDER BY name DESC`, c.SelectOrderedBy("name DESC"))
	assert.Equal(t, `SELECT "id", "name", "age" FROM "people"`, c.SelectOrderedBy("  "))
}

func TestCompiler_SelectByKeys(t *testing.T) {
	c := testCompiler()

	q, err := c.SelectByKeys(3)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "name", "age" FROM "people" WHERE "id" IN (?, ?, ?)`, q)

	_, err = c.SelectByKeys(0)
	assert.Error(t, err)
}

func TestCompiler_Writes(t *testing.T) {
	c := testCompiler()

	q, err := c.Insert([]string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "people" ("id", "name") VALUES (?, ?)`, q)

	q, err = c.Update([]string{"name", "age"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "people" SET "name" = ?, "age" = ? WHERE "id" = ?`, q)

	assert.Equal(t, `DELETE FROM "people" WHERE "id" = ?`, c.Delete())

	_, err = c.Insert(nil)
	assert.Error(t, err)
	_, err = c.Update(nil)
	assert.Error(t, err)
}

func TestCompiler_CountAndExists(t *testing.T) {
	c := testCompiler()

	assert.Equal(t, `SELECT COUNT(*) FROM "people"`, c.Count(""))
	assert.Equal(t, `SELECT COUNT(*) FROM "people" WHERE age IS NULL`, c.Count("age IS NULL"))
	assert.Equal(t, `SELECT 1 FROM "people" WHERE "id" = ? LIMIT 1`, c.Exists())
}

func TestCompiler_QuotesIdentifiers(t *testing.T) {
	c := NewCompiler(`odd"name`, "key", nil)

	assert.Equal(t, `SELECT * FROM "odd""name" WHERE "key" = ?`, c.SelectByKey())
}

func TestNewCompiler_CopiesColumns(t *testing.T) {
	cols := []string{"id", "name"}
	c := NewCompiler("people", "id", cols)
	cols[1] = "changed"

	assert.Equal(t, []string{"id", "name"}, c.Columns)
}
