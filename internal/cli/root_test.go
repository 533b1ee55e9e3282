package cli

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowmap/internal/model"
)

const cliSchema = `
	CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT 'anon', age INTEGER);
	CREATE TABLE pets (id TEXT PRIMARY KEY, owner INTEGER);
	CREATE TABLE pairs (a INTEGER, b INTEGER, PRIMARY KEY (a, b));
	INSERT INTO people (id, name, age) VALUES (1, 'ann', 30), (2, 'bob', 40);
`

// createTestDB writes a database with the CLI test schema and returns its path.
func createTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	db, err := model.Open(context.Background(), model.Config{
		Path: path,
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if *version < 1 {
				if _, err := tx.ExecContext(ctx, cliSchema); err != nil {
					return err
				}
				*version = 1
			}
			return nil
		},
	})
	require.NoError(t, err)
	ok, err := db.Close()
	require.NoError(t, err)
	require.True(t, ok)
	return path
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rowmap", cmd.Use)
	assert.Contains(t, cmd.Long, "ROWMAP_DB")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"inspect", "query", "exec", "stats"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "models", "log-level", "cache-memory-limit"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "inspect", "--db", "x.db", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingDatabase(t *testing.T) {
	t.Setenv("ROWMAP_DB", "")
	out, _, err := execute(t, "inspect")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database path is required")
}

func TestNonExistentDatabase(t *testing.T) {
	out, _, err := execute(t, "inspect", "--db", "/nonexistent/path/test.db", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `"code":"`+ErrCodeNotFound+`"`)

	_, statErr := os.Stat("/nonexistent/path/test.db")
	assert.True(t, os.IsNotExist(statErr), "no database is created")
}

func TestDatabaseFromEnvironment(t *testing.T) {
	t.Setenv("ROWMAP_DB", createTestDB(t))
	out, _, err := execute(t, "query", "SELECT COUNT(*) AS n FROM people")
	require.NoError(t, err)
	assert.Contains(t, out, "(1 rows)")
}
