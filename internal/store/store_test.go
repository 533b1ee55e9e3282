package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peopleSchema = `
	CREATE TABLE people (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT 'anon',
		age INTEGER,
		score REAL NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		avatar BLOB
	)
`

// createTestStore opens a store in a temp dir with the people table.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, Options{
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if *version < 1 {
				if _, err := tx.ExecContext(ctx, peopleSchema); err != nil {
					return err
				}
				*version = 1
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestOpen_SchemaBuilderRunsOncePerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	calls := 0
	builder := func(ctx context.Context, tx *sql.Tx, version *int) error {
		calls++
		if *version < 1 {
			if _, err := tx.ExecContext(ctx, peopleSchema); err != nil {
				return err
			}
			*version = 1
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		s, err := Open(context.Background(), path, Options{SchemaBuilder: builder})
		require.NoError(t, err, "Open() iteration %d", i)
		v, err := s.SchemaVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		s.Close()
	}
	assert.Equal(t, 3, calls)
}

func TestOpen_SchemaBuilderErrorRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	boom := errors.New("boom")

	_, err := Open(context.Background(), path, Options{
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if _, err := tx.ExecContext(ctx, peopleSchema); err != nil {
				return err
			}
			*version = 7
			return boom
		},
	})
	require.ErrorIs(t, err, boom)

	s, err := Open(context.Background(), path, Options{})
	require.NoError(t, err)
	defer s.Close()

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tables)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestQuery_MaterializesRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "INSERT INTO people (id, name, age, score) VALUES (?, ?, ?, ?)", 1, "ann", 30, 1.5)
	require.NoError(t, err)
	_, err = s.Exec(ctx, "INSERT INTO people (id, name, score) VALUES (?, ?, ?)", 2, "bob", 2.0)
	require.NoError(t, err)

	rs, err := s.Query(ctx, "SELECT id, name, age FROM people ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "age"}, rs.Columns)
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, int64(1), rs.First()["id"])
	assert.Nil(t, rs.Rows[1]["age"])
	assert.Equal(t, []any{int64(1), int64(2)}, rs.Column("id"))
}

func TestQuery_EmptyResultIsNotNil(t *testing.T) {
	s := createTestStore(t)

	rs, err := s.Query(context.Background(), "SELECT * FROM people")
	require.NoError(t, err)
	assert.NotNil(t, rs.Rows)
	assert.Equal(t, 0, rs.Len())
	assert.Nil(t, rs.First())
}

func TestExec_ReportsStoreError(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Exec(context.Background(), "INSERT INTO nowhere VALUES (1)")
	require.Error(t, err)
}

func TestClosedStore(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close() must be a no-op")

	assert.False(t, s.IsOpen())
	_, err := s.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWrite_ExcludesReaders(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var inWrite atomic.Bool
	var overlapped atomic.Bool
	var wg sync.WaitGroup

	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Write(ctx, func(c *Conn) error {
			inWrite.Store(true)
			close(started)
			time.Sleep(30 * time.Millisecond)
			inWrite.Store(false)
			return nil
		})
	}()

	<-started
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Read(ctx, func(c *Conn) error {
				if inWrite.Load() {
					overlapped.Store(true)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "a reader ran while a writer held access")
}

func TestConnTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Write(ctx, func(c *Conn) error {
		return c.Tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO people (id, score) VALUES (1, 0)"); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	rs, err := s.Query(ctx, "SELECT COUNT(*) AS n FROM people")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.First()["n"])
}
