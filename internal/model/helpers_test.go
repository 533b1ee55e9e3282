package model

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowmap/internal/notify"
)

const testSchema = `
	CREATE TABLE people (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		age INTEGER,
		score REAL NOT NULL DEFAULT 0,
		created TEXT DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE pets (
		id TEXT PRIMARY KEY,
		owner INTEGER,
		name TEXT
	);
	CREATE TABLE pairs (
		a INTEGER,
		b INTEGER,
		PRIMARY KEY (a, b)
	);
	CREATE TABLE notes (
		id INTEGER PRIMARY KEY,
		created TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		body TEXT NOT NULL
	);
`

// openTestDB opens a DB in a temp dir with the test schema. The underlying
// store is closed on cleanup regardless of live instances.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), Config{
		Path: path,
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if *version < 1 {
				if _, err := tx.ExecContext(ctx, testSchema); err != nil {
					return err
				}
				*version = 1
			}
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.hub.Close()
		_ = db.store.Close()
	})
	return db
}

func registerPeople(t *testing.T, db *DB, opts ...func(*Descriptor)) *Model {
	t.Helper()
	d := Descriptor{Name: "person", Table: "people"}
	for _, opt := range opts {
		opt(&d)
	}
	m, err := db.Register(context.Background(), d)
	require.NoError(t, err)
	return m
}

func registerPets(t *testing.T, db *DB) *Model {
	t.Helper()
	m, err := db.Register(context.Background(), Descriptor{Name: "pet", Table: "pets"})
	require.NoError(t, err)
	return m
}

// seedPeople inserts ann (1, 30) and bob (2, 40) behind the model layer.
func seedPeople(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.ExecuteUpdate(context.Background(), nil, false,
		"INSERT INTO people (id, name, age) VALUES (1, 'ann', 30), (2, 'bob', 40)")
	require.NoError(t, err)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func observe(db *DB) *eventLog {
	l := &eventLog{}
	db.Observe(notify.Filter{}, func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	})
	return l
}

func (l *eventLog) kinds() []notify.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]notify.Kind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) ofKind(k notify.Kind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}
