package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// SchemaBuilder creates or upgrades the schema inside tx.
//
// version holds the current PRAGMA user_version on entry; the builder sets
// it to the version it leaves the schema at. Returning an error rolls back
// the whole transaction.
type SchemaBuilder func(ctx context.Context, tx *sql.Tx, version *int) error

// Options configures Open.
type Options struct {
	// SchemaBuilder is optional. When nil the database is opened as-is.
	SchemaBuilder SchemaBuilder

	// Initializer runs once on the raw connection before the schema
	// builder, e.g. for extra pragmas.
	Initializer func(ctx context.Context, db *sql.DB) error

	// MaxOpenConns defaults to 1 (single connection, which is also what
	// in-memory databases require).
	MaxOpenConns int

	Logger *slog.Logger
}

// Store provides serialized access to one SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema builder.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if opts.Initializer != nil {
		if err := opts.Initializer(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	if opts.SchemaBuilder != nil {
		if err := applySchema(ctx, db, opts.SchemaBuilder); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	logger.Debug("database opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("database closed", "path", s.path)
	return s.db.Close()
}

// IsOpen reports whether Close has not been called yet.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Read runs fn with shared access. Any number of readers may hold shared
// access at once; none overlaps a writer.
func (s *Store) Read(ctx context.Context, fn func(*Conn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&Conn{db: s.db})
}

// Write runs fn with exclusive access. Callers bump invalidation tokens
// inside fn so the bump is ordered before any subsequent read.
func (s *Store) Write(ctx context.Context, fn func(*Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(&Conn{db: s.db})
}

// Query executes a read-only statement under shared access.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*RowSet, error) {
	var rs *RowSet
	err := s.Read(ctx, func(c *Conn) error {
		var err error
		rs, err = c.Query(ctx, query, args...)
		return err
	})
	return rs, err
}

// Exec executes a statement under exclusive access.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.Write(ctx, func(c *Conn) error {
		var err error
		res, err = c.Exec(ctx, query, args...)
		return err
	})
	return res, err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema runs the builder inside one transaction and records the
// version it reports in PRAGMA user_version.
func applySchema(ctx context.Context, db *sql.DB, build SchemaBuilder) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var version int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	start := version
	if err := build(ctx, tx, &version); err != nil {
		return fmt.Errorf("schema builder: %w", err)
	}

	if version != start {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the current PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.Read(ctx, func(c *Conn) error {
		return c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
