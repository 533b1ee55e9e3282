// Package model maps rows of a SQLite database onto canonical in-memory
// instances.
//
// There is at most one live Instance per (model, primary key). Writes go
// through the row store with exclusive access and bump the invalidation
// tokens of the tables they touch before access is released, so cached
// query results never outlive the data they were derived from. Change
// notifications are delivered immediately or coalesced within a batching
// scope carried by the context. External writes are reconciled with unsaved
// in-memory state by ReloadAll.
package model

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/rowmap/internal/invalidation"
	"github.com/roach88/rowmap/internal/notify"
	"github.com/roach88/rowmap/internal/querysql"
	"github.com/roach88/rowmap/internal/resultcache"
	"github.com/roach88/rowmap/internal/store"
)

// Event is a change notification carrying instances.
type Event = notify.Event[*Instance]

// Config configures Open.
type Config struct {
	// Path is the SQLite database file. ":memory:" works with the default
	// single connection.
	Path string

	// SchemaBuilder creates or upgrades the schema. It receives the current
	// PRAGMA user_version and sets the version it leaves the schema at.
	SchemaBuilder store.SchemaBuilder

	// Initializer runs on the raw connection before the schema builder.
	Initializer func(ctx context.Context, db *sql.DB) error

	MaxOpenConns int

	// CacheMemoryLimit clears the result cache whenever heap usage exceeds
	// it. Zero disables the watcher.
	CacheMemoryLimit   uint64
	CacheWatchInterval time.Duration

	Logger *slog.Logger
}

// Stats are cumulative counters plus a few current sizes.
type Stats struct {
	Cache         resultcache.Stats `json:"cache"`
	LiveInstances map[string]int    `json:"live_instances"`
	Inserts       uint64            `json:"inserts"`
	Updates       uint64            `json:"updates"`
	Deletes       uint64            `json:"deletes"`
	SaveFailures  uint64            `json:"save_failures"`
	Refusals      uint64            `json:"refusals"`
	Reloads       uint64            `json:"reloads"`
	Conflicts     uint64            `json:"conflicts"`
	RawWrites     uint64            `json:"raw_writes"`
	Published     uint64            `json:"notifications_published"`
	Dropped       uint64            `json:"notifications_dropped"`
}

type counters struct {
	inserts, updates, deletes atomic.Uint64
	failures, refusals        atomic.Uint64
	reloads, conflicts        atomic.Uint64
	rawWrites                 atomic.Uint64
}

// DB is the entry point: one database, its registered models, caches and
// notification hub. Safe for concurrent use.
type DB struct {
	store   *store.Store
	bus     *invalidation.Bus
	cache   *resultcache.Cache
	hub     *notify.Hub[*Instance]
	batcher *notify.Batcher[*Instance]
	logger  *slog.Logger

	mu     sync.RWMutex
	models map[string]*Model
	order  []*Model

	stopWatch context.CancelFunc
	stats     counters
}

// Open opens the database, runs the schema builder and returns a DB with no
// models registered.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.Path, store.Options{
		SchemaBuilder: cfg.SchemaBuilder,
		Initializer:   cfg.Initializer,
		MaxOpenConns:  cfg.MaxOpenConns,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	bus := invalidation.New()
	hub := notify.NewHub[*Instance](logger)
	db := &DB{
		store:   st,
		bus:     bus,
		cache:   resultcache.New(bus, logger),
		hub:     hub,
		batcher: notify.NewBatcher(hub.Publish),
		logger:  logger.With("component", "model"),
		models:  make(map[string]*Model),
	}

	if cfg.CacheMemoryLimit > 0 {
		watchCtx, cancel := context.WithCancel(context.Background())
		db.stopWatch = cancel
		go db.cache.WatchMemory(watchCtx, cfg.CacheMemoryLimit, cfg.CacheWatchInterval)
	}

	return db, nil
}

// IsOpen reports whether the database is open.
func (db *DB) IsOpen() bool {
	return db.store.IsOpen()
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.store.Path()
}

// Close closes the database and reports whether no instances were still
// live. Live instances are logged as a warning but do not keep the database
// open. Cached results are dropped and a collection is forced first, so only
// instances the application still references count.
func (db *DB) Close() (bool, error) {
	if !db.store.IsOpen() {
		return true, nil
	}
	db.cache.InvalidateAll()
	runtime.GC()

	live := 0
	for _, m := range db.Models() {
		live += m.instances.Len()
	}
	if live > 0 {
		db.logger.Warn("closing database with live instances", "live", live)
	}

	if db.stopWatch != nil {
		db.stopWatch()
	}
	db.hub.Close()
	if err := db.store.Close(); err != nil {
		return false, fmt.Errorf("close database: %w", err)
	}
	return live == 0, nil
}

// Model returns a registered model by name.
func (db *DB) Model(name string) (*Model, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.models[name]
	return m, ok
}

// Models returns every registered model in registration order.
func (db *DB) Models() []*Model {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return slices.Clone(db.order)
}

// Tables lists the tables and views in the database.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	return db.store.Tables(ctx)
}

// modelsForTables returns the models stored in any of the given tables.
func (db *DB) modelsForTables(tables []string) []*Model {
	var out []*Model
	for _, m := range db.Models() {
		if slices.Contains(tables, strings.ToLower(m.Table)) {
			out = append(out, m)
		}
	}
	return out
}

func (db *DB) registeredTables() []string {
	var out []string
	for _, m := range db.Models() {
		t := strings.ToLower(m.Table)
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Rows runs a read-only query. When m is non-nil, $T and $PK refer to its
// table and primary key. Statements that could write are rejected with
// ErrNotReadOnly.
func (db *DB) Rows(ctx context.Context, m *Model, query string, args ...any) (*store.RowSet, error) {
	if m != nil {
		query = m.compiler.Expand(query)
	}
	if !querysql.ReadOnly(query) {
		return nil, fmt.Errorf("%s: %w", query, ErrNotReadOnly)
	}
	rs, err := db.store.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query", modelName(m), query, err)
	}
	return rs, nil
}

// FirstColumn returns the first column of every row.
func (db *DB) FirstColumn(ctx context.Context, m *Model, query string, args ...any) ([]any, error) {
	rs, err := db.Rows(ctx, m, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rs.Columns) == 0 {
		return []any{}, nil
	}
	return rs.Column(rs.Columns[0]), nil
}

// FirstValue returns the first column of the first row, or nil when the
// query returns no rows.
func (db *DB) FirstValue(ctx context.Context, m *Model, query string, args ...any) (any, error) {
	rs, err := db.Rows(ctx, m, query, args...)
	if err != nil {
		return nil, err
	}
	if rs.Len() == 0 || len(rs.Columns) == 0 {
		return nil, nil
	}
	return rs.First()[rs.Columns[0]], nil
}

// CachedRows is Rows through the result cache. The tables the query reads
// are derived from its text; when none can be recognized the entry depends
// on every registered table.
func (db *DB) CachedRows(ctx context.Context, query string, args ...any) (*store.RowSet, error) {
	key, err := canonRowsKey(query, args)
	if err != nil {
		return nil, err
	}
	tables := querysql.Tables(query)
	if len(tables) == 0 {
		tables = db.registeredTables()
	}
	deps := make([]string, len(tables))
	for i, t := range tables {
		deps[i] = invalidation.Table(t)
	}

	v, err := db.cache.GetOrCompute(key, deps, func() (any, error) {
		return db.Rows(ctx, nil, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.RowSet), nil
}

// ExecResult reports what a raw write touched.
type ExecResult struct {
	Tables       []string `json:"tables"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id"`
}

// ExecuteUpdate runs a raw write. When m is non-nil, $T and $PK refer to its
// table and primary key. Every table the statement names is invalidated
// before write access is released; when none can be recognized, every
// registered table is. With reload set, the models stored in those tables
// are reloaded afterwards.
func (db *DB) ExecuteUpdate(ctx context.Context, m *Model, reload bool, query string, args ...any) (ExecResult, error) {
	if m != nil {
		query = m.compiler.Expand(query)
	}
	tables := querysql.Tables(query)
	if m != nil && !slices.Contains(tables, strings.ToLower(m.Table)) {
		tables = append(tables, strings.ToLower(m.Table))
	}
	if len(tables) == 0 {
		tables = db.registeredTables()
	}

	var res ExecResult
	err := db.store.Write(ctx, func(c *store.Conn) error {
		r, err := c.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		res.RowsAffected, _ = r.RowsAffected()
		res.LastInsertID, _ = r.LastInsertId()
		for _, t := range tables {
			db.bus.BumpRows(t)
		}
		return nil
	})
	if err != nil {
		return ExecResult{}, storeErr("execute", modelName(m), query, err)
	}
	res.Tables = tables
	db.stats.rawWrites.Add(1)
	db.logger.Debug("raw write", "tables", tables, "rows", res.RowsAffected)

	if reload {
		affected := db.modelsForTables(tables)
		if len(affected) > 0 {
			if err := db.ReloadAll(ctx, affected...); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// DataWasUpdatedExternally invalidates the tables of the given models (all
// models when none are given) and reloads them. Call it after another
// process or connection wrote to the database.
func (db *DB) DataWasUpdatedExternally(ctx context.Context, models ...*Model) error {
	if len(models) == 0 {
		models = db.Models()
	}
	err := db.store.Write(ctx, func(*store.Conn) error {
		for _, m := range models {
			db.bus.BumpRows(m.Table)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return db.ReloadAll(ctx, models...)
}

// ClearCachedData drops every cached result.
func (db *DB) ClearCachedData() {
	db.cache.InvalidateAll()
}

// BeginBatch opens a notification batching scope on ctx. Use the returned
// context for the writes to batch and end the scope exactly once.
func (db *DB) BeginBatch(ctx context.Context) (context.Context, *notify.Scope[*Instance]) {
	return db.batcher.Begin(ctx)
}

// Batched runs fn inside a batching scope and delivers (or discards) the
// collected notifications when the outermost scope ends.
func (db *DB) Batched(ctx context.Context, deliver bool, fn func(ctx context.Context) error) error {
	return db.batcher.Batched(ctx, deliver, fn)
}

// InBatch reports whether ctx carries an open batching scope.
func (db *DB) InBatch(ctx context.Context) bool {
	return db.batcher.InBatch(ctx)
}

// Subscribe delivers matching notifications on a channel until ctx is done.
func (db *DB) Subscribe(ctx context.Context, filter notify.Filter) (<-chan Event, string) {
	return db.hub.Subscribe(ctx, filter)
}

// Unsubscribe ends a subscription.
func (db *DB) Unsubscribe(id string) {
	db.hub.Unsubscribe(id)
}

// Observe calls fn synchronously for every matching notification.
func (db *DB) Observe(filter notify.Filter, fn func(Event)) string {
	return db.hub.Observe(filter, fn)
}

// RemoveObserver unregisters an observer.
func (db *DB) RemoveObserver(id string) {
	db.hub.RemoveObserver(id)
}

func (db *DB) enqueue(ctx context.Context, kind notify.Kind, m *Model, instances []*Instance, fields []string) {
	db.batcher.Enqueue(ctx, Event{
		Kind:          kind,
		Model:         m.Name,
		Instances:     instances,
		ChangedFields: fields,
	})
}

// Tokens returns every invalidation token, for diagnostics.
func (db *DB) Tokens() map[string]uint64 {
	return db.bus.Snapshot()
}

// Stats returns a snapshot of the counters.
func (db *DB) Stats() Stats {
	live := make(map[string]int)
	for _, m := range db.Models() {
		live[m.Name] = m.instances.Len()
	}
	return Stats{
		Cache:         db.cache.Stats(),
		LiveInstances: live,
		Inserts:       db.stats.inserts.Load(),
		Updates:       db.stats.updates.Load(),
		Deletes:       db.stats.deletes.Load(),
		SaveFailures:  db.stats.failures.Load(),
		Refusals:      db.stats.refusals.Load(),
		Reloads:       db.stats.reloads.Load(),
		Conflicts:     db.stats.conflicts.Load(),
		RawWrites:     db.stats.rawWrites.Load(),
		Published:     db.hub.Published(),
		Dropped:       db.hub.Dropped(),
	}
}

func modelName(m *Model) string {
	if m == nil {
		return ""
	}
	return m.Name
}
