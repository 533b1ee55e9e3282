package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/rowmap/internal/identity"
	"github.com/roach88/rowmap/internal/querysql"
	"github.com/roach88/rowmap/internal/store"
)

// ConflictResolver decides the in-memory value of a field that changed both
// locally and in the database during a reload. It receives the value just
// read from the database.
type ConflictResolver func(inst *Instance, field string, dbValue any) (any, error)

// Hooks are optional lifecycle callbacks. They run on the calling goroutine
// without any instance lock held, so they may read and set fields, but they
// must not save or delete the instance they are called for.
type Hooks struct {
	// DidInit runs once for every instance built by the model.
	DidInit func(*Instance)

	ShouldInsert func(*Instance) bool
	ShouldUpdate func(*Instance) bool
	ShouldDelete func(*Instance) bool

	DidInsert func(*Instance)
	DidUpdate func(*Instance, []string)
	DidDelete func(*Instance)

	SaveWasRefused func(*Instance)
	SaveDidFail    func(*Instance, error)
}

// Descriptor declares a model.
type Descriptor struct {
	// Name identifies the model in notifications. Required.
	Name string

	// Table defaults to Name.
	Table string

	// PrimaryKey defaults to the table's single primary-key column.
	PrimaryKey string

	// Extends names a registered model this one specializes. Reloading the
	// parent reloads this model too.
	Extends string

	// KeyGenerator defaults to UUIDv7Generator for text keys and
	// RandomInt64Generator otherwise.
	KeyGenerator KeyGenerator

	ResolveConflict ConflictResolver

	Hooks Hooks
}

// Model is a registered descriptor bound to its table's columns.
type Model struct {
	Name       string
	Table      string
	PrimaryKey string
	Extends    string

	db        *DB
	desc      Descriptor
	fields    []store.FieldInfo
	byName    map[string]store.FieldInfo
	pkField   store.FieldInfo
	compiler  *querysql.Compiler
	keys      KeyGenerator
	instances *identity.Map[Instance]
	logger    *slog.Logger
}

// Register binds a descriptor to its table. The table must exist and have
// exactly one primary-key column (or name one via PrimaryKey).
func (db *DB) Register(ctx context.Context, d Descriptor) (*Model, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("register model: name is required")
	}
	if d.Table == "" {
		d.Table = d.Name
	}

	fields, err := db.store.Columns(ctx, d.Table)
	if err != nil {
		return nil, fmt.Errorf("register model %s: %w", d.Name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("register model %s: table %s not found", d.Name, d.Table)
	}

	byName := make(map[string]store.FieldInfo, len(fields))
	names := make([]string, len(fields))
	var pks []string
	for i, f := range fields {
		byName[f.Name] = f
		names[i] = f.Name
		if f.PrimaryKey {
			pks = append(pks, f.Name)
		}
	}

	if d.PrimaryKey == "" {
		switch len(pks) {
		case 1:
			d.PrimaryKey = pks[0]
		case 0:
			return nil, fmt.Errorf("register model %s: table %s has no primary key", d.Name, d.Table)
		default:
			return nil, fmt.Errorf("register model %s: composite primary key %s is not supported", d.Name, strings.Join(pks, ", "))
		}
	}
	pkField, ok := byName[d.PrimaryKey]
	if !ok {
		return nil, fmt.Errorf("register model %s: primary key %s: %w", d.Name, d.PrimaryKey, ErrUnknownField)
	}

	keys := d.KeyGenerator
	if keys == nil {
		if pkField.Type == store.FieldText {
			keys = UUIDv7Generator{}
		} else {
			keys = RandomInt64Generator{}
		}
	}

	m := &Model{
		Name:       d.Name,
		Table:      d.Table,
		PrimaryKey: d.PrimaryKey,
		Extends:    d.Extends,
		db:         db,
		desc:       d,
		fields:     fields,
		byName:     byName,
		pkField:    pkField,
		compiler:   querysql.NewCompiler(d.Table, d.PrimaryKey, names),
		keys:       keys,
		instances:  identity.New[Instance](),
		logger:     db.logger.With("model", d.Name),
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, dup := db.models[d.Name]; dup {
		return nil, fmt.Errorf("register model %s: already registered", d.Name)
	}
	if d.Extends != "" {
		if _, ok := db.models[d.Extends]; !ok {
			return nil, fmt.Errorf("register model %s: extends %s: %w", d.Name, d.Extends, ErrUnknownModel)
		}
	}
	db.models[d.Name] = m
	db.order = append(db.order, m)

	m.logger.Debug("model registered", "table", d.Table, "primary_key", d.PrimaryKey, "fields", len(fields))
	return m, nil
}

// DB returns the database the model is registered with.
func (m *Model) DB() *DB {
	return m.db
}

// Fields returns the table's columns in declaration order.
func (m *Model) Fields() []store.FieldInfo {
	out := make([]store.FieldInfo, len(m.fields))
	copy(out, m.fields)
	return out
}

// FieldNames returns the column names in declaration order.
func (m *Model) FieldNames() []string {
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.Name
	}
	return out
}

// Field returns one column's FieldInfo.
func (m *Model) Field(name string) (store.FieldInfo, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// Live returns every live registered instance, in no particular order.
func (m *Model) Live() []*Instance {
	return m.instances.Snapshot()
}

// subModels returns the models that extend m, transitively.
func (m *Model) subModels() []*Model {
	var out []*Model
	frontier := []string{m.Name}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, candidate := range m.db.Models() {
			if candidate.Extends == parent {
				out = append(out, candidate)
				frontier = append(frontier, candidate.Name)
			}
		}
	}
	return out
}

// coerceKey converts a caller-supplied key into the primary-key column's
// canonical type and its identity-map key.
func (m *Model) coerceKey(key any) (any, string, error) {
	v, err := m.pkField.Coerce(key)
	if err != nil {
		return nil, "", fmt.Errorf("%s: primary key: %w", m.Name, err)
	}
	ks, err := keyString(v)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", m.Name, err)
	}
	return v, ks, nil
}

// defaults returns a fresh value map holding each field's default.
func (m *Model) defaults() map[string]any {
	vals := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		vals[f.Name] = f.Default
	}
	return vals
}

// valuesFromRow coerces a row into a value map. Columns the model does not
// know are ignored; values that cannot be coerced are kept as read.
func (m *Model) valuesFromRow(row store.Row) map[string]any {
	vals := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		raw, ok := row[f.Name]
		if !ok {
			vals[f.Name] = f.Default
			continue
		}
		v, err := f.Coerce(raw)
		if err != nil {
			v = raw
		}
		vals[f.Name] = v
	}
	return vals
}

func (m *Model) didInit(inst *Instance) *Instance {
	if m.desc.Hooks.DidInit != nil {
		m.desc.Hooks.DidInit(inst)
	}
	return inst
}

// fetchRow reads one row by coerced key. A nil row means it does not exist.
func (m *Model) fetchRow(ctx context.Context, key any) (store.Row, error) {
	q := m.compiler.SelectByKey()
	rs, err := m.db.store.Query(ctx, q, key)
	if err != nil {
		return nil, storeErr("fetch", m.Name, q, err)
	}
	return rs.First(), nil
}

// Find returns the canonical instance for key. If no instance is live it is
// loaded from its row, or, when there is no row, created unsaved with the
// field defaults.
func (m *Model) Find(ctx context.Context, key any) (*Instance, error) {
	return m.find(ctx, key, true)
}

// FindExisting is like Find but returns (nil, nil) when neither a live
// instance nor a row exists.
func (m *Model) FindExisting(ctx context.Context, key any) (*Instance, error) {
	return m.find(ctx, key, false)
}

func (m *Model) find(ctx context.Context, key any, create bool) (*Instance, error) {
	v, ks, err := m.coerceKey(key)
	if err != nil {
		return nil, err
	}
	if inst, ok := m.instances.Get(ks); ok {
		return inst, nil
	}

	row, err := m.fetchRow(ctx, v)
	if err != nil {
		return nil, err
	}
	if row == nil && !create {
		return nil, nil
	}

	var built *Instance
	inst, _, err := m.instances.LoadOrCreate(ks, func() (*Instance, error) {
		if row != nil {
			built = newInstance(m, v, m.valuesFromRow(row), true)
		} else {
			built = newInstance(m, v, m.defaults(), false)
		}
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	if inst == built {
		m.didInit(inst)
	}
	return inst, nil
}

// New creates a registered, unsaved instance with a freshly generated key
// that neither a live instance nor an existing row uses.
func (m *Model) New(ctx context.Context) (*Instance, error) {
	check := m.compiler.Exists()
	for attempt := 0; attempt < MaxKeyAttempts; attempt++ {
		v, ks, err := m.coerceKey(m.keys.Generate())
		if err != nil {
			return nil, err
		}
		if _, live := m.instances.Get(ks); live {
			continue
		}
		rs, err := m.db.store.Query(ctx, check, v)
		if err != nil {
			return nil, storeErr("new", m.Name, check, err)
		}
		if rs.Len() > 0 {
			continue
		}

		inst := newInstance(m, v, m.defaults(), false)
		if err := m.instances.Register(ks, inst); err != nil {
			continue
		}
		return m.didInit(inst), nil
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", m.Name, ErrKeyGenerationExhausted, MaxKeyAttempts)
}

// FetchDetached reads a row into an instance that is not registered in the
// identity map and cannot be saved or deleted. Returns (nil, nil) when the
// row does not exist.
func (m *Model) FetchDetached(ctx context.Context, key any) (*Instance, error) {
	v, _, err := m.coerceKey(key)
	if err != nil {
		return nil, err
	}
	row, err := m.fetchRow(ctx, v)
	if err != nil || row == nil {
		return nil, err
	}
	inst := newInstance(m, v, m.valuesFromRow(row), true)
	inst.detached = true
	return m.didInit(inst), nil
}

// materialize maps rows onto canonical instances. A live instance is
// returned as it is, unsaved changes included.
func (m *Model) materialize(rows []store.Row) ([]*Instance, error) {
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		v, ks, err := m.coerceKey(row[m.PrimaryKey])
		if err != nil {
			return nil, err
		}
		var built *Instance
		inst, _, err := m.instances.LoadOrCreate(ks, func() (*Instance, error) {
			built = newInstance(m, v, m.valuesFromRow(row), true)
			return built, nil
		})
		if err != nil {
			return nil, err
		}
		if inst == built {
			m.didInit(inst)
		}
		out = append(out, inst)
	}
	return out, nil
}

func (m *Model) query(ctx context.Context, q string, args []any) ([]*Instance, error) {
	rs, err := m.db.store.Query(ctx, q, args...)
	if err != nil {
		return nil, storeErr("query", m.Name, q, err)
	}
	return m.materialize(rs.Rows)
}

// Where returns the instances whose rows match a clause that follows WHERE.
// The clause may use $T and $PK and may carry ORDER BY or LIMIT.
func (m *Model) Where(ctx context.Context, afterWhere string, args ...any) ([]*Instance, error) {
	return m.query(ctx, m.compiler.SelectWhere(afterWhere), args)
}

// All returns every instance.
func (m *Model) All(ctx context.Context) ([]*Instance, error) {
	return m.Where(ctx, "")
}

// OrderedBy returns every instance ordered by a clause that follows
// ORDER BY.
func (m *Model) OrderedBy(ctx context.Context, afterOrderBy string, args ...any) ([]*Instance, error) {
	return m.query(ctx, m.compiler.SelectOrderedBy(afterOrderBy), args)
}

// FirstWhere returns the first match, or nil.
func (m *Model) FirstWhere(ctx context.Context, afterWhere string, args ...any) (*Instance, error) {
	all, err := m.Where(ctx, afterWhere, args...)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// Count counts matching rows. An empty clause counts every row.
func (m *Model) Count(ctx context.Context, afterWhere string, args ...any) (int64, error) {
	q := m.compiler.Count(afterWhere)
	rs, err := m.db.store.Query(ctx, q, args...)
	if err != nil {
		return 0, storeErr("count", m.Name, q, err)
	}
	if rs.Len() == 0 {
		return 0, nil
	}
	n, _ := rs.First()[rs.Columns[0]].(int64)
	return n, nil
}

// WithKeys returns the stored instances for keys, in key order. Keys
// without a row are skipped.
func (m *Model) WithKeys(ctx context.Context, keys ...any) ([]*Instance, error) {
	if len(keys) == 0 {
		return []*Instance{}, nil
	}
	coerced := make([]any, len(keys))
	order := make([]string, len(keys))
	for i, k := range keys {
		v, ks, err := m.coerceKey(k)
		if err != nil {
			return nil, err
		}
		coerced[i], order[i] = v, ks
	}

	q, err := m.compiler.SelectByKeys(len(coerced))
	if err != nil {
		return nil, err
	}
	found, err := m.query(ctx, q, coerced)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*Instance, len(found))
	for _, inst := range found {
		ks, _ := keyString(inst.Key())
		byKey[ks] = inst
	}
	out := make([]*Instance, 0, len(found))
	seen := make(map[string]bool, len(order))
	for _, ks := range order {
		if inst, ok := byKey[ks]; ok && !seen[ks] {
			seen[ks] = true
			out = append(out, inst)
		}
	}
	return out, nil
}

// Keyed is Where indexed by primary-key value.
func (m *Model) Keyed(ctx context.Context, afterWhere string, args ...any) (map[any]*Instance, error) {
	all, err := m.Where(ctx, afterWhere, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[any]*Instance, len(all))
	for _, inst := range all {
		if k, ok := inst.Key().([]byte); ok {
			out[string(k)] = inst
			continue
		}
		out[inst.Key()] = inst
	}
	return out, nil
}

// Rows runs a read-only query with $T and $PK bound to this model.
func (m *Model) Rows(ctx context.Context, query string, args ...any) (*store.RowSet, error) {
	return m.db.Rows(ctx, m, query, args...)
}

// SaveAll saves every live instance with unsaved changes inside one
// batching scope and returns how many were written.
func (m *Model) SaveAll(ctx context.Context) (int, error) {
	saved := 0
	err := m.db.Batched(ctx, true, func(ctx context.Context) error {
		for _, inst := range m.instances.Snapshot() {
			if inst.IsDeleted() || !inst.HasUnsavedChanges() {
				continue
			}
			res, err := inst.Save(ctx)
			if err != nil {
				return err
			}
			if res == SaveSucceeded {
				saved++
			}
		}
		return nil
	})
	return saved, err
}
