package model

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/rowmap/internal/notify"
	"github.com/roach88/rowmap/internal/store"
)

// Instance is the in-memory representative of one row.
//
// Lifecycle: new-unsaved, then saved-clean and saved-dirty while it is
// edited and saved, and finally deleted. The primary key never changes.
type Instance struct {
	model *Model
	key   any
	ks    string

	// op serializes Save, Delete and Reload of this instance.
	op sync.Mutex

	mu        sync.RWMutex
	values    map[string]any
	persisted map[string]any
	exists    bool
	deleted   bool
	detached  bool
	lastErr   error
}

func newInstance(m *Model, key any, vals map[string]any, exists bool) *Instance {
	ks, _ := keyString(key)
	vals[m.PrimaryKey] = key
	return &Instance{
		model:     m,
		key:       key,
		ks:        ks,
		values:    vals,
		persisted: maps.Clone(vals),
		exists:    exists,
	}
}

// Model returns the instance's model.
func (i *Instance) Model() *Model {
	return i.model
}

// Key returns the primary-key value.
func (i *Instance) Key() any {
	return i.key
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s#%v", i.model.Name, i.key)
}

// Exists reports whether the row is known to be stored.
func (i *Instance) Exists() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.exists
}

// IsDeleted reports whether the instance was deleted, locally or by a
// reload that found its row gone.
func (i *Instance) IsDeleted() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.deleted
}

// IsDetached reports whether the instance lives outside the identity map.
func (i *Instance) IsDetached() bool {
	return i.detached
}

// LastError returns the store error of the most recent failed save or
// delete. A successful save clears it.
func (i *Instance) LastError() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastErr
}

// Get returns a field's current value, or nil for unknown fields.
func (i *Instance) Get(field string) any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.values[field]
}

// Lookup returns a field's current value.
func (i *Instance) Lookup(field string) (any, error) {
	if _, ok := i.model.byName[field]; !ok {
		return nil, fmt.Errorf("%s: %s: %w", i.model.Name, field, ErrUnknownField)
	}
	return i.Get(field), nil
}

// Set changes a field in memory. The value is coerced to the column type.
func (i *Instance) Set(field string, value any) error {
	f, ok := i.model.byName[field]
	if !ok {
		return fmt.Errorf("%s: %s: %w", i.model.Name, field, ErrUnknownField)
	}
	v, err := f.Coerce(value)
	if err != nil {
		return fmt.Errorf("%s: %w", i.model.Name, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deleted {
		return fmt.Errorf("%s: %w", i, ErrInstanceDeleted)
	}
	if field == i.model.PrimaryKey {
		if !store.Equal(v, i.key) {
			return fmt.Errorf("%s: %w", i, ErrPrimaryKeyImmutable)
		}
		return nil
	}
	i.values[field] = v
	return nil
}

// Values returns a copy of every current field value.
func (i *Instance) Values() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return maps.Clone(i.values)
}

// PersistedValues returns a copy of the last values known to be stored.
func (i *Instance) PersistedValues() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return maps.Clone(i.persisted)
}

// ChangedFieldNames lists the fields whose current value differs from the
// stored one, in column order.
func (i *Instance) ChangedFieldNames() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.changedLocked()
}

func (i *Instance) changedLocked() []string {
	var out []string
	for _, f := range i.model.fields {
		if !store.Equal(i.values[f.Name], i.persisted[f.Name]) {
			out = append(out, f.Name)
		}
	}
	return out
}

// HasUnsavedChanges reports whether Save would write. A new instance always
// has unsaved changes.
func (i *Instance) HasUnsavedChanges() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.deleted {
		return false
	}
	return !i.exists || len(i.changedLocked()) > 0
}

// Revert discards every unsaved change.
func (i *Instance) Revert() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.values = maps.Clone(i.persisted)
}

// RevertField discards the unsaved change of one field.
func (i *Instance) RevertField(field string) error {
	if _, ok := i.model.byName[field]; !ok {
		return fmt.Errorf("%s: %s: %w", i.model.Name, field, ErrUnknownField)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.values[field] = i.persisted[field]
	return nil
}

// Save writes the instance: an INSERT for a new instance, an UPDATE of the
// changed fields otherwise.
//
// Results: SaveRefused when ShouldInsert/ShouldUpdate vetoes (nothing is
// written), SaveNoChanges when an existing instance has no changed field,
// SaveFailed with the store error (also kept in LastError) and no state
// change, or SaveSucceeded. On success the affected tokens are bumped
// before write access is released and an insert or update notification is
// enqueued on ctx.
func (i *Instance) Save(ctx context.Context) (SaveResult, error) {
	if i.detached {
		return SaveFailed, fmt.Errorf("save %s: %w", i, ErrDetached)
	}
	i.op.Lock()
	defer i.op.Unlock()

	m := i.model
	hooks := m.desc.Hooks

	i.mu.RLock()
	deleted, exists, changed := i.deleted, i.exists, i.changedLocked()
	i.mu.RUnlock()

	if deleted {
		return SaveFailed, fmt.Errorf("save %s: %w", i, ErrInstanceDeleted)
	}
	if exists && len(changed) == 0 {
		return SaveNoChanges, nil
	}

	should := hooks.ShouldUpdate
	if !exists {
		should = hooks.ShouldInsert
	}
	if should != nil && !should(i) {
		m.db.stats.refusals.Add(1)
		m.logger.Debug("save refused", "key", i.key)
		if hooks.SaveWasRefused != nil {
			hooks.SaveWasRefused(i)
		}
		return SaveRefused, nil
	}

	// Hooks may have set fields.
	i.mu.RLock()
	vals := maps.Clone(i.values)
	changed = i.changedLocked()
	i.mu.RUnlock()
	if exists && len(changed) == 0 {
		return SaveNoChanges, nil
	}

	var (
		q       string
		cols    []string
		omitted []string
		err     error
	)
	if exists {
		cols = changed
		q, err = m.compiler.Update(cols)
	} else {
		// Columns left NULL without an explicit change are omitted so the
		// table's own default expression applies.
		for _, f := range m.fields {
			if vals[f.Name] == nil && !slices.Contains(changed, f.Name) {
				omitted = append(omitted, f.Name)
				continue
			}
			cols = append(cols, f.Name)
		}
		q, err = m.compiler.Insert(cols)
	}
	if err != nil {
		return SaveFailed, err
	}

	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, vals[c])
	}
	if exists {
		args = append(args, i.key)
	}

	var stored store.Row
	err = m.db.store.Write(ctx, func(c *store.Conn) error {
		res, err := c.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		if exists {
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return sql.ErrNoRows
			}
			m.db.bus.BumpFields(m.Table, cols...)
			return nil
		}
		m.db.bus.BumpRows(m.Table)
		if len(omitted) > 0 {
			rs, err := c.Query(ctx, m.compiler.SelectByKey(), i.key)
			if err == nil {
				stored = rs.First()
			}
		}
		return nil
	})
	if err != nil {
		op := "update"
		if !exists {
			op = "insert"
		}
		err = storeErr(op, m.Name, q, err)
		i.mu.Lock()
		i.lastErr = err
		i.mu.Unlock()
		m.db.stats.failures.Add(1)
		m.logger.Debug("save failed", "key", i.key, "error", err)
		if hooks.SaveDidFail != nil {
			hooks.SaveDidFail(i, err)
		}
		return SaveFailed, err
	}

	var fromRow map[string]any
	if stored != nil {
		fromRow = m.valuesFromRow(stored)
	}

	i.mu.Lock()
	for _, c := range cols {
		i.persisted[c] = vals[c]
	}
	for _, c := range omitted {
		if v, ok := fromRow[c]; ok {
			if store.Equal(i.values[c], i.persisted[c]) {
				i.values[c] = v
			}
			i.persisted[c] = v
		}
	}
	i.exists = true
	i.lastErr = nil
	i.mu.Unlock()

	if exists {
		m.db.stats.updates.Add(1)
		m.logger.Debug("instance updated", "key", i.key, "fields", cols)
		m.db.enqueue(ctx, notify.Update, m, []*Instance{i}, cols)
		if hooks.DidUpdate != nil {
			hooks.DidUpdate(i, cols)
		}
	} else {
		m.db.stats.inserts.Add(1)
		m.logger.Debug("instance inserted", "key", i.key)
		m.db.enqueue(ctx, notify.Insert, m, []*Instance{i}, nil)
		if hooks.DidInsert != nil {
			hooks.DidInsert(i)
		}
	}
	return SaveSucceeded, nil
}

// Delete removes the row. A never-saved instance is only marked deleted and
// dropped from the identity map (SaveNoChanges). ShouldDelete may veto.
func (i *Instance) Delete(ctx context.Context) (SaveResult, error) {
	if i.detached {
		return SaveFailed, fmt.Errorf("delete %s: %w", i, ErrDetached)
	}
	i.op.Lock()
	defer i.op.Unlock()

	m := i.model
	hooks := m.desc.Hooks

	i.mu.Lock()
	if i.deleted {
		i.mu.Unlock()
		return SaveNoChanges, nil
	}
	if !i.exists {
		i.deleted = true
		i.mu.Unlock()
		m.instances.Remove(i.ks, i)
		return SaveNoChanges, nil
	}
	i.mu.Unlock()

	if hooks.ShouldDelete != nil && !hooks.ShouldDelete(i) {
		m.db.stats.refusals.Add(1)
		if hooks.SaveWasRefused != nil {
			hooks.SaveWasRefused(i)
		}
		return SaveRefused, nil
	}

	q := m.compiler.Delete()
	err := m.db.store.Write(ctx, func(c *store.Conn) error {
		if _, err := c.Exec(ctx, q, i.key); err != nil {
			return err
		}
		m.db.bus.BumpRows(m.Table)
		return nil
	})
	if err != nil {
		err = storeErr("delete", m.Name, q, err)
		i.mu.Lock()
		i.lastErr = err
		i.mu.Unlock()
		m.db.stats.failures.Add(1)
		if hooks.SaveDidFail != nil {
			hooks.SaveDidFail(i, err)
		}
		return SaveFailed, err
	}

	i.markDeleted()
	m.db.stats.deletes.Add(1)
	m.logger.Debug("instance deleted", "key", i.key)
	m.db.enqueue(ctx, notify.Delete, m, []*Instance{i}, nil)
	if hooks.DidDelete != nil {
		hooks.DidDelete(i)
	}
	return SaveSucceeded, nil
}

// markDeleted flags the instance and frees its key.
func (i *Instance) markDeleted() {
	i.mu.Lock()
	i.deleted = true
	i.exists = false
	i.lastErr = nil
	i.mu.Unlock()
	if !i.detached {
		i.model.instances.Remove(i.ks, i)
	}
}
