package model

import (
	"context"
	"fmt"
	"maps"

	"github.com/roach88/rowmap/internal/notify"
	"github.com/roach88/rowmap/internal/store"
)

// reloadChunk bounds the number of keys per SELECT ... IN (...).
const reloadChunk = 500

type reloadOutcome int

const (
	reloadUnchanged reloadOutcome = iota
	reloadUpdated
	reloadDeleted
)

// ReloadAll re-reads every live instance of the given models, and of the
// models extending them, from the database. With no models it reloads every
// registered model.
//
// For each field that changed in the database: an instance whose value was
// not edited adopts the new value; an edited value that already equals the
// database value is kept; any other edited value is passed to the model's
// ConflictResolver. Without a resolver the sweep stops with a
// *ConflictError. Instances whose row is gone become deleted and produce a
// delete notification. Each model then gets one external-update
// notification carrying its loaded instances.
func (db *DB) ReloadAll(ctx context.Context, models ...*Model) error {
	targets := db.reloadTargets(models)

	for _, m := range targets {
		db.enqueue(ctx, notify.WillReload, m, m.instances.Snapshot(), nil)
	}
	for _, m := range targets {
		if err := m.reloadLive(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reloadTargets expands models with their sub-models, without duplicates.
func (db *DB) reloadTargets(models []*Model) []*Model {
	if len(models) == 0 {
		return db.Models()
	}
	seen := make(map[*Model]bool)
	var out []*Model
	add := func(m *Model) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range models {
		add(m)
		for _, sub := range m.subModels() {
			add(sub)
		}
	}
	return out
}

func (m *Model) reloadLive(ctx context.Context) error {
	live := m.instances.Snapshot()
	rows, err := m.fetchRows(ctx, live)
	if err != nil {
		return err
	}

	var gone, loaded []*Instance
	for _, inst := range live {
		inst.op.Lock()
		out, err := inst.reconcile(rows[inst.ks])
		inst.op.Unlock()
		if err != nil {
			return fmt.Errorf("reload %s: %w", m.Name, err)
		}
		if out == reloadDeleted {
			gone = append(gone, inst)
			continue
		}
		if inst.Exists() {
			loaded = append(loaded, inst)
		}
	}
	m.db.stats.reloads.Add(1)
	m.logger.Debug("model reloaded", "live", len(live), "deleted", len(gone))

	if len(gone) > 0 {
		m.db.enqueue(ctx, notify.Delete, m, gone, nil)
	}
	m.db.enqueue(ctx, notify.ExternalUpdate, m, loaded, nil)
	return nil
}

// fetchRows reads the rows of the given instances, keyed by identity key.
func (m *Model) fetchRows(ctx context.Context, instances []*Instance) (map[string]store.Row, error) {
	rows := make(map[string]store.Row, len(instances))
	for start := 0; start < len(instances); start += reloadChunk {
		chunk := instances[start:min(start+reloadChunk, len(instances))]
		keys := make([]any, len(chunk))
		for i, inst := range chunk {
			keys[i] = inst.key
		}
		q, err := m.compiler.SelectByKeys(len(keys))
		if err != nil {
			return nil, err
		}
		rs, err := m.db.store.Query(ctx, q, keys...)
		if err != nil {
			return nil, storeErr("reload", m.Name, q, err)
		}
		for _, row := range rs.Rows {
			_, ks, err := m.coerceKey(row[m.PrimaryKey])
			if err != nil {
				return nil, err
			}
			rows[ks] = row
		}
	}
	return rows, nil
}

// Reload re-reads this instance from the database with the same rules as
// ReloadAll.
func (i *Instance) Reload(ctx context.Context) error {
	i.op.Lock()
	defer i.op.Unlock()

	row, err := i.model.fetchRow(ctx, i.key)
	if err != nil {
		return err
	}
	out, err := i.reconcile(row)
	if err != nil {
		return fmt.Errorf("reload %s: %w", i, err)
	}
	if out == reloadDeleted {
		i.model.db.enqueue(ctx, notify.Delete, i.model, []*Instance{i}, nil)
	}
	return nil
}

// ReloadAfterRevert discards unsaved changes and then reloads.
func (i *Instance) ReloadAfterRevert(ctx context.Context) error {
	i.Revert()
	return i.Reload(ctx)
}

// reconcile merges a freshly read row (nil when it no longer exists) into
// the instance. The caller holds i.op. Every field is decided before any is
// applied, so a conflict leaves the instance untouched.
func (i *Instance) reconcile(row store.Row) (reloadOutcome, error) {
	m := i.model

	i.mu.RLock()
	deleted, exists := i.deleted, i.exists
	values, persisted := maps.Clone(i.values), maps.Clone(i.persisted)
	i.mu.RUnlock()

	if deleted {
		return reloadUnchanged, nil
	}
	if row == nil {
		if !exists {
			return reloadUnchanged, nil
		}
		i.markDeleted()
		return reloadDeleted, nil
	}

	fresh := m.valuesFromRow(row)
	adopt := make(map[string]any)
	stored := make(map[string]any)

	for _, f := range m.fields {
		old, cur, dbv := persisted[f.Name], values[f.Name], fresh[f.Name]
		if store.Equal(old, dbv) {
			continue
		}
		stored[f.Name] = dbv

		switch {
		case store.Equal(cur, old):
			adopt[f.Name] = dbv
		case store.Equal(cur, dbv):
		default:
			resolved, err := i.resolve(f, cur, dbv)
			if err != nil {
				return reloadUnchanged, err
			}
			adopt[f.Name] = resolved
		}
	}

	i.mu.Lock()
	maps.Copy(i.persisted, stored)
	for name, v := range adopt {
		// A Set made since the snapshot wins over the reloaded value.
		if !store.Equal(i.values[name], values[name]) {
			continue
		}
		i.values[name] = v
	}
	i.exists = true
	i.mu.Unlock()

	if len(stored) > 0 || !exists {
		return reloadUpdated, nil
	}
	return reloadUnchanged, nil
}

func (i *Instance) resolve(f store.FieldInfo, local, dbv any) (any, error) {
	m := i.model
	m.db.stats.conflicts.Add(1)

	resolver := m.desc.ResolveConflict
	if resolver == nil {
		m.logger.Warn("unresolved reload conflict", "key", i.key, "field", f.Name)
		return nil, &ConflictError{Model: m.Name, Key: i.key, Field: f.Name, Local: local, DBValue: dbv}
	}

	resolved, err := resolver(i, f.Name, dbv)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", m.Name, f.Name, err)
	}
	v, err := f.Coerce(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolve %s.%s: %w", m.Name, f.Name, err)
	}
	return v, nil
}
