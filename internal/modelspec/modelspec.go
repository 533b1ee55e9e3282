// Package modelspec loads model descriptors from YAML or CUE files and
// registers them with a database.
//
// A YAML file lists models in order:
//
//	models:
//	  - name: person
//	    table: people
//	  - name: staff
//	    table: people
//	    extends: person
//	    conflict_policy: database
//
// A CUE file declares them as a struct keyed by model name:
//
//	models: person: table: "people"
package modelspec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/roach88/rowmap/internal/model"
)

// Key generator names.
const (
	KeyRandom = "random"
	KeyUUIDv7 = "uuidv7"
)

// Conflict policies applied when a reload finds a field changed both in
// memory and in the database.
const (
	ConflictFail     = "fail"
	ConflictLocal    = "local"
	ConflictDatabase = "database"
)

// File is a parsed descriptor file.
type File struct {
	Models []Model `yaml:"models" json:"models"`
}

// Model is one declared model.
type Model struct {
	Name           string `yaml:"name" json:"name"`
	Table          string `yaml:"table,omitempty" json:"table,omitempty"`
	PrimaryKey     string `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Extends        string `yaml:"extends,omitempty" json:"extends,omitempty"`
	KeyGenerator   string `yaml:"key_generator,omitempty" json:"key_generator,omitempty"`
	ConflictPolicy string `yaml:"conflict_policy,omitempty" json:"conflict_policy,omitempty"`
}

// Load reads a descriptor file, choosing the format by extension.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(data, path)
	default:
		return nil, fmt.Errorf("model file %s: unsupported extension", path)
	}
}

// FromTables declares one model per table, named after it.
func FromTables(tables []string) *File {
	f := &File{Models: make([]Model, 0, len(tables))}
	for _, t := range tables {
		f.Models = append(f.Models, Model{Name: t, Table: t})
	}
	return f
}

// Validate checks required fields, names and references.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Models))
	for i, m := range f.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("model %s: declared twice", m.Name)
		}
		seen[m.Name] = true

		switch m.KeyGenerator {
		case "", KeyRandom, KeyUUIDv7:
		default:
			return fmt.Errorf("model %s: unknown key_generator %q", m.Name, m.KeyGenerator)
		}
		switch m.ConflictPolicy {
		case "", ConflictFail, ConflictLocal, ConflictDatabase:
		default:
			return fmt.Errorf("model %s: unknown conflict_policy %q", m.Name, m.ConflictPolicy)
		}
	}
	for _, m := range f.Models {
		if m.Extends != "" && !seen[m.Extends] {
			return fmt.Errorf("model %s: extends undeclared model %s", m.Name, m.Extends)
		}
	}
	_, err := f.ordered()
	return err
}

// ordered returns the models with every parent before its children,
// otherwise keeping declaration order.
func (f *File) ordered() ([]Model, error) {
	out := make([]Model, 0, len(f.Models))
	placed := make(map[string]bool, len(f.Models))
	pending := slices.Clone(f.Models)

	for len(pending) > 0 {
		progressed := false
		rest := pending[:0]
		for _, m := range pending {
			if m.Extends == "" || placed[m.Extends] {
				out = append(out, m)
				placed[m.Name] = true
				progressed = true
				continue
			}
			rest = append(rest, m)
		}
		pending = rest
		if !progressed {
			return nil, fmt.Errorf("model %s: extends cycle", pending[0].Name)
		}
	}
	return out, nil
}

// Descriptors converts the file into registration-ordered descriptors.
func (f *File) Descriptors() ([]model.Descriptor, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ms, err := f.ordered()
	if err != nil {
		return nil, err
	}
	out := make([]model.Descriptor, len(ms))
	for i, m := range ms {
		out[i] = m.Descriptor()
	}
	return out, nil
}

// Descriptor converts one declared model.
func (m Model) Descriptor() model.Descriptor {
	d := model.Descriptor{
		Name:       m.Name,
		Table:      m.Table,
		PrimaryKey: m.PrimaryKey,
		Extends:    m.Extends,
	}
	switch m.KeyGenerator {
	case KeyRandom:
		d.KeyGenerator = model.RandomInt64Generator{}
	case KeyUUIDv7:
		d.KeyGenerator = model.UUIDv7Generator{}
	}
	switch m.ConflictPolicy {
	case ConflictLocal:
		d.ResolveConflict = func(inst *model.Instance, field string, _ any) (any, error) {
			return inst.Get(field), nil
		}
	case ConflictDatabase:
		d.ResolveConflict = func(_ *model.Instance, _ string, dbValue any) (any, error) {
			return dbValue, nil
		}
	}
	return d
}

// Register registers every model of f with db, parents first.
func Register(ctx context.Context, db *model.DB, f *File) ([]*model.Model, error) {
	descs, err := f.Descriptors()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Model, 0, len(descs))
	for _, d := range descs {
		m, err := db.Register(ctx, d)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
