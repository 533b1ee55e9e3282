package modelspec

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowmap/internal/model"
)

const schema = `
	CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT);
	CREATE TABLE pets (id TEXT PRIMARY KEY, name TEXT);
`

func openDB(t *testing.T) *model.DB {
	t.Helper()
	db, err := model.Open(context.Background(), model.Config{
		Path: filepath.Join(t.TempDir(), "models.db"),
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if *version < 1 {
				if _, err := tx.ExecContext(ctx, schema); err != nil {
					return err
				}
				*version = 1
			}
			return nil
		},
	})
	require.NoError(t, err)
	return db
}

func TestLoad_YAML(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "models.yaml"))
	require.NoError(t, err)
	require.Len(t, f.Models, 3)
	assert.Equal(t, "staff", f.Models[0].Name)

	descs, err := f.Descriptors()
	require.NoError(t, err)
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"person", "pet", "staff"}, names, "parents come first")
	assert.IsType(t, model.RandomInt64Generator{}, descs[0].KeyGenerator)
	assert.IsType(t, model.UUIDv7Generator{}, descs[1].KeyGenerator)
	assert.NotNil(t, descs[1].ResolveConflict)
	assert.NotNil(t, descs[2].ResolveConflict)
}

func TestLoad_CUE(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "models.cue"))
	require.NoError(t, err)
	assert.Equal(t, []Model{
		{Name: "person", Table: "people", KeyGenerator: KeyRandom},
		{Name: "pet", Table: "pets", PrimaryKey: "id", ConflictPolicy: ConflictLocal},
	}, f.Models)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "models:\n  - name: a\n    tabel: x\n", "tabel"},
		{"missing name", "models:\n  - table: x\n", "name is required"},
		{"duplicate", "models:\n  - name: a\n  - name: a\n", "declared twice"},
		{"bad generator", "models:\n  - name: a\n    key_generator: serial\n", "key_generator"},
		{"bad policy", "models:\n  - name: a\n    conflict_policy: merge\n", "conflict_policy"},
		{"undeclared parent", "models:\n  - name: a\n    extends: b\n", "undeclared"},
		{"cycle", "models:\n  - name: a\n    extends: b\n  - name: b\n    extends: a\n", "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseCUE_Errors(t *testing.T) {
	_, err := ParseCUE([]byte(`other: 1`), "m.cue")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "models", pe.Field)

	_, err = ParseCUE([]byte(`models: person: table: string`), "m.cue")
	assert.Error(t, err, "incomplete values are rejected")

	_, err = ParseCUE([]byte(`models: person: name: "human"`), "m.cue")
	assert.ErrorContains(t, err, "does not match label")

	_, err = ParseCUE([]byte(`models: {`), "m.cue")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	db := openDB(t)
	f, err := Load(filepath.Join("testdata", "models.yaml"))
	require.NoError(t, err)

	models, err := Register(context.Background(), db, f)
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "person", models[2].Extends)
	assert.Equal(t, "id", models[1].PrimaryKey)

	ok, err := db.Close()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegister_FromTables(t *testing.T) {
	db := openDB(t)
	tables, err := db.Tables(context.Background())
	require.NoError(t, err)

	models, err := Register(context.Background(), db, FromTables(tables))
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "people", models[0].Name)

	_, err = db.Close()
	require.NoError(t, err)
}

func TestConflictPolicies(t *testing.T) {
	db := openDB(t)
	defer db.Close()
	ctx := context.Background()

	f := &File{Models: []Model{
		{Name: "person", Table: "people", ConflictPolicy: ConflictDatabase},
		{Name: "pet", Table: "pets", ConflictPolicy: ConflictLocal},
	}}
	models, err := Register(ctx, db, f)
	require.NoError(t, err)
	people, pets := models[0], models[1]

	_, err = db.ExecuteUpdate(ctx, nil, false, "INSERT INTO people VALUES (1, 'ann')")
	require.NoError(t, err)
	_, err = db.ExecuteUpdate(ctx, nil, false, "INSERT INTO pets VALUES ('p', 'rex')")
	require.NoError(t, err)

	ann, err := people.Find(ctx, 1)
	require.NoError(t, err)
	rex, err := pets.Find(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, ann.Set("name", "local"))
	require.NoError(t, rex.Set("name", "local"))

	_, err = db.ExecuteUpdate(ctx, nil, true, "UPDATE people SET name = 'remote'")
	require.NoError(t, err)
	_, err = db.ExecuteUpdate(ctx, nil, true, "UPDATE pets SET name = 'remote'")
	require.NoError(t, err)

	assert.Equal(t, "remote", ann.Get("name"))
	assert.Equal(t, "local", rex.Get("name"))
}
