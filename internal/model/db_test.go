package model

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowmap/internal/notify"
)

func TestOpen_NoSchemaBuilder(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "bare.db")})
	require.NoError(t, err)
	assert.True(t, db.IsOpen())
	assert.Empty(t, db.Models())

	ok, err := db.Close()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, db.IsOpen())
}

func TestClose_ReportsLiveInstances(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	ctx := context.Background()

	ann, err := people.Find(ctx, 1)
	require.NoError(t, err)
	_, err = people.CachedWhere(ctx, "", nil)
	require.NoError(t, err)

	ok, err := db.Close()
	require.NoError(t, err)
	assert.False(t, ok, "a held instance is reported")
	assert.False(t, db.IsOpen(), "the database closes anyway")
	assert.Equal(t, 0, db.cache.Len(), "cached results are dropped before counting")
	runtime.KeepAlive(ann)
}

func TestClose_IgnoresDroppedInstances(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	ctx := context.Background()

	func() {
		inst, err := people.Find(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, inst)
	}()

	ok, err := db.Close()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, db.IsOpen())
}

func TestClosedDB_ReturnsErrClosed(t *testing.T) {
	db := openTestDB(t)
	people := registerPeople(t, db)
	ok, err := db.Close()
	require.NoError(t, err)
	require.True(t, ok)

	ctx := context.Background()
	_, err = people.Find(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Rows(ctx, nil, "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.ExecuteUpdate(ctx, nil, false, "DELETE FROM people")
	assert.ErrorIs(t, err, ErrClosed)

	ok, err = db.Close()
	require.NoError(t, err)
	assert.True(t, ok, "closing twice is a no-op")
}

func TestExecuteUpdate_Tables(t *testing.T) {
	db := openTestDB(t)
	people := registerPeople(t, db)
	registerPets(t, db)
	ctx := context.Background()

	res, err := db.ExecuteUpdate(ctx, people, false, "INSERT INTO $T ($PK, name) VALUES (?, ?)", 5, "eve")
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, res.Tables)
	assert.Equal(t, int64(1), res.RowsAffected)
	assert.Equal(t, int64(5), res.LastInsertID)
	assert.Equal(t, uint64(1), db.Tokens()["r:people"])

	before := db.Tokens()
	res, err = db.ExecuteUpdate(ctx, nil, false, "PRAGMA user_version = 1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"people", "pets"}, res.Tables, "unrecognized statements touch every table")
	after := db.Tokens()
	assert.Greater(t, after["t:people"], before["t:people"])
	assert.Greater(t, after["t:pets"], before["t:pets"])
	assert.Equal(t, uint64(2), db.Stats().RawWrites)
}

func TestExecuteUpdate_InvalidSQL(t *testing.T) {
	db := openTestDB(t)
	registerPeople(t, db)

	_, err := db.ExecuteUpdate(context.Background(), nil, false, "INSERT INTO nowhere VALUES (1)")
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
	assert.Equal(t, uint64(0), db.Stats().RawWrites)
}

func TestFirstColumnAndValue(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	ctx := context.Background()

	col, err := db.FirstColumn(ctx, people, "SELECT $PK FROM $T ORDER BY $PK")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, col)

	v, err := db.FirstValue(ctx, people, "SELECT MAX(age) FROM $T")
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)

	v, err = db.FirstValue(ctx, nil, "SELECT id FROM people WHERE id = 99")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRows_RejectsWrites(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	ctx := context.Background()

	rs, err := db.CachedRows(ctx, "SELECT COUNT(*) AS n FROM people")
	require.NoError(t, err)
	require.Equal(t, int64(2), rs.First()["n"])
	before := db.Tokens()

	_, err = db.Rows(ctx, nil, "DELETE FROM people WHERE id = 1 RETURNING *")
	assert.ErrorIs(t, err, ErrNotReadOnly)
	_, err = people.Rows(ctx, "UPDATE $T SET age = 0")
	assert.ErrorIs(t, err, ErrNotReadOnly)
	_, err = db.CachedRows(ctx, "DELETE FROM people")
	assert.ErrorIs(t, err, ErrNotReadOnly)

	assert.Equal(t, before, db.Tokens())
	n, err := db.FirstValue(ctx, people, "SELECT COUNT(*) FROM $T")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "no rejected statement reached the store")
}

func TestBatched_CoalescesPerModel(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	log := observe(db)
	ctx := context.Background()

	err := db.Batched(ctx, true, func(ctx context.Context) error {
		assert.True(t, db.InBatch(ctx))
		for _, key := range []int{1, 2} {
			inst, err := people.Find(ctx, key)
			require.NoError(t, err)
			require.NoError(t, inst.Set("age", 1))
			_, err = inst.Save(ctx)
			require.NoError(t, err)
		}
		ann, err := people.Find(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, ann.Set("name", "anne"))
		_, err = ann.Save(ctx)
		require.NoError(t, err)
		assert.Empty(t, log.kinds(), "nothing is delivered inside the scope")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []notify.Kind{notify.Update, notify.AnyChange}, log.kinds())
	upd := log.ofKind(notify.Update)[0]
	assert.Len(t, upd.Instances, 2)
	assert.ElementsMatch(t, []string{"age", "name"}, upd.ChangedFields)
}

func TestBatched_Discard(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	log := observe(db)
	ctx := context.Background()

	err := db.Batched(ctx, false, func(ctx context.Context) error {
		ann, err := people.Find(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, ann.Set("age", 2))
		_, err = ann.Save(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, log.kinds())

	ann, err := people.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ann.Get("age"), "discarding notifications keeps the write")
}

func TestBeginBatch_Nested(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	log := observe(db)

	ctx, outer := db.BeginBatch(context.Background())
	inner, scope := db.BeginBatch(ctx)
	assert.Same(t, outer, scope)
	assert.Equal(t, 2, outer.Depth())

	ann, err := people.Find(inner, 1)
	require.NoError(t, err)
	_, err = ann.Delete(inner)
	require.NoError(t, err)

	scope.End(true)
	assert.Empty(t, log.kinds())
	outer.End(true)
	assert.Equal(t, []notify.Kind{notify.Delete, notify.AnyChange}, log.kinds())
	assert.False(t, db.InBatch(ctx))
}

func TestSubscribe(t *testing.T) {
	db := openTestDB(t)
	people := registerPeople(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, id := db.Subscribe(ctx, notify.Filter{Kinds: []notify.Kind{notify.Insert}})
	require.NotEmpty(t, id)

	inst, err := people.Find(ctx, 10)
	require.NoError(t, err)
	_, err = inst.Save(ctx)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, notify.Insert, ev.Kind)
		assert.Equal(t, "person", ev.Model)
		assert.Equal(t, []*Instance{inst}, ev.Instances)
	case <-time.After(time.Second):
		t.Fatal("no insert notification")
	}

	db.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel closes on unsubscribe")
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	seedPeople(t, db)
	people := registerPeople(t, db)
	ctx := context.Background()

	ann, err := people.Find(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ann.Set("age", 31))
	_, err = ann.Save(ctx)
	require.NoError(t, err)

	fresh, err := people.Find(ctx, 3)
	require.NoError(t, err)
	_, err = fresh.Save(ctx)
	require.NoError(t, err)
	_, err = fresh.Delete(ctx)
	require.NoError(t, err)

	_, err = people.CachedWhere(ctx, "", nil)
	require.NoError(t, err)
	_, err = people.CachedWhere(ctx, "", nil)
	require.NoError(t, err)

	st := db.Stats()
	assert.Equal(t, uint64(1), st.Inserts)
	assert.Equal(t, uint64(1), st.Updates)
	assert.Equal(t, uint64(1), st.Deletes)
	assert.Equal(t, uint64(1), st.RawWrites)
	assert.Equal(t, uint64(1), st.Cache.Hits)
	assert.Equal(t, uint64(1), st.Cache.Misses)
	assert.Equal(t, 1, st.Cache.Entries)
	assert.GreaterOrEqual(t, st.LiveInstances["person"], 1)
	runtime.KeepAlive(ann)
}
