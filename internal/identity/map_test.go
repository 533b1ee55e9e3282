package identity

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type thing struct {
	name    string
	payload [64]byte
}

func TestRegisterAndGet(t *testing.T) {
	m := New[thing]()
	a := &thing{name: "a"}

	require.NoError(t, m.Register("1", a))
	require.NoError(t, m.Register("1", a), "re-registering the same instance is a no-op")

	got, ok := m.Get("1")
	require.True(t, ok)
	assert.Same(t, a, got)

	err := m.Register("1", &thing{name: "b"})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, ok = m.Get("2")
	assert.False(t, ok)
	runtime.KeepAlive(a)
}

func TestLoadOrCreate(t *testing.T) {
	m := New[thing]()
	calls := 0
	create := func() (*thing, error) {
		calls++
		return &thing{name: "x"}, nil
	}

	first, loaded, err := m.LoadOrCreate("1", create)
	require.NoError(t, err)
	assert.False(t, loaded)

	second, loaded, err := m.LoadOrCreate("1", create)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestLoadOrCreate_ErrorInstallsNothing(t *testing.T) {
	m := New[thing]()
	boom := errors.New("boom")

	_, _, err := m.LoadOrCreate("1", func() (*thing, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())

	p, loaded, err := m.LoadOrCreate("1", func() (*thing, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, loaded)
	assert.Equal(t, 0, m.Len())
}

func TestLoadOrCreate_ConcurrentSingleInstance(t *testing.T) {
	m := New[thing]()
	var wg sync.WaitGroup
	results := make([]*thing, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := m.LoadOrCreate("k", func() (*thing, error) { return &thing{}, nil })
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range results {
		assert.Same(t, results[0], p)
	}
}

func TestRemove(t *testing.T) {
	m := New[thing]()
	a := &thing{name: "a"}
	require.NoError(t, m.Register("1", a))

	assert.False(t, m.Remove("1", &thing{}), "only the registered instance can be removed")
	assert.True(t, m.Remove("1", a))
	assert.False(t, m.Remove("1", a))

	b := &thing{name: "b"}
	require.NoError(t, m.Register("1", b), "key is free after removal")
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestSnapshotAndLen(t *testing.T) {
	m := New[thing]()
	a, b := &thing{name: "a"}, &thing{name: "b"}
	require.NoError(t, m.Register("1", a))
	require.NoError(t, m.Register("2", b))

	assert.Equal(t, 2, m.Len())
	assert.ElementsMatch(t, []*thing{a, b}, m.Snapshot())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestWeakEviction(t *testing.T) {
	m := New[thing]()

	func() {
		require.NoError(t, m.Register("1", &thing{name: "temp"}))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		_, ok := m.Get("1")
		return !ok && m.slots.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)

	fresh := &thing{name: "fresh"}
	require.NoError(t, m.Register("1", fresh), "collected slot is reusable")
	runtime.KeepAlive(fresh)
}
