// Package identity keeps at most one live in-memory representative per key.
//
// Entries are weak: the map never keeps an instance alive. Once the garbage
// collector reclaims an instance its slot reads as empty and a cleanup
// removes it, so the next lookup builds a fresh instance.
package identity

import (
	"errors"
	"runtime"
	"weak"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrDuplicateKey is returned by Register when a different live instance
// already holds the key.
var ErrDuplicateKey = errors.New("duplicate key")

// Map is safe for concurrent use. Keys are normalized strings; callers
// derive them from primary-key values.
type Map[T any] struct {
	slots *xsync.MapOf[string, weak.Pointer[T]]
}

// New creates an empty map.
func New[T any]() *Map[T] {
	return &Map[T]{slots: xsync.NewMapOf[string, weak.Pointer[T]]()}
}

type cleanupArg[T any] struct {
	key string
	wp  weak.Pointer[T]
}

// track arranges for the slot to be cleared once p is collected, but only if
// the slot still holds p at that time.
func (m *Map[T]) track(key string, p *T, wp weak.Pointer[T]) {
	runtime.AddCleanup(p, func(arg cleanupArg[T]) {
		m.slots.Compute(arg.key, func(cur weak.Pointer[T], loaded bool) (weak.Pointer[T], bool) {
			if !loaded || cur != arg.wp {
				return cur, !loaded
			}
			return cur, true
		})
	}, cleanupArg[T]{key: key, wp: wp})
}

// Get returns the live instance registered under key.
func (m *Map[T]) Get(key string) (*T, bool) {
	wp, ok := m.slots.Load(key)
	if !ok {
		return nil, false
	}
	p := wp.Value()
	return p, p != nil
}

// Register installs p under key. Registering the instance that already holds
// the key is a no-op. A dead slot is replaced.
func (m *Map[T]) Register(key string, p *T) error {
	wp := weak.Make(p)
	var dup, stored bool
	m.slots.Compute(key, func(cur weak.Pointer[T], loaded bool) (weak.Pointer[T], bool) {
		if loaded {
			if live := cur.Value(); live != nil {
				dup = live != p
				return cur, false
			}
		}
		stored = true
		return wp, false
	})
	if dup {
		return ErrDuplicateKey
	}
	if stored {
		m.track(key, p, wp)
	}
	return nil
}

// LoadOrCreate returns the live instance under key, or atomically installs
// the one built by create. The bool reports whether an existing instance was
// returned. create runs while the key is locked and must not call back into
// the map; when it fails nothing is installed.
func (m *Map[T]) LoadOrCreate(key string, create func() (*T, error)) (*T, bool, error) {
	var (
		result *T
		loaded bool
		err    error
	)
	m.slots.Compute(key, func(cur weak.Pointer[T], ok bool) (weak.Pointer[T], bool) {
		if ok {
			if live := cur.Value(); live != nil {
				result, loaded = live, true
				return cur, false
			}
		}
		result, err = create()
		if err != nil || result == nil {
			return cur, !ok || cur.Value() == nil
		}
		return weak.Make(result), false
	})
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	if !loaded {
		m.track(key, result, weak.Make(result))
	}
	return result, loaded, nil
}

// Remove clears key if it is held by p (or by a collected instance). It
// reports whether a slot was removed.
func (m *Map[T]) Remove(key string, p *T) bool {
	removed := false
	m.slots.Compute(key, func(cur weak.Pointer[T], loaded bool) (weak.Pointer[T], bool) {
		if !loaded {
			return cur, true
		}
		if live := cur.Value(); live == nil || live == p {
			removed = true
			return cur, true
		}
		return cur, false
	})
	return removed
}

// Range calls fn for every live instance until fn returns false.
func (m *Map[T]) Range(fn func(key string, p *T) bool) {
	m.slots.Range(func(key string, wp weak.Pointer[T]) bool {
		if p := wp.Value(); p != nil {
			return fn(key, p)
		}
		return true
	})
}

// Snapshot returns every live instance, in no particular order.
func (m *Map[T]) Snapshot() []*T {
	out := make([]*T, 0, m.slots.Size())
	m.Range(func(_ string, p *T) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Len counts live instances.
func (m *Map[T]) Len() int {
	n := 0
	m.Range(func(string, *T) bool {
		n++
		return true
	})
	return n
}

// Clear forgets every entry. Instances stay valid but are no longer
// canonical.
func (m *Map[T]) Clear() {
	m.slots.Clear()
}
