// Package resultcache memoizes derived values (query results, looked-up
// objects) under opaque keys until a write to a table they depend on
// invalidates them.
//
// Validity is checked lazily against an invalidation.Bus: an entry stores the
// tokens of its dependencies as they were before its generator ran, and is
// served only while all of them are unchanged. For any key at most one
// generator runs at a time; concurrent callers share its result.
package resultcache

import (
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/rowmap/internal/invalidation"
)

// Generator computes a value on a cache miss.
type Generator func() (any, error)

type entry struct {
	value    any
	captures []invalidation.Capture
}

// Stats are cumulative counters.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Computes uint64 `json:"computes"`
	Purges   uint64 `json:"purges"`
	Entries  int    `json:"entries"`
}

// Cache is safe for concurrent use.
type Cache struct {
	bus     *invalidation.Bus
	entries *xsync.MapOf[string, *entry]
	flights singleflight.Group
	logger  *slog.Logger

	hits     atomic.Uint64
	misses   atomic.Uint64
	computes atomic.Uint64
	purges   atomic.Uint64
}

// New creates a cache validated against bus.
func New(bus *invalidation.Bus, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		bus:     bus,
		entries: xsync.NewMapOf[string, *entry](),
		logger:  logger.With("component", "resultcache"),
	}
}

// Get returns a still-valid cached value.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lookup(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) lookup(key string) (*entry, bool) {
	e, ok := c.entries.Load(key)
	if !ok || !c.bus.Valid(e.captures) {
		return nil, false
	}
	return e, true
}

// GetOrCompute returns the cached value for key if every captured token is
// still current. Otherwise it runs gen, with at most one run per key in
// flight, and caches the result against the tokens of deps as they were
// before gen started. Errors from gen are returned and not cached.
//
// A caller never receives a value captured before the tokens it observed on
// entry: joining a flight that started before a later write makes the caller
// run another flight.
//
// deps are invalidation keys (invalidation.Table, Rows or Field).
func (c *Cache) GetOrCompute(key string, deps []string, gen Generator) (any, error) {
	if v, ok := c.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	want := c.bus.Capture(deps...)
	for {
		res, err, _ := c.flights.Do(key, func() (any, error) {
			// Another flight may have finished between our check and Do.
			if e, ok := c.lookup(key); ok {
				return e, nil
			}

			captures := c.bus.Capture(deps...)
			c.computes.Add(1)
			v, err := gen()
			if err != nil {
				return nil, err
			}
			e := &entry{value: v, captures: captures}
			c.entries.Store(key, e)
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		e := res.(*entry)
		if !olderThan(e.captures, want) {
			return e.value, nil
		}
		c.logger.Debug("joined stale flight, recomputing", "key", key)
	}
}

// olderThan reports whether any token in got predates the token recorded
// for the same key in want.
func olderThan(got, want []invalidation.Capture) bool {
	for _, w := range want {
		for _, g := range got {
			if g.Key == w.Key && g.Token < w.Token {
				return true
			}
		}
	}
	return false
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

// InvalidateAll drops every entry. Running generators still store their
// results when they finish.
func (c *Cache) InvalidateAll() {
	n := c.entries.Size()
	c.entries.Clear()
	c.purges.Add(1)
	c.logger.Debug("cache cleared", "entries", n)
}

// Sweep drops entries whose dependencies changed and returns how many were
// dropped.
func (c *Cache) Sweep() int {
	dropped := 0
	c.entries.Range(func(key string, e *entry) bool {
		if !c.bus.Valid(e.captures) {
			c.entries.Compute(key, func(cur *entry, loaded bool) (*entry, bool) {
				if loaded && cur == e {
					dropped++
					return nil, true
				}
				return cur, !loaded
			})
		}
		return true
	})
	return dropped
}

// Len returns the number of stored entries, valid or not.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computes: c.computes.Load(),
		Purges:   c.purges.Load(),
		Entries:  c.entries.Size(),
	}
}
