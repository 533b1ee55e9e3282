// Package invalidation tracks per-table write tokens.
//
// Every committed write bumps the token of the table it touched. A cached
// value records the tokens it was computed under and stays valid exactly as
// long as all of them are unchanged. Tokens only ever increase.
//
// Besides the table token each table has sub-tokens: a row-set token bumped
// by inserts, deletes and raw writes, and one token per field bumped by
// updates that change that field. Consumers that do not care about some
// fields capture the row-set token and the tokens of the fields they do
// care about instead of the table token.
package invalidation

import (
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Capture is a token observed at some point in time.
type Capture struct {
	Key   string `json:"key"`
	Token uint64 `json:"token"`
}

// Bus holds the tokens. The zero value is not usable; use New.
type Bus struct {
	tokens *xsync.MapOf[string, *atomic.Uint64]
}

// New creates an empty bus. Unknown keys read as token 0.
func New() *Bus {
	return &Bus{tokens: xsync.NewMapOf[string, *atomic.Uint64]()}
}

// Table returns the key of a table token.
func Table(table string) string {
	return "t:" + strings.ToLower(table)
}

// Rows returns the key of a table's row-set token.
func Rows(table string) string {
	return "r:" + strings.ToLower(table)
}

// Field returns the key of a field token.
func Field(table, field string) string {
	return "f:" + strings.ToLower(table) + "." + strings.ToLower(field)
}

func (b *Bus) counter(key string) *atomic.Uint64 {
	c, _ := b.tokens.LoadOrCompute(key, func() *atomic.Uint64 {
		return new(atomic.Uint64)
	})
	return c
}

func (b *Bus) bumpKey(key string) uint64 {
	return b.counter(key).Add(1)
}

// Bump increments the table token once and returns the new value.
func (b *Bus) Bump(table string) uint64 {
	return b.bumpKey(Table(table))
}

// BumpRows records a write that may have added, removed or rewritten rows:
// the table token and the row-set token are bumped.
func (b *Bus) BumpRows(table string) uint64 {
	b.bumpKey(Rows(table))
	return b.Bump(table)
}

// BumpFields records an update of existing rows: the table token is bumped
// once and each named field token once.
func (b *Bus) BumpFields(table string, fields ...string) uint64 {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		k := Field(table, f)
		if seen[k] {
			continue
		}
		seen[k] = true
		b.bumpKey(k)
	}
	return b.Bump(table)
}

// Current returns the table token.
func (b *Bus) Current(table string) uint64 {
	return b.Load(Table(table))
}

// Load returns the token for any key built by Table, Rows or Field.
func (b *Bus) Load(key string) uint64 {
	c, ok := b.tokens.Load(key)
	if !ok {
		return 0
	}
	return c.Load()
}

// Capture records the current token of each key.
func (b *Bus) Capture(keys ...string) []Capture {
	out := make([]Capture, len(keys))
	for i, k := range keys {
		out[i] = Capture{Key: k, Token: b.Load(k)}
	}
	return out
}

// Valid reports whether every captured token is still current.
func (b *Bus) Valid(captures []Capture) bool {
	for _, c := range captures {
		if b.Load(c.Key) != c.Token {
			return false
		}
	}
	return true
}

// Snapshot returns every known token, for diagnostics.
func (b *Bus) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, b.tokens.Size())
	b.tokens.Range(func(k string, c *atomic.Uint64) bool {
		out[k] = c.Load()
		return true
	})
	return out
}
