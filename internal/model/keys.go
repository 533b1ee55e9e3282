package model

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyGenerator proposes primary-key values for new instances. Proposals that
// collide with a live instance or an existing row are discarded and another
// is requested, up to MaxKeyAttempts times.
type KeyGenerator interface {
	Generate() any
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func() any

// Generate calls f.
func (f KeyGeneratorFunc) Generate() any {
	return f()
}

// RandomInt64Generator proposes uniformly random positive int64 keys.
//
// Thread-safety: RandomInt64Generator is stateless and safe for concurrent use.
type RandomInt64Generator struct{}

// Generate returns a value in [1, MaxInt64].
func (RandomInt64Generator) Generate() any {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random key: %v", err))
	}
	n := int64(binary.BigEndian.Uint64(b[:]) & math.MaxInt64)
	if n == 0 {
		n = 1
	}
	return n
}

// UUIDv7Generator proposes time-sortable UUIDv7 strings for text keys.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() any {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys for testing. Once exhausted it
// keeps returning the last key.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []any
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
func NewFixedGenerator(keys ...any) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next predetermined key.
func (g *FixedGenerator) Generate() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.keys) == 0 {
		return nil
	}
	k := g.keys[min(g.idx, len(g.keys)-1)]
	g.idx++
	return k
}

// keyString normalizes a coerced primary-key value into an identity-map key.
// Values of different Go types never share a key.
func keyString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("primary key is null")
	case int64:
		return "i:" + strconv.FormatInt(val, 10), nil
	case string:
		return "s:" + val, nil
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64), nil
	case bool:
		return "b:" + strconv.FormatBool(val), nil
	case []byte:
		return "x:" + hex.EncodeToString(val), nil
	case time.Time:
		return "t:" + val.UTC().Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprintf("%T:%v", val, val), nil
	}
}
