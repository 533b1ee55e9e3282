package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Key domains. The version suffix allows changing the encoding later
// without colliding with keys derived by an older scheme.
const (
	DomainWhere  = "rowmap/where/v1"
	DomainRows   = "rowmap/rows/v1"
	DomainObject = "rowmap/object/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Key hashes the canonical encoding of parts under domain.
func Key(domain string, parts ...any) (string, error) {
	data, err := Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("cache key %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// QueryKey derives the key for a cached query. The order of ignored field
// names does not matter.
func QueryKey(domain, scope, query string, args []any, ignored []string) (string, error) {
	fields := slices.Clone(ignored)
	slices.Sort(fields)
	fields = slices.Compact(fields)
	if args == nil {
		args = []any{}
	}
	if fields == nil {
		fields = []string{}
	}
	return Key(domain, map[string]any{
		"scope":   scope,
		"query":   query,
		"args":    args,
		"ignored": anySlice(fields),
	})
}

// MustKey is like Key but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustKey(domain string, parts ...any) string {
	k, err := Key(domain, parts...)
	if err != nil {
		panic(err)
	}
	return k
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
