// Package canon derives opaque, deterministic cache keys from query text,
// bind arguments and option lists.
//
// Values are encoded canonically (NFC strings, sorted object keys, tagged
// non-JSON scalars) and hashed with SHA-256 under a domain prefix, so equal
// inputs always produce equal keys and keys from different domains never
// collide.
package canon
