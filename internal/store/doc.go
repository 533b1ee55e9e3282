// Package store provides the SQLite-backed row store underneath rowmap.
//
// The store executes parameterized SQL and returns row sets. It owns no
// cache and knows nothing about models; the identity map, result cache and
// invalidation tokens live above it in internal/model.
//
// # Access Discipline
//
//   - Writes are serialized: one in-flight write at a time, concurrent
//     writers block until their turn.
//   - Reads may run concurrently with each other but never with a write.
//   - [Store.Write] hands its callback exclusive access so callers can
//     execute a statement and bump invalidation tokens before any reader
//     observes the new rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// # Schema
//
// Schema versioning policy is the caller's concern. [Options.SchemaBuilder]
// runs inside a single transaction with the current PRAGMA user_version and
// may advance it; the store persists whatever version the builder leaves.
//
// Column metadata is derived from PRAGMA table_info into [FieldInfo] values
// once per table, at model registration time.
package store
