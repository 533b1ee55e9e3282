package model

import (
	"errors"
	"fmt"

	"github.com/roach88/rowmap/internal/identity"
	"github.com/roach88/rowmap/internal/store"
)

// MaxKeyAttempts bounds primary-key generation for new instances.
const MaxKeyAttempts = 100

var (
	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = store.ErrClosed

	// ErrDuplicateKey means a different live instance already holds the key.
	ErrDuplicateKey = identity.ErrDuplicateKey

	// ErrConflictUnresolved means a reload found a field changed both in
	// memory and in the database, and no resolver was configured.
	ErrConflictUnresolved = errors.New("unresolved reload conflict")

	// ErrKeyGenerationExhausted means MaxKeyAttempts generated keys were all
	// taken.
	ErrKeyGenerationExhausted = errors.New("primary key generation exhausted")

	// ErrNotReadOnly means a statement passed to Rows or CachedRows could
	// write. Writes go through ExecuteUpdate.
	ErrNotReadOnly = errors.New("statement is not read-only")

	ErrUnknownField        = errors.New("unknown field")
	ErrUnknownModel        = errors.New("unknown model")
	ErrPrimaryKeyImmutable = errors.New("primary key is immutable")
	ErrInstanceDeleted     = errors.New("instance is deleted")
	ErrDetached            = errors.New("instance is detached")
)

// SaveResult is the outcome of Save and Delete.
type SaveResult int

const (
	// SaveFailed means the store rejected the statement; the instance is
	// unchanged and LastError holds the cause.
	SaveFailed SaveResult = iota
	// SaveRefused means a hook vetoed the operation before any store access.
	SaveRefused
	// SaveSucceeded means the statement committed.
	SaveSucceeded
	// SaveNoChanges means there was nothing to write.
	SaveNoChanges
)

func (r SaveResult) String() string {
	switch r {
	case SaveFailed:
		return "failed"
	case SaveRefused:
		return "refused"
	case SaveSucceeded:
		return "succeeded"
	case SaveNoChanges:
		return "no-changes"
	default:
		return fmt.Sprintf("SaveResult(%d)", int(r))
	}
}

// StoreError wraps a failure reported by the row store.
type StoreError struct {
	// Op is the operation that failed, e.g. "insert" or "reload".
	Op string

	// Model is the affected model, empty for raw statements.
	Model string

	// SQL is the statement text.
	SQL string

	Err error
}

func (e *StoreError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ConflictError describes a field that changed both in memory and in the
// database. It matches ErrConflictUnresolved with errors.Is.
type ConflictError struct {
	Model   string
	Key     any
	Field   string
	Local   any
	DBValue any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %v: field %s: local %v, database %v: %v",
		e.Model, e.Key, e.Field, e.Local, e.DBValue, ErrConflictUnresolved)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflictUnresolved
}

// IsStoreError reports whether err came from the row store.
// Uses errors.As to handle wrapped errors.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsConflict reports whether err is an unresolved reload conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflictUnresolved)
}

func storeErr(op, model, sql string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrClosed) {
		return err
	}
	return &StoreError{Op: op, Model: model, SQL: sql, Err: err}
}
