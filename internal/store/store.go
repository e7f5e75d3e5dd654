// Package store is the persistence port for worktime. A [Backend] is a
// durable key-value store with whole-value get and set; [Slots] layers the
// three named slots (entry log, current session, metadata) on top of it,
// wrapping each value in a versioned envelope.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrPersistence wraps every failed durable write. Callers test for it with
// errors.Is to distinguish storage failures from no-op notices.
var ErrPersistence = errors.New("persistence failure")

// ErrCorrupted is returned by [Backend.Get] when the stored value could not be
// decoded. The bad value has already been moved aside, so the key reads as
// absent afterwards.
var ErrCorrupted = errors.New("corrupted store value")

// Backend is a durable key-value store with whole-value semantics.
type Backend interface {
	// Get returns the stored value for key. ok is false when the key is
	// absent. A value that fails to decode yields an error wrapping
	// [ErrCorrupted].
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set replaces the value for key. It returns only after the write is
	// durable.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend kinds accepted by [Open].
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open constructs the backend named by kind. dir is the file backend's
// directory; dbPath is the SQLite database file.
func Open(kind, dir, dbPath string) (Backend, error) {
	switch kind {
	case KindFile, "":
		return NewFileBackend(dir)
	case KindSQLite:
		return NewSQLiteBackend(dbPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// persistErr wraps err so it matches [ErrPersistence].
func persistErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, key, err)
}
