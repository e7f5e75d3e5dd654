package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"tools.zach/dev/worktime/internal/atomicfile"
)

// ///////////////////////////////////////////////
// FileBackend
// ///////////////////////////////////////////////

// validKey restricts keys to names that are safe as file names.
var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileBackend stores one JSON file per key in a directory. Writes go through
// [atomicfile.Write], so a crash leaves either the old or the new value.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backend's directory.
func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

// Get reads the file for key. A file that does not hold valid JSON is moved
// aside to "<file>.corrupted" and reported with [ErrCorrupted].
func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !json.Valid(data) {
		backupCorrupted(p, data)
		return nil, false, fmt.Errorf("%w: %s", ErrCorrupted, key)
	}
	return data, true, nil
}

// backupCorrupted moves an unreadable slot file out of the way so the next
// write starts fresh while the bad bytes stay available for inspection.
func backupCorrupted(path string, data []byte) {
	corruptedPath := path + ".corrupted"
	slog.Warn("corrupted store file, backing up", "path", path, "backup", corruptedPath)
	if err := os.WriteFile(corruptedPath, data, 0o600); err != nil {
		slog.Warn("failed to write backup", "path", corruptedPath, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to remove corrupted file", "path", path, "error", err)
	}
}

// Set atomically replaces the file for key.
func (f *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return persistErr("set", key, err)
	}
	p, err := f.path(key)
	if err != nil {
		return persistErr("set", key, err)
	}
	if err := atomicfile.Write(p, value, 0o600); err != nil {
		return persistErr("set", key, err)
	}
	return nil
}

// Delete removes the file for key.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return persistErr("delete", key, err)
	}
	p, err := f.path(key)
	if err != nil {
		return persistErr("delete", key, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return persistErr("delete", key, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (f *FileBackend) Close() error { return nil }
