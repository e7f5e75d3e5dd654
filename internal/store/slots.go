package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tools.zach/dev/worktime/internal/migrate"
	"tools.zach/dev/worktime/internal/model"
)

// Slot keys.
const (
	KeyEntries        = "entries"
	KeyCurrentSession = "currentSession"
	KeyMetadata       = "metadata"
)

// envelope wraps every stored slot value with its schema version so stored
// data can be upgraded through [migrate.Store].
type envelope struct {
	Version int             `json:"$version"`
	Data    json.RawMessage `json:"data"`
}

// Slots provides typed access to the three persisted slots.
type Slots struct {
	b Backend

	mu        sync.Mutex
	recovered map[string]bool
}

// NewSlots wraps b.
func NewSlots(b Backend) *Slots {
	return &Slots{b: b}
}

// Backend returns the underlying backend.
func (s *Slots) Backend() Backend { return s.b }

// ///////////////////////////////////////////////
// Envelope I/O
// ///////////////////////////////////////////////

// load reads key into v. ok is false when the slot is absent. A corrupted
// slot reads as absent and is marked for [Slots.TakeRecovered].
func (s *Slots) load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.b.Get(ctx, key)
	if errors.Is(err, ErrCorrupted) {
		slog.Error("store slot corrupted, reading as empty", "key", key, "error", err)
		s.mu.Lock()
		if s.recovered == nil {
			s.recovered = make(map[string]bool)
		}
		s.recovered[key] = true
		s.mu.Unlock()
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}

	version, err := migrate.PeekJSONVersion(raw)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	if migrate.Store.NeedsMigration(version, false) && len(migrate.Store.Migrations) > 0 {
		migrated, newVersion, mErr := migrate.Store.Run(raw, version)
		if mErr != nil {
			return false, fmt.Errorf("migrate %s: %w", key, mErr)
		}
		raw, version = migrated, newVersion
	}
	if version > migrate.Store.CurrentVersion {
		slog.Warn("future store version, reading as current", "key", key, "version", version, "current", migrate.Store.CurrentVersion)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("decode %s data: %w", key, err)
	}
	return true, nil
}

// TakeRecovered reports whether key was read as corrupted since the last
// call and clears the mark.
func (s *Slots) TakeRecovered(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recovered[key]
	delete(s.recovered, key)
	return r
}

// save writes v to key inside a current-version envelope.
func (s *Slots) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return persistErr("encode", key, err)
	}
	out, err := json.MarshalIndent(envelope{Version: migrate.Store.CurrentVersion, Data: data}, "", "  ")
	if err != nil {
		return persistErr("encode", key, err)
	}
	return s.b.Set(ctx, key, out)
}

// ///////////////////////////////////////////////
// Entry Log
// ///////////////////////////////////////////////

// Entries returns the entry log in insertion order. An absent log is empty.
func (s *Slots) Entries(ctx context.Context) ([]model.TimeEntry, error) {
	var entries []model.TimeEntry
	if _, err := s.load(ctx, KeyEntries, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveEntries replaces the whole entry log.
func (s *Slots) SaveEntries(ctx context.Context, entries []model.TimeEntry) error {
	if entries == nil {
		entries = []model.TimeEntry{}
	}
	return s.save(ctx, KeyEntries, entries)
}

// ///////////////////////////////////////////////
// Current Session
// ///////////////////////////////////////////////

// CurrentSession returns the persisted open session, or nil when absent.
func (s *Slots) CurrentSession(ctx context.Context) (*model.TimeEntry, error) {
	var e model.TimeEntry
	ok, err := s.load(ctx, KeyCurrentSession, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// SaveCurrentSession replaces the current-session slot.
func (s *Slots) SaveCurrentSession(ctx context.Context, e *model.TimeEntry) error {
	if e == nil {
		return s.ClearCurrentSession(ctx)
	}
	return s.save(ctx, KeyCurrentSession, e)
}

// ClearCurrentSession removes the current-session slot.
func (s *Slots) ClearCurrentSession(ctx context.Context) error {
	return s.b.Delete(ctx, KeyCurrentSession)
}

// ///////////////////////////////////////////////
// Metadata
// ///////////////////////////////////////////////

// Metadata returns the cached aggregates, or nil when absent.
func (s *Slots) Metadata(ctx context.Context) (*model.TrackerMetadata, error) {
	var m model.TrackerMetadata
	ok, err := s.load(ctx, KeyMetadata, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// SaveMetadata replaces the metadata slot.
func (s *Slots) SaveMetadata(ctx context.Context, m *model.TrackerMetadata) error {
	return s.save(ctx, KeyMetadata, m)
}

// ///////////////////////////////////////////////
// Reset
// ///////////////////////////////////////////////

// ClearAll removes all three slots. The first failure is returned after every
// delete has been attempted.
func (s *Slots) ClearAll(ctx context.Context) error {
	var first error
	for _, key := range []string{KeyEntries, KeyCurrentSession, KeyMetadata} {
		if err := s.b.Delete(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}
