// Package tracker implements the session lifecycle engine.
//
// An [Engine] is either idle or tracking one open session. It owns the
// in-memory session, the idle detector, and the auto-save checkpoint timer,
// and it is the only writer of the persisted slots. Every operation completes
// its durable write before it returns; a failed write leaves the in-memory
// state unchanged.
//
// Locking: opMu serializes whole operations (start, stop, comment, reset,
// idle timeout, recovery). mu guards the current session and the
// current-session slot and is the only lock the checkpoint timer takes, so
// an operation holding opMu can cancel-and-wait on the timer without
// deadlocking.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tools.zach/dev/worktime/internal/aggregate"
	"tools.zach/dev/worktime/internal/idle"
	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/schedule"
	"tools.zach/dev/worktime/internal/store"
)

// Notices for no-op conditions. They are informational, not failures.
var (
	ErrAlreadyTracking = errors.New("already tracking")
	ErrNotTracking     = errors.New("not tracking")
)

// IsNotice reports whether err is a no-op notice rather than a failure.
func IsNotice(err error) bool {
	return errors.Is(err, ErrAlreadyTracking) || errors.Is(err, ErrNotTracking)
}

// ///////////////////////////////////////////////
// Options
// ///////////////////////////////////////////////

// Context is the host identity stamped onto new sessions.
type Context struct {
	Project       string
	Workspace     string
	EnvironmentID string
}

// Options configures an [Engine].
type Options struct {
	// IdleThreshold is the allowed gap since last activity. Non-positive
	// disables idle auto-stop and makes recovery always resume.
	IdleThreshold time.Duration
	// AutoSaveInterval is the checkpoint cadence. Non-positive disables it.
	AutoSaveInterval time.Duration
	// IdleCheckInterval is the idle poll cadence.
	IdleCheckInterval time.Duration
	// AutoStart starts a session on activity while idle.
	AutoStart bool
	// AutoStop arms idle auto-stop.
	AutoStop bool

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// NewID allocates entry ids. Defaults to UUIDv7.
	NewID func() string
	// Context resolves the host identity at session start.
	Context func() Context
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ///////////////////////////////////////////////
// Engine
// ///////////////////////////////////////////////

// Engine is the session state machine. Construct one per process.
type Engine struct {
	opts  Options
	slots *store.Slots
	cache *aggregate.Cache
	idle  *idle.Detector

	opMu       sync.Mutex
	checkpoint *schedule.Task // guarded by opMu

	mu      sync.Mutex
	current *model.TimeEntry
}

// New returns an idle engine. Call [Engine.Recover] before use to restore a
// session left by a previous process.
func New(slots *store.Slots, cache *aggregate.Cache, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewID
	}
	if opts.Context == nil {
		opts.Context = func() Context { return Context{} }
	}
	if opts.IdleThreshold < 0 {
		opts.IdleThreshold = 0
	}
	return &Engine{
		opts:  opts,
		slots: slots,
		cache: cache,
		idle: idle.New(idle.Options{
			Threshold:    opts.IdleThreshold,
			PollInterval: opts.IdleCheckInterval,
			AutoStop:     opts.AutoStop,
			Now:          opts.Now,
		}),
	}
}

// Cache returns the aggregation cache the engine commits to.
func (e *Engine) Cache() *aggregate.Cache { return e.cache }

// Tracking reports whether a session is open.
func (e *Engine) Tracking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) snapshot() *model.TimeEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// ///////////////////////////////////////////////
// Timers
// ///////////////////////////////////////////////

// armTimers starts idle detection and the checkpoint timer. opMu held.
func (e *Engine) armTimers(sessionID string, lastActivity time.Time) {
	e.idle.Start(sessionID, lastActivity)
	e.checkpoint = schedule.Every(e.opts.AutoSaveInterval, e.saveCheckpoint)
}

// disarmTimers cancels both timers and waits for in-flight runs. opMu held,
// mu not held.
func (e *Engine) disarmTimers() {
	e.idle.Stop()
	e.checkpoint.Stop()
	e.checkpoint = nil
}

// saveCheckpoint re-persists the open session with its running duration.
func (e *Engine) saveCheckpoint(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return
	}
	ms := e.opts.Now().Sub(e.current.StartTime).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	next := e.current.Clone()
	next.CheckpointMs = &ms
	if err := e.slots.SaveCurrentSession(ctx, next); err != nil {
		slog.Warn("checkpoint failed", "session", next.ID, "error", err)
		return
	}
	e.current = next
	slog.Debug("checkpoint saved", "session", next.ID, "elapsed_ms", ms)
}

// ///////////////////////////////////////////////
// Operations
// ///////////////////////////////////////////////

// Start opens a new session. It returns [ErrAlreadyTracking] with the
// running session when one is open.
func (e *Engine) Start(ctx context.Context) (*model.TimeEntry, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if cur := e.snapshot(); cur != nil {
		return cur.Clone(), ErrAlreadyTracking
	}

	now := e.opts.Now()
	hc := e.opts.Context()
	entry := &model.TimeEntry{
		ID:            e.opts.NewID(),
		EnvironmentID: hc.EnvironmentID,
		Date:          now.Format(model.DateLayout),
		StartTime:     now,
		Project:       hc.Project,
		Workspace:     hc.Workspace,
	}

	e.mu.Lock()
	if err := e.slots.SaveCurrentSession(ctx, entry); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("start session: %w", err)
	}
	e.current = entry
	e.mu.Unlock()

	e.armTimers(entry.ID, now)
	slog.Info("session started", "session", entry.ID, "project", entry.Project, "workspace", entry.Workspace)
	return entry.Clone(), nil
}

// Stop closes the open session at now and appends it to the log. It returns
// [ErrNotTracking] when idle.
func (e *Engine) Stop(ctx context.Context) (*model.TimeEntry, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := e.snapshot()
	if cur == nil {
		return nil, ErrNotTracking
	}
	return e.finalize(ctx, cur, e.opts.Now(), e.idle.LastActivity(), "session stopped")
}

// finalize closes cur at end, commits it, and clears the slot. On a failed
// log append the timers are re-armed with lastActivity and the session stays
// open. opMu held.
func (e *Engine) finalize(ctx context.Context, cur *model.TimeEntry, end, lastActivity time.Time, msg string) (*model.TimeEntry, error) {
	e.disarmTimers()

	done := cur.Clone()
	done.Finalize(end)

	committed, err := e.cache.Commit(ctx, *done)
	if !committed {
		e.armTimers(cur.ID, lastActivity)
		return nil, fmt.Errorf("finalize session %s: %w", cur.ID, err)
	}

	// The log append is the commit point. A failed clear leaves a slot that
	// recovery recognizes by id and discards.
	e.mu.Lock()
	e.current = nil
	clearErr := e.slots.ClearCurrentSession(ctx)
	e.mu.Unlock()

	if err != nil {
		slog.Warn("metadata update failed", "session", done.ID, "error", err)
	}
	if clearErr != nil {
		slog.Warn("failed to clear current session", "session", done.ID, "error", clearErr)
	}
	slog.Info(msg, "session", done.ID, "project", done.Project, "duration_ms", *done.DurationMs)
	return done, errors.Join(err, clearErr)
}

// AddComment sets the open session's comment and re-persists it.
func (e *Engine) AddComment(ctx context.Context, text string) (*model.TimeEntry, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, ErrNotTracking
	}
	next := e.current.Clone()
	next.Comment = text
	if err := e.slots.SaveCurrentSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save comment: %w", err)
	}
	e.current = next
	slog.Info("comment added", "session", next.ID)
	return next.Clone(), nil
}

// ResetToday discards the open session without logging it.
func (e *Engine) ResetToday(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := e.snapshot()
	if cur == nil {
		return ErrNotTracking
	}
	lastActivity := e.idle.LastActivity()
	e.disarmTimers()

	e.mu.Lock()
	if err := e.slots.ClearCurrentSession(ctx); err != nil {
		e.mu.Unlock()
		e.armTimers(cur.ID, lastActivity)
		return fmt.Errorf("reset session: %w", err)
	}
	e.current = nil
	e.mu.Unlock()

	slog.Info("session reset", "session", cur.ID)
	return nil
}

// RecordActivity relays one activity signal. While idle with auto-start
// enabled it opens a session.
func (e *Engine) RecordActivity(ctx context.Context) error {
	if e.Tracking() {
		e.idle.UpdateActivity()
		return nil
	}
	if !e.opts.AutoStart {
		return nil
	}
	if _, err := e.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyTracking) {
		return err
	}
	return nil
}

// HandleTimeout auto-stops the session named by ev at its last activity.
// Events for a session that is no longer open are ignored.
func (e *Engine) HandleTimeout(ctx context.Context, ev idle.Timeout) (*model.TimeEntry, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur := e.snapshot()
	if cur == nil || cur.ID != ev.SessionID {
		slog.Debug("stale idle timeout ignored", "session", ev.SessionID)
		return nil, ErrNotTracking
	}
	return e.finalize(ctx, cur, ev.LastActivity, ev.LastActivity, "session auto-stopped")
}

// Run consumes idle timeouts until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.idle.Timeouts():
			if _, err := e.HandleTimeout(ctx, ev); err != nil && !IsNotice(err) {
				slog.Error("idle auto-stop failed", "session", ev.SessionID, "error", err)
			}
		}
	}
}

// ///////////////////////////////////////////////
// Recovery
// ///////////////////////////////////////////////

// RecoveryResult describes what [Engine.Recover] did.
type RecoveryResult int

const (
	RecoveryNone RecoveryResult = iota
	RecoveryResumed
	RecoveryAutoStopped
	RecoveryDiscarded
)

func (r RecoveryResult) String() string {
	switch r {
	case RecoveryResumed:
		return "resumed"
	case RecoveryAutoStopped:
		return "auto-stopped"
	case RecoveryDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Recover restores the engine from the current-session slot. A session
// younger than the idle threshold resumes. An older one is closed at
// startTime + threshold and logged. A slot whose id is already in the log is
// cleared.
func (e *Engine) Recover(ctx context.Context) (RecoveryResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.snapshot() != nil {
		return RecoveryNone, ErrAlreadyTracking
	}

	slot, err := e.slots.CurrentSession(ctx)
	if err != nil {
		return RecoveryNone, fmt.Errorf("read current session: %w", err)
	}
	if slot == nil {
		return RecoveryNone, nil
	}

	logged, err := e.cache.HasEntry(ctx, slot.ID)
	if err != nil {
		return RecoveryNone, fmt.Errorf("read entries: %w", err)
	}
	if logged {
		if err := e.slots.ClearCurrentSession(ctx); err != nil {
			return RecoveryNone, err
		}
		slog.Info("stale session slot cleared", "session", slot.ID)
		return RecoveryDiscarded, nil
	}

	if slot.Finalized() {
		if committed, err := e.cache.Commit(ctx, *slot); !committed {
			return RecoveryNone, err
		}
		if err := e.slots.ClearCurrentSession(ctx); err != nil {
			return RecoveryAutoStopped, err
		}
		slog.Info("finalized session moved to log", "session", slot.ID)
		return RecoveryAutoStopped, nil
	}

	now := e.opts.Now()
	threshold := e.opts.IdleThreshold
	slot.EndTime, slot.DurationMs = nil, nil

	e.mu.Lock()
	e.current = slot
	e.mu.Unlock()

	if threshold <= 0 || now.Sub(slot.StartTime) < threshold {
		e.armTimers(slot.ID, now)
		slog.Info("session recovered", "session", slot.ID, "age", now.Sub(slot.StartTime).Round(time.Second))
		return RecoveryResumed, nil
	}

	end := slot.StartTime.Add(threshold)
	if _, err := e.finalize(ctx, slot, end, end, "session auto-stopped"); err != nil {
		if e.snapshot() != nil {
			return RecoveryNone, err
		}
		return RecoveryAutoStopped, err
	}
	return RecoveryAutoStopped, nil
}

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// Status is a snapshot of the engine.
type Status struct {
	IsTracking     bool             `json:"isTracking"`
	CurrentSession *model.TimeEntry `json:"currentSession,omitempty"`
	LastActivity   time.Time        `json:"lastActivity"`
	ElapsedMs      int64            `json:"elapsedMs"`
	TodayMs        int64            `json:"todayMs"`
	Idle           idle.Status      `json:"idle"`
}

// Status reports the current state. TodayMs is the finalized total for
// today plus the running session.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	now := e.opts.Now()
	cur := e.snapshot()
	st := Status{
		IsTracking:     cur != nil,
		CurrentSession: cur.Clone(),
		Idle:           e.idle.Status(),
	}
	if cur != nil {
		st.LastActivity = e.idle.LastActivity()
		st.ElapsedMs = max(now.Sub(cur.StartTime).Milliseconds(), 0)
	}

	today, err := e.cache.EntriesForDay(ctx, now.Format(model.DateLayout))
	if err != nil {
		return st, err
	}
	for i := range today {
		if today[i].DurationMs != nil {
			st.TodayMs += *today[i].DurationMs
		}
	}
	st.TodayMs += st.ElapsedMs
	return st, nil
}

// SessionState returns the process-lifetime view of tracking status.
func (e *Engine) SessionState() model.SessionState {
	cur := e.snapshot()
	return model.SessionState{
		IsTracking:     cur != nil,
		CurrentSession: cur.Clone(),
		LastActivity:   e.idle.LastActivity(),
	}
}

// Close stops the timers without finalizing. The open session stays in its
// slot for the next process to recover.
func (e *Engine) Close() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.disarmTimers()
	if cur := e.snapshot(); cur != nil {
		slog.Info("engine closed with open session", "session", cur.ID)
	}
}
