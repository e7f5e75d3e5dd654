package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tools.zach/dev/worktime/internal/aggregate"
	"tools.zach/dev/worktime/internal/idle"
	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/store"
)

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyBackend fails writes for keys marked in fail.
type flakyBackend struct {
	store.Backend
	mu   sync.Mutex
	fail map[string]bool
}

func (f *flakyBackend) setFail(key string, v bool) {
	f.mu.Lock()
	f.fail[key] = v
	f.mu.Unlock()
}

func (f *flakyBackend) failing(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[key]
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if f.failing(key) {
		return fmt.Errorf("%w: injected set failure", store.ErrPersistence)
	}
	return f.Backend.Set(ctx, key, value)
}

func (f *flakyBackend) Delete(ctx context.Context, key string) error {
	if f.failing(key) {
		return fmt.Errorf("%w: injected delete failure", store.ErrPersistence)
	}
	return f.Backend.Delete(ctx, key)
}

type harness struct {
	eng     *Engine
	clock   *fakeClock
	slots   *store.Slots
	backend *flakyBackend
	dir     string
}

const threshold = 10 * time.Minute

func defaultOptions() Options {
	return Options{
		IdleThreshold:     threshold,
		IdleCheckInterval: 2 * time.Millisecond,
		AutoStop:          true,
		Context: func() Context {
			return Context{Project: "api", Workspace: "api", EnvironmentID: "local"}
		},
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	return newHarnessAt(t, dir, opts, &fakeClock{t: time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)})
}

func newHarnessAt(t *testing.T, dir string, opts Options, clk *fakeClock) *harness {
	t.Helper()
	fb, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	b := &flakyBackend{Backend: fb, fail: map[string]bool{}}
	slots := store.NewSlots(b)
	opts.Now = clk.Now
	var n atomic.Int64
	opts.NewID = func() string { return fmt.Sprintf("id-%03d", n.Add(1)) }
	eng := New(slots, aggregate.New(slots, clk.Now), opts)
	t.Cleanup(eng.Close)
	return &harness{eng: eng, clock: clk, slots: slots, backend: b, dir: dir}
}

func (h *harness) entries(t *testing.T) []model.TimeEntry {
	t.Helper()
	e, err := h.slots.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (h *harness) slot(t *testing.T) *model.TimeEntry {
	t.Helper()
	e, err := h.slots.CurrentSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ///////////////////////////////////////////////
// Start / Stop Tests
// ///////////////////////////////////////////////

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())

	started, err := h.eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Date != "2025-04-02" || started.Project != "api" || started.EnvironmentID != "local" {
		t.Errorf("started = %+v", started)
	}
	if slot := h.slot(t); slot == nil || slot.ID != started.ID || slot.Finalized() {
		t.Fatalf("slot after start = %+v", slot)
	}

	h.clock.Advance(45 * time.Minute)
	done, err := h.eng.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if *done.DurationMs != (45 * time.Minute).Milliseconds() {
		t.Errorf("duration = %d", *done.DurationMs)
	}
	if h.slot(t) != nil {
		t.Error("slot not cleared after stop")
	}
	log := h.entries(t)
	if len(log) != 1 || log[0].ID != started.ID {
		t.Fatalf("log = %+v", log)
	}
	if log[0].EndTime.Sub(log[0].StartTime).Milliseconds() != *log[0].DurationMs {
		t.Error("logged duration != endTime - startTime")
	}
	if h.eng.Tracking() {
		t.Error("still tracking after stop")
	}
}

func TestStartWhileTracking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	first, _ := h.eng.Start(ctx)

	got, err := h.eng.Start(ctx)
	if !errors.Is(err, ErrAlreadyTracking) {
		t.Fatalf("err = %v, want ErrAlreadyTracking", err)
	}
	if !IsNotice(err) {
		t.Error("IsNotice = false")
	}
	if got.ID != first.ID {
		t.Errorf("returned session %s, want %s", got.ID, first.ID)
	}
}

func TestStopTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.eng.Start(ctx)
	h.clock.Advance(time.Minute)

	if _, err := h.eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Stop(ctx); !errors.Is(err, ErrNotTracking) {
		t.Errorf("second Stop err = %v, want ErrNotTracking", err)
	}
	if n := len(h.entries(t)); n != 1 {
		t.Errorf("log has %d entries, want 1", n)
	}
}

func TestAggregationInvariant(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	projects := []string{"api", "web", "api", "cli", "web"}
	var i int
	opts.Context = func() Context { return Context{Project: projects[i%len(projects)]} }
	h := newHarness(t, opts)

	var want int64
	for i = 0; i < len(projects); i++ {
		h.eng.Start(ctx)
		h.clock.Advance(time.Duration(i+1) * 7 * time.Minute)
		done, err := h.eng.Stop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want += *done.DurationMs
		h.clock.Advance(time.Minute)
	}

	md, err := h.eng.Cache().Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if md.TotalTrackedMs != want {
		t.Errorf("TotalTrackedMs = %d, want %d", md.TotalTrackedMs, want)
	}
	if md.ProjectCount != 3 {
		t.Errorf("ProjectCount = %d, want 3", md.ProjectCount)
	}
	for _, e := range h.entries(t) {
		if !e.Finalized() || e.EndTime.Sub(e.StartTime).Milliseconds() != *e.DurationMs {
			t.Errorf("bad log entry %+v", e)
		}
	}
}

// ///////////////////////////////////////////////
// Comment / Reset Tests
// ///////////////////////////////////////////////

func TestAddComment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())

	if _, err := h.eng.AddComment(ctx, "x"); !errors.Is(err, ErrNotTracking) {
		t.Errorf("comment while idle err = %v", err)
	}

	h.eng.Start(ctx)
	if _, err := h.eng.AddComment(ctx, "fixing the build"); err != nil {
		t.Fatal(err)
	}
	if slot := h.slot(t); slot.Comment != "fixing the build" {
		t.Errorf("slot comment = %q", slot.Comment)
	}
	if len(h.entries(t)) != 0 {
		t.Error("comment touched the log")
	}

	h.clock.Advance(time.Minute)
	done, _ := h.eng.Stop(ctx)
	if done.Comment != "fixing the build" {
		t.Errorf("stopped comment = %q", done.Comment)
	}
}

func TestResetToday(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())

	if err := h.eng.ResetToday(ctx); !errors.Is(err, ErrNotTracking) {
		t.Errorf("reset while idle err = %v", err)
	}

	h.eng.Start(ctx)
	h.clock.Advance(time.Hour)
	if err := h.eng.ResetToday(ctx); err != nil {
		t.Fatal(err)
	}
	if h.eng.Tracking() || h.slot(t) != nil || len(h.entries(t)) != 0 {
		t.Error("reset should discard the session without logging it")
	}
}

// ///////////////////////////////////////////////
// Persistence Failure Tests
// ///////////////////////////////////////////////

func TestStartPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.backend.setFail(store.KeyCurrentSession, true)

	if _, err := h.eng.Start(ctx); !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if h.eng.Tracking() {
		t.Error("engine tracking after failed start")
	}
}

func TestStopPersistenceFailureLeavesSessionOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	started, _ := h.eng.Start(ctx)
	h.clock.Advance(time.Minute)

	h.backend.setFail(store.KeyEntries, true)
	if _, err := h.eng.Stop(ctx); !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if !h.eng.Tracking() {
		t.Fatal("engine went idle after failed stop")
	}
	if slot := h.slot(t); slot == nil || slot.ID != started.ID {
		t.Errorf("slot = %+v", slot)
	}

	h.backend.setFail(store.KeyEntries, false)
	if _, err := h.eng.Stop(ctx); err != nil {
		t.Fatalf("retry Stop: %v", err)
	}
	if len(h.entries(t)) != 1 {
		t.Error("retry did not log the session")
	}
}

func TestCommentPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.eng.Start(ctx)
	h.backend.setFail(store.KeyCurrentSession, true)

	if _, err := h.eng.AddComment(ctx, "lost"); !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	if st := h.eng.SessionState(); st.CurrentSession.Comment != "" {
		t.Error("in-memory comment changed despite failed write")
	}
}

func TestStopClearFailureStillIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.eng.Start(ctx)
	h.clock.Advance(time.Minute)

	h.backend.setFail(store.KeyCurrentSession, true)
	_, err := h.eng.Stop(ctx)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	if h.eng.Tracking() {
		t.Error("engine still tracking after log commit")
	}
	h.backend.setFail(store.KeyCurrentSession, false)

	// The leftover slot is already logged and must not be appended again.
	h2 := newHarnessAt(t, h.dir, defaultOptions(), h.clock)
	res, err := h2.eng.Recover(ctx)
	if err != nil || res != RecoveryDiscarded {
		t.Fatalf("Recover = %v, %v; want discarded", res, err)
	}
	if len(h2.entries(t)) != 1 || h2.slot(t) != nil {
		t.Error("recovery did not dedup the logged slot")
	}
}

// ///////////////////////////////////////////////
// Idle Timeout Tests
// ///////////////////////////////////////////////

func TestIdleTimeoutUsesLastActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, defaultOptions())
	go h.eng.Run(ctx)

	started, _ := h.eng.Start(ctx)
	h.clock.Advance(5 * time.Minute)
	h.eng.RecordActivity(ctx)
	t1 := h.clock.Now()

	h.clock.Advance(threshold + time.Second)
	waitFor(t, "auto-stop", func() bool { return !h.eng.Tracking() })

	log := h.entries(t)
	if len(log) != 1 {
		t.Fatalf("log = %+v", log)
	}
	if !log[0].EndTime.Equal(t1) {
		t.Errorf("EndTime = %v, want last activity %v", log[0].EndTime, t1)
	}
	if *log[0].DurationMs != t1.Sub(started.StartTime).Milliseconds() {
		t.Errorf("duration = %d", *log[0].DurationMs)
	}
}

func TestStaleTimeoutIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	first, _ := h.eng.Start(ctx)
	h.clock.Advance(time.Minute)
	h.eng.Stop(ctx)
	h.eng.Start(ctx)

	_, err := h.eng.HandleTimeout(ctx, idle.Timeout{SessionID: first.ID, LastActivity: h.clock.Now()})
	if !errors.Is(err, ErrNotTracking) {
		t.Errorf("err = %v, want ErrNotTracking", err)
	}
	if !h.eng.Tracking() {
		t.Error("stale timeout stopped the new session")
	}
}

func TestAutoStopDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := defaultOptions()
	opts.AutoStop = false
	h := newHarness(t, opts)
	go h.eng.Run(ctx)

	h.eng.Start(ctx)
	h.clock.Advance(time.Hour)
	time.Sleep(30 * time.Millisecond)
	if !h.eng.Tracking() {
		t.Error("session auto-stopped with auto_stop disabled")
	}
}

func TestAutoStartOnActivity(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.AutoStart = true
	h := newHarness(t, opts)

	if err := h.eng.RecordActivity(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.eng.Tracking() {
		t.Error("activity did not auto-start a session")
	}

	plain := newHarness(t, defaultOptions())
	plain.eng.RecordActivity(ctx)
	if plain.eng.Tracking() {
		t.Error("activity started a session without auto_start")
	}
}

// ///////////////////////////////////////////////
// Checkpoint Tests
// ///////////////////////////////////////////////

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.AutoSaveInterval = 2 * time.Millisecond
	h := newHarness(t, opts)

	h.eng.Start(ctx)
	h.clock.Advance(3 * time.Minute)
	waitFor(t, "checkpoint", func() bool {
		s := h.slot(t)
		return s != nil && s.CheckpointMs != nil && *s.CheckpointMs == (3*time.Minute).Milliseconds()
	})
	if s := h.slot(t); s.Finalized() {
		t.Error("checkpoint finalized the slot")
	}

	if _, err := h.eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.slot(t) != nil {
		t.Error("checkpoint resurrected the slot after stop")
	}
	if log := h.entries(t); log[0].CheckpointMs != nil {
		t.Error("logged entry carries a checkpoint")
	}
}

// ///////////////////////////////////////////////
// Recovery Tests
// ///////////////////////////////////////////////

func seedSlot(t *testing.T, h *harness, start time.Time) *model.TimeEntry {
	t.Helper()
	e := &model.TimeEntry{ID: "seed", Date: start.Format(model.DateLayout), StartTime: start, Project: "api"}
	if err := h.slots.SaveCurrentSession(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRecoverResumesUnderThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	seedSlot(t, h, h.clock.Now().Add(-(threshold - time.Second)))

	res, err := h.eng.Recover(ctx)
	if err != nil || res != RecoveryResumed {
		t.Fatalf("Recover = %v, %v; want resumed", res, err)
	}
	if !h.eng.Tracking() {
		t.Error("not tracking after resume")
	}
	if st := h.eng.SessionState(); st.CurrentSession.ID != "seed" {
		t.Errorf("current = %+v", st.CurrentSession)
	}
}

func TestRecoverAutoStopsOverThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	start := h.clock.Now().Add(-(threshold + time.Second))
	seedSlot(t, h, start)

	res, err := h.eng.Recover(ctx)
	if err != nil || res != RecoveryAutoStopped {
		t.Fatalf("Recover = %v, %v; want auto-stopped", res, err)
	}
	if h.eng.Tracking() || h.slot(t) != nil {
		t.Error("stale session should be closed and cleared")
	}
	log := h.entries(t)
	if len(log) != 1 {
		t.Fatalf("log = %+v", log)
	}
	if want := start.Add(threshold); !log[0].EndTime.Equal(want) {
		t.Errorf("EndTime = %v, want %v", log[0].EndTime, want)
	}
	if *log[0].DurationMs != threshold.Milliseconds() {
		t.Errorf("duration = %d, want %d", *log[0].DurationMs, threshold.Milliseconds())
	}
}

func TestRecoverEmpty(t *testing.T) {
	h := newHarness(t, defaultOptions())
	res, err := h.eng.Recover(context.Background())
	if err != nil || res != RecoveryNone {
		t.Errorf("Recover = %v, %v", res, err)
	}
}

func TestRecoverFinalizedSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	e := seedSlot(t, h, h.clock.Now().Add(-time.Hour))
	e.Finalize(e.StartTime.Add(30 * time.Minute))
	h.slots.SaveCurrentSession(ctx, e)

	res, err := h.eng.Recover(ctx)
	if err != nil || res != RecoveryAutoStopped {
		t.Fatalf("Recover = %v, %v", res, err)
	}
	if log := h.entries(t); len(log) != 1 || *log[0].DurationMs != (30*time.Minute).Milliseconds() {
		t.Errorf("log = %+v", log)
	}
}

func TestCloseThenRecover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	started, _ := h.eng.Start(ctx)
	h.eng.Close()

	h.clock.Advance(2 * time.Minute)
	h2 := newHarnessAt(t, h.dir, defaultOptions(), h.clock)
	res, err := h2.eng.Recover(ctx)
	if err != nil || res != RecoveryResumed {
		t.Fatalf("Recover = %v, %v", res, err)
	}
	if st := h2.eng.SessionState(); st.CurrentSession.ID != started.ID {
		t.Errorf("resumed %s, want %s", st.CurrentSession.ID, started.ID)
	}
}

// ///////////////////////////////////////////////
// Status Tests
// ///////////////////////////////////////////////

func TestStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())

	h.eng.Start(ctx)
	h.clock.Advance(30 * time.Minute)
	h.eng.Stop(ctx)
	h.eng.Start(ctx)
	h.clock.Advance(15 * time.Minute)

	st, err := h.eng.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsTracking || st.ElapsedMs != (15*time.Minute).Milliseconds() {
		t.Errorf("status = %+v", st)
	}
	if st.TodayMs != (45 * time.Minute).Milliseconds() {
		t.Errorf("TodayMs = %d, want 45m", st.TodayMs)
	}
	if !st.Idle.IsIdle {
		t.Error("15m without activity should report idle")
	}
}

func TestRecoveryResultString(t *testing.T) {
	tests := map[RecoveryResult]string{
		RecoveryNone:        "none",
		RecoveryResumed:     "resumed",
		RecoveryAutoStopped: "auto-stopped",
		RecoveryDiscarded:   "discarded",
	}
	for r, want := range tests {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", r, got, want)
		}
	}
}
