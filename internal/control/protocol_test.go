package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/store"
	"tools.zach/dev/worktime/internal/tracker"
)

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	mu      sync.Mutex
	entry   *model.TimeEntry
	err     error
	comment string
	pings   int
}

func (f *fakeEngine) Start(context.Context) (*model.TimeEntry, error) { return f.entry, f.err }
func (f *fakeEngine) Stop(context.Context) (*model.TimeEntry, error)  { return f.entry, f.err }
func (f *fakeEngine) AddComment(_ context.Context, text string) (*model.TimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comment = text
	return f.entry, f.err
}
func (f *fakeEngine) ResetToday(context.Context) error { return f.err }
func (f *fakeEngine) RecordActivity(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.err
}
func (f *fakeEngine) Status(context.Context) (tracker.Status, error) {
	return tracker.Status{IsTracking: f.entry != nil, CurrentSession: f.entry}, f.err
}

func openEntry() *model.TimeEntry {
	return &model.TimeEntry{
		ID:        "id-001",
		Date:      "2025-04-01",
		StartTime: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
		Project:   "api",
		Workspace: "server",
	}
}

func closedEntry() *model.TimeEntry {
	e := openEntry()
	e.Finalize(e.StartTime.Add(65 * time.Minute))
	return e
}

func TestDispatch(t *testing.T) {
	persist := fmt.Errorf("%w: set entries: disk full", store.ErrPersistence)

	tests := []struct {
		name       string
		eng        *fakeEngine
		req        Request
		wantOK     bool
		wantNotice string
		wantError  string
	}{
		{"start", &fakeEngine{entry: openEntry()}, Request{Cmd: CmdStart}, true, "Tracking api (server)", ""},
		{"start already", &fakeEngine{entry: openEntry(), err: tracker.ErrAlreadyTracking}, Request{Cmd: CmdStart}, true, "Already tracking api", ""},
		{"start fails", &fakeEngine{err: persist}, Request{Cmd: CmdStart}, false, "", "persistence"},
		{"stop", &fakeEngine{entry: closedEntry()}, Request{Cmd: CmdStop}, true, "Stopped api after 1h 05m", ""},
		{"stop idle", &fakeEngine{err: tracker.ErrNotTracking}, Request{Cmd: CmdStop}, true, "Not tracking", ""},
		{"stop fails", &fakeEngine{err: persist}, Request{Cmd: CmdStop}, false, "", "disk full"},
		{"stop metadata warning", &fakeEngine{entry: closedEntry(), err: errors.New("metadata stale")}, Request{Cmd: CmdStop}, true, "Stopped api", "metadata stale"},
		{"comment", &fakeEngine{entry: openEntry()}, Request{Cmd: CmdComment, Text: " auth "}, true, "Comment saved", ""},
		{"comment empty", &fakeEngine{entry: openEntry()}, Request{Cmd: CmdComment, Text: "  "}, false, "", "required"},
		{"comment idle", &fakeEngine{err: tracker.ErrNotTracking}, Request{Cmd: CmdComment, Text: "x"}, true, "Not tracking", ""},
		{"reset", &fakeEngine{}, Request{Cmd: CmdReset}, true, "discarded", ""},
		{"reset idle", &fakeEngine{err: tracker.ErrNotTracking}, Request{Cmd: CmdReset}, true, "Not tracking", ""},
		{"ping", &fakeEngine{}, Request{Cmd: CmdPing}, true, "", ""},
		{"status", &fakeEngine{entry: openEntry()}, Request{Cmd: CmdStatus}, true, "", ""},
		{"unknown", &fakeEngine{}, Request{Cmd: "pause"}, false, "", "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Dispatch(tt.eng)(context.Background(), tt.req)
			if resp.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v (%+v)", resp.OK, tt.wantOK, resp)
			}
			if !strings.Contains(resp.Notice, tt.wantNotice) {
				t.Errorf("Notice = %q, want it to contain %q", resp.Notice, tt.wantNotice)
			}
			if tt.wantError == "" && resp.Error != "" {
				t.Errorf("Error = %q, want none", resp.Error)
			}
			if !strings.Contains(resp.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestDispatchCommentTrimmed(t *testing.T) {
	eng := &fakeEngine{entry: openEntry()}
	Dispatch(eng)(context.Background(), Request{Cmd: CmdComment, Text: "  auth refactor \n"})
	if eng.comment != "auth refactor" {
		t.Errorf("comment = %q", eng.comment)
	}
}

func TestDispatchStatus(t *testing.T) {
	resp := Dispatch(&fakeEngine{entry: openEntry()})(context.Background(), Request{Cmd: CmdStatus})
	if resp.Status == nil || !resp.Status.IsTracking || resp.Status.CurrentSession.ID != "id-001" {
		t.Errorf("Status = %+v", resp.Status)
	}
}
