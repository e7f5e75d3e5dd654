// Package control is the local command channel between the worktime CLI and
// a running daemon.
//
// Messages are length-prefixed JSON frames (see [EncodeFrame]) exchanged over
// a Unix domain socket in the data directory, or a named pipe on Windows.
// A client sends [OpRequest] frames and receives one [OpResponse] per
// request; [OpClose] ends the conversation.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/tracker"
)

// Commands understood by [Dispatch].
const (
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdComment = "comment"
	CmdReset   = "reset"
	CmdPing    = "ping"
	CmdStatus  = "status"
)

// ///////////////////////////////////////////////
// Messages
// ///////////////////////////////////////////////

// Request is one command sent to the daemon.
type Request struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text,omitempty"`
}

// Response is the daemon's answer to a [Request].
//
// OK is false only for failures. No-op conditions such as stopping while
// idle are OK with a Notice. Error may accompany an OK response when the
// operation committed but a follow-up write failed.
type Response struct {
	OK     bool             `json:"ok"`
	Notice string           `json:"notice,omitempty"`
	Error  string           `json:"error,omitempty"`
	Entry  *model.TimeEntry `json:"entry,omitempty"`
	Status *tracker.Status  `json:"status,omitempty"`
}

// Handler answers one request.
type Handler func(ctx context.Context, req Request) Response

// ///////////////////////////////////////////////
// Dispatch
// ///////////////////////////////////////////////

// Engine is the subset of [tracker.Engine] the command surface drives.
type Engine interface {
	Start(ctx context.Context) (*model.TimeEntry, error)
	Stop(ctx context.Context) (*model.TimeEntry, error)
	AddComment(ctx context.Context, text string) (*model.TimeEntry, error)
	ResetToday(ctx context.Context) error
	RecordActivity(ctx context.Context) error
	Status(ctx context.Context) (tracker.Status, error)
}

// Dispatch returns a handler that maps commands onto eng. The same handler
// serves the daemon socket and the CLI's direct mode.
func Dispatch(eng Engine) Handler {
	return func(ctx context.Context, req Request) Response {
		switch req.Cmd {
		case CmdStart:
			e, err := eng.Start(ctx)
			switch {
			case errors.Is(err, tracker.ErrAlreadyTracking):
				return Response{OK: true, Entry: e, Notice: fmt.Sprintf("Already tracking %s since %s", e.Project, e.StartTime.Local().Format("15:04"))}
			case err != nil:
				return failure(err)
			}
			return Response{OK: true, Entry: e, Notice: fmt.Sprintf("Tracking %s", describe(e))}

		case CmdStop:
			e, err := eng.Stop(ctx)
			if errors.Is(err, tracker.ErrNotTracking) {
				return Response{OK: true, Notice: "Not tracking"}
			}
			if e == nil {
				return failure(err)
			}
			resp := Response{OK: true, Entry: e, Notice: fmt.Sprintf("Stopped %s after %s", e.Project, model.FormatDuration(e.Duration()))}
			if err != nil {
				resp.Error = err.Error()
			}
			return resp

		case CmdComment:
			text := strings.TrimSpace(req.Text)
			if text == "" {
				return Response{Error: "comment text is required"}
			}
			e, err := eng.AddComment(ctx, text)
			switch {
			case errors.Is(err, tracker.ErrNotTracking):
				return Response{OK: true, Notice: "Not tracking; start a session before commenting"}
			case err != nil:
				return failure(err)
			}
			return Response{OK: true, Entry: e, Notice: "Comment saved"}

		case CmdReset:
			err := eng.ResetToday(ctx)
			switch {
			case errors.Is(err, tracker.ErrNotTracking):
				return Response{OK: true, Notice: "Not tracking"}
			case err != nil:
				return failure(err)
			}
			return Response{OK: true, Notice: "Open session discarded"}

		case CmdPing:
			if err := eng.RecordActivity(ctx); err != nil {
				return failure(err)
			}
			return Response{OK: true}

		case CmdStatus:
			st, err := eng.Status(ctx)
			if err != nil {
				return Response{Status: &st, Error: err.Error()}
			}
			return Response{OK: true, Status: &st}
		}
		return Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func failure(err error) Response {
	return Response{Error: err.Error()}
}

func describe(e *model.TimeEntry) string {
	if e.Workspace == "" || e.Workspace == e.Project {
		return e.Project
	}
	return e.Project + " (" + e.Workspace + ")"
}

// ///////////////////////////////////////////////
// Timeouts
// ///////////////////////////////////////////////

// requestTimeout bounds a single request/response exchange.
const requestTimeout = 10 * time.Second

// idleConnTimeout closes server-side connections that stop sending.
const idleConnTimeout = 30 * time.Second
