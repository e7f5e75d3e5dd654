package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"tools.zach/dev/worktime/internal/control"
)

// ///////////////////////////////////////////////
// Transport
// ///////////////////////////////////////////////

// send delivers req to the daemon. Without a daemon the command runs in
// process against the same store.
func (a *app) send(ctx context.Context, req control.Request) (control.Response, error) {
	dd := a.paths()
	c, err := control.Dial(control.Address(dd))
	if err == nil {
		defer c.Close()
		return c.Do(ctx, req)
	}
	if !errors.Is(err, control.ErrDaemonNotRunning) {
		return control.Response{}, err
	}
	return a.direct(ctx, req)
}

// direct runs one request against a short-lived engine.
func (a *app) direct(ctx context.Context, req control.Request) (control.Response, error) {
	var resp control.Response
	err := a.exclusive(func(st *stack) error {
		if res, err := st.engine.Recover(ctx); err != nil {
			slog.Warn("session recovery failed", "error", err)
		} else {
			slog.Debug("session recovery", "result", res.String())
		}
		resp = control.Dispatch(st.engine)(ctx, req)
		return nil
	})
	return resp, err
}

// exclusive opens the store while holding the PID lock, so no daemon can
// start mid-write. It fails when a daemon already holds the lock.
func (a *app) exclusive(fn func(st *stack) error) error {
	dd := a.paths()
	if alive, pid := checkStalePID(dd); alive {
		if c, err := control.Dial(control.Address(dd)); err == nil {
			c.Close()
			return fmt.Errorf("daemon (pid %d) is running; stop it first", pid)
		}
		return fmt.Errorf("daemon (pid %d) is not answering on %s", pid, control.Address(dd))
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	restoreLog, err := a.setupLogging(cfg, nil)
	if err != nil {
		return err
	}
	defer restoreLog()

	token := pidToken()
	pidFile, err := writePID(dd, token)
	if err != nil {
		return err
	}
	defer removePID(dd, token, pidFile)

	st, err := openStack(cfg, dd, a.workdir, a.now)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// simple sends req and prints the response notice.
func (a *app) simple(cmd *cobra.Command, req control.Request) error {
	resp, err := a.send(cmdContext(cmd), req)
	if err != nil {
		return err
	}
	return renderResponse(a.out, resp)
}

// ///////////////////////////////////////////////
// Session Commands
// ///////////////////////////////////////////////

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a session for the current workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simple(cmd, control.Request{Cmd: control.CmdStart})
		},
	}
}

func newStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the open session and log it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simple(cmd, control.Request{Cmd: control.CmdStop})
		},
	}
}

func newCommentCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <text>...",
		Short: "Attach a comment to the open session",
		Long:  "Attach a comment to the open session, replacing any previous comment.\nArguments are joined with spaces.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.simple(cmd, control.Request{Cmd: control.CmdComment, Text: strings.Join(args, " ")})
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the open session without logging it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simple(cmd, control.Request{Cmd: control.CmdReset})
		},
	}
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Record activity now",
		Long:  "Record activity now. Useful from editor hooks or shell prompts for work\nthat does not touch watched files.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simple(cmd, control.Request{Cmd: control.CmdPing})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the open session and today's total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.send(cmdContext(cmd), control.Request{Cmd: control.CmdStatus})
			if err != nil {
				return err
			}
			if !resp.OK || resp.Status == nil {
				return renderResponse(a.out, resp)
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Status)
			}
			renderStatus(a.out, *resp.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}
