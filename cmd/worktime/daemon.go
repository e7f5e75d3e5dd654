package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"tools.zach/dev/worktime/internal/activity"
	"tools.zach/dev/worktime/internal/control"
	"tools.zach/dev/worktime/internal/update"
)

func newRunCmd(a *app) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracking daemon in the foreground",
		Long: "Run the tracking daemon. It watches the configured directories for edits,\n" +
			"records activity, closes idle sessions, and serves the session commands.\n" +
			"Stop it with Ctrl+C or SIGTERM; an open session is recovered on the next run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := notifyContext(cmdContext(cmd))
			defer stop()
			var w io.Writer
			if console {
				w = cmd.ErrOrStderr()
			}
			return a.runDaemon(ctx, w)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Mirror log lines to stderr")
	return cmd
}

// runDaemon runs until ctx is cancelled. console, when non-nil, receives a
// copy of the log.
func (a *app) runDaemon(ctx context.Context, console io.Writer) error {
	dd := a.paths()
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if alive, pid := checkStalePID(dd); alive {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	restoreLog, err := a.setupLogging(cfg, console)
	if err != nil {
		return err
	}
	defer restoreLog()

	ver := resolveVersion()
	slog.Info("worktime starting", "version", ver, "data_dir", dd.Root, "backend", cfg.Storage.Backend)

	token := pidToken()
	pidFile, err := writePID(dd, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		return err
	}
	defer removePID(dd, token, pidFile)

	roots := cfg.WatchRoots(a.workdir())
	mon, err := activity.NewMonitor(activity.Options{
		Roots:        roots,
		Ignore:       cfg.Activity.Ignore,
		PollInterval: cfg.ActivityPollInterval(),
		ForcePolling: cfg.Activity.ForcePolling,
		Exclude:      []string{dd.Root, dd.Log()},
	})
	if err != nil {
		slog.Error("failed to start activity monitor", "error", err)
		return err
	}
	defer mon.Close()
	if mon.Polling() {
		slog.Info("using polling mode for activity monitoring")
	}

	// Sessions take the identity of the root that last saw edits.
	sessionDir := func() string {
		if r := mon.LastRoot(); r != "" {
			return r
		}
		return roots[0]
	}
	st, err := openStack(cfg, dd, sessionDir, a.now)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return err
	}
	defer st.Close()

	res, err := st.engine.Recover(ctx)
	if err != nil {
		slog.Warn("session recovery failed", "error", err)
	} else {
		slog.Info("session recovery", "result", res.String())
	}

	if cfg.Update.Check {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("update check panic", "error", r)
				}
			}()
			update.NewChecker(update.ManifestURL()).Check(ctx, ver)
		}()
	}

	srv, err := control.Listen(control.Address(dd), daemonHandler(st, mon))
	if err != nil {
		slog.Error("failed to listen", "addr", control.Address(dd), "error", err)
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			slog.Error("control server stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		st.engine.Run(ctx)
	}()
	slog.Info("daemon ready", "addr", srv.Addr(), "watch", roots)

	a.activityLoop(ctx, st, mon)

	slog.Info("daemon shutting down")
	srv.Close()
	wg.Wait()
	return nil
}

// activityLoop feeds monitor signals to the engine until ctx is done.
func (a *app) activityLoop(ctx context.Context, st *stack, mon *activity.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-mon.Events():
			if err := st.engine.RecordActivity(ctx); err != nil {
				slog.Warn("record activity failed", "error", err)
			}
		}
	}
}

// daemonHandler routes pings through the monitor so they are coalesced with
// file events. Everything else goes straight to the engine.
func daemonHandler(st *stack, mon *activity.Monitor) control.Handler {
	dispatch := control.Dispatch(st.engine)
	return func(ctx context.Context, req control.Request) control.Response {
		if req.Cmd == control.CmdPing {
			mon.Ping()
			return control.Response{OK: true}
		}
		return dispatch(ctx, req)
	}
}
