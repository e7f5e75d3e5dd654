package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	worktime "tools.zach/dev/worktime"
	"tools.zach/dev/worktime/internal/config"
	"tools.zach/dev/worktime/internal/logger"
	"tools.zach/dev/worktime/internal/paths"
)

// app carries the state shared by every subcommand.
type app struct {
	dataDir string
	out     io.Writer
	now     func() time.Time
	// cwd overrides the working directory used for workspace resolution.
	cwd string
}

func newApp() *app {
	return &app{out: os.Stdout, now: time.Now}
}

func (a *app) paths() paths.DataDir { return paths.DataDir{Root: a.dataDir} }

func (a *app) workdir() string {
	if a.cwd != "" {
		return a.cwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// loadConfig creates the data directory, writes the annotated default config
// on first run, and loads it.
func (a *app) loadConfig() (*config.Config, error) {
	dd := a.paths()
	if err := os.MkdirAll(dd.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if _, err := os.Stat(dd.Config()); errors.Is(err, os.ErrNotExist) {
		if writeErr := os.WriteFile(dd.Config(), worktime.DefaultConfigTOML, 0o644); writeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", writeErr)
		}
	}
	cfg, err := config.Load(dd.Root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging points the default slog logger at the rotating log file.
// console, when non-nil, receives a copy of every line.
func (a *app) setupLogging(cfg *config.Config, console io.Writer) (func(), error) {
	log, closer, err := logger.NewLogger(logger.Options{
		Path:      a.paths().Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Console:   console,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	prev := slog.Default()
	slog.SetDefault(log)
	return func() {
		slog.SetDefault(prev)
		closer.Close()
	}, nil
}

// ///////////////////////////////////////////////
// Root Command
// ///////////////////////////////////////////////

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           paths.BinaryName,
		Short:         "Track working time from workspace activity",
		Version:       resolveVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", defaultDataDir(), "Data directory for config, sessions, and logs")

	root.AddGroup(
		&cobra.Group{ID: "session", Title: "Session Commands:"},
		&cobra.Group{ID: "report", Title: "Report Commands:"},
	)
	for _, c := range []*cobra.Command{
		newRunCmd(a),
		newStartCmd(a),
		newStopCmd(a),
		newCommentCmd(a),
		newResetCmd(a),
		newPingCmd(a),
		newStatusCmd(a),
	} {
		c.GroupID = "session"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		newReportCmd(a),
		newStatsCmd(a),
		newListCmd(a),
		newExportCmd(a),
	} {
		c.GroupID = "report"
		root.AddCommand(c)
	}
	root.AddCommand(
		newRebuildCmd(a),
		newClearCmd(a),
		newLogsCmd(a),
		newVersionCmd(a),
	)
	return root
}

// cmdContext returns the command's context, or Background when run outside
// Execute.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
