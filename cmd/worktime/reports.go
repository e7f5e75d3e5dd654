package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/worktime/internal/export"
	"tools.zach/dev/worktime/internal/logger"
	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/paths"
	"tools.zach/dev/worktime/internal/update"
)

// ///////////////////////////////////////////////
// Read Access
// ///////////////////////////////////////////////

// reader opens the store for queries. It takes no lock; writers replace
// slots atomically.
func (a *app) reader(fn func(st *stack) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStack(cfg, a.paths(), a.workdir, a.now)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// monthArg validates a YYYY-MM flag, defaulting to def.
func monthArg(v, def string) (string, error) {
	if v == "" {
		return def, nil
	}
	if _, err := time.Parse(model.MonthLayout, v); err != nil {
		return "", fmt.Errorf("invalid month %q: want YYYY-MM", v)
	}
	return v, nil
}

// ///////////////////////////////////////////////
// Report Commands
// ///////////////////////////////////////////////

func newReportCmd(a *app) *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show hours per project for a month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reader(func(st *stack) error {
				ym, err := monthArg(month, st.cache.CurrentMonth())
				if err != nil {
					return err
				}
				r, err := st.cache.MonthlyReport(cmdContext(cmd), ym)
				if err != nil {
					return err
				}
				renderReport(a.out, r)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&month, "month", "m", "", "Month as YYYY-MM (default current month)")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show overall totals and the last two months",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reader(func(st *stack) error {
				s, err := st.cache.Statistics(cmdContext(cmd))
				if err != nil {
					return err
				}
				renderStats(a.out, s)
				return nil
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var month, project, day string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List logged sessions",
		Long:  "List logged sessions for a month (default the current month), a day, or a project.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reader(func(st *stack) error {
				ctx := cmdContext(cmd)
				var entries []model.TimeEntry
				var err error
				switch {
				case project != "":
					entries, err = st.cache.EntriesForProject(ctx, project)
				case day != "":
					if _, perr := time.Parse(model.DateLayout, day); perr != nil {
						return fmt.Errorf("invalid day %q: want YYYY-MM-DD", day)
					}
					entries, err = st.cache.EntriesForDay(ctx, day)
				default:
					var ym string
					if ym, err = monthArg(month, st.cache.CurrentMonth()); err != nil {
						return err
					}
					entries, err = st.cache.EntriesForMonth(ctx, ym)
				}
				if err != nil {
					return err
				}
				renderEntries(a.out, entries, time.Local)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&month, "month", "m", "", "Month as YYYY-MM")
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name")
	cmd.Flags().StringVarP(&day, "day", "d", "", "Day as YYYY-MM-DD")
	cmd.MarkFlagsMutuallyExclusive("month", "project", "day")
	return cmd
}

// ///////////////////////////////////////////////
// Export
// ///////////////////////////////////////////////

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions to CSV, JSON, or YAML",
	}
	cmd.AddCommand(newExportCSVCmd(a), newExportRawCmd(a))
	return cmd
}

// writeExport writes through fn to out, to stdout for "-", or to the
// default file under the exports directory when out is empty.
func (a *app) writeExport(out, defName string, fn func(w io.Writer) error) error {
	switch out {
	case "-":
		bw := bufio.NewWriter(a.out)
		if err := fn(bw); err != nil {
			return err
		}
		return bw.Flush()
	case "":
		out = filepath.Join(a.paths().Exports(), defName)
	}
	if err := export.WriteFile(out, fn); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintln(a.out, noticeStyle.Render("Exported to "+out))
	return nil
}

func newExportCSVCmd(a *app) *cobra.Command {
	var month, out string
	cmd := &cobra.Command{
		Use:   "csv",
		Short: "Export a month of sessions as CSV with a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reader(func(st *stack) error {
				ym, err := monthArg(month, st.cache.CurrentMonth())
				if err != nil {
					return err
				}
				entries, err := st.cache.EntriesForMonth(cmdContext(cmd), ym)
				if err != nil {
					return err
				}
				return a.writeExport(out, export.FileName("csv", ym, a.now()), func(w io.Writer) error {
					return export.WriteCSV(w, ym, entries, time.Local)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&month, "month", "m", "", "Month as YYYY-MM (default current month)")
	cmd.Flags().StringVarP(&out, "output", "o", "", `Output file, "-" for stdout (default under the data dir)`)
	return cmd
}

func newExportRawCmd(a *app) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "raw",
		Short: "Export every session and the metadata for backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != export.FormatJSON && format != export.FormatYAML {
				return fmt.Errorf("unknown format %q: want json or yaml", format)
			}
			return a.reader(func(st *stack) error {
				ctx := cmdContext(cmd)
				entries, err := st.cache.AllEntries(ctx)
				if err != nil {
					return err
				}
				md, err := st.cache.Metadata(ctx)
				if err != nil {
					return err
				}
				doc := export.Raw{ExportedAt: a.now().UTC(), Metadata: md, Entries: entries}
				return a.writeExport(out, export.FileName(format, "", a.now()), func(w io.Writer) error {
					return export.WriteRaw(w, doc, format)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatJSON, "Format: json or yaml")
	cmd.Flags().StringVarP(&out, "output", "o", "", `Output file, "-" for stdout (default under the data dir)`)
	return cmd
}

// ///////////////////////////////////////////////
// Maintenance
// ///////////////////////////////////////////////

func newRebuildCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the metadata cache from the session log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.exclusive(func(st *stack) error {
				ctx := cmdContext(cmd)
				drift, err := st.cache.Verify(ctx)
				if err != nil {
					return err
				}
				if drift == nil {
					fmt.Fprintln(a.out, noticeStyle.Render("Metadata matches the log"))
				} else {
					fmt.Fprintln(a.out, warningStyle.Render("Metadata drift: "+drift.String()))
				}
				if check {
					if drift != nil {
						return fmt.Errorf("metadata out of date")
					}
					return nil
				}
				md, err := st.cache.Rebuild(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Rebuilt: %s h across %d projects\n",
					hours(model.RoundHours(model.MsToHours(md.TotalTrackedMs))), md.ProjectCount)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only compare; fail when the cache is out of date")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every logged session and the open session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("this deletes all tracking data; pass --yes to confirm")
			}
			return a.exclusive(func(st *stack) error {
				if err := st.cache.ClearAllData(cmdContext(cmd)); err != nil {
					return err
				}
				fmt.Fprintln(a.out, noticeStyle.Render("All tracking data cleared"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lines < 1 {
				return fmt.Errorf("--lines must be positive")
			}
			tail, err := logger.ReadTail(a.paths().Log(), lines)
			if os.IsNotExist(err) {
				fmt.Fprintln(a.out, dimStyle.Render("No log yet."))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, tail)
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ver := resolveVersion()
			fmt.Fprintln(a.out, paths.BinaryName+" "+ver)
			if !check {
				return nil
			}
			url := update.ManifestURL()
			if url == "" {
				fmt.Fprintln(a.out, dimStyle.Render("Update check unavailable in this build"))
				return nil
			}
			if latest, newer := update.NewChecker(url).Check(cmdContext(cmd), ver); newer {
				fmt.Fprintln(a.out, warningStyle.Render("New version available: "+latest))
			} else {
				fmt.Fprintln(a.out, dimStyle.Render("Up to date"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check for a newer release")
	return cmd
}
