package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"tools.zach/dev/worktime/internal/control"
	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/tracker"
)

// ///////////////////////////////////////////////
// Styles
// ///////////////////////////////////////////////

// Colors using AdaptiveColor for light/dark terminal support.
var (
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "30", Dark: "45"}
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorDim).Width(16)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	trackingDot  = lipgloss.NewStyle().Foreground(colorGreen).Bold(true).Render("●")
	idleDot      = lipgloss.NewStyle().Foreground(colorDim).Render("○")
	noticeStyle  = lipgloss.NewStyle().Foreground(colorCyan)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableNumberStyle = tableCellStyle.Align(lipgloss.Right)
)

// ///////////////////////////////////////////////
// Formatting Helpers
// ///////////////////////////////////////////////

func hours(h float64) string { return strconv.FormatFloat(h, 'f', 2, 64) }

func msDuration(ms int64) string {
	return model.FormatDuration(time.Duration(ms) * time.Millisecond)
}

// newTable returns a table with the shared look. numeric marks columns that
// are right-aligned.
func newTable(headers []string, numeric ...int) *table.Table {
	isNum := make(map[int]bool, len(numeric))
	for _, c := range numeric {
		isNum[c] = true
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case isNum[col]:
				return tableNumberStyle
			default:
				return tableCellStyle
			}
		})
}

func row(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label)+value)
}

// ///////////////////////////////////////////////
// Renderers
// ///////////////////////////////////////////////

// renderStatus prints the engine status.
func renderStatus(w io.Writer, st tracker.Status) {
	if !st.IsTracking || st.CurrentSession == nil {
		fmt.Fprintln(w, idleDot+" "+titleStyle.Render("Not tracking"))
		row(w, "Today", msDuration(st.TodayMs))
		return
	}
	cur := st.CurrentSession
	fmt.Fprintln(w, trackingDot+" "+titleStyle.Render("Tracking "+cur.Project))
	if cur.Workspace != "" && cur.Workspace != cur.Project {
		row(w, "Workspace", cur.Workspace)
	}
	row(w, "Started", cur.StartTime.Local().Format("15:04:05"))
	row(w, "Elapsed", msDuration(st.ElapsedMs))
	row(w, "Today", msDuration(st.TodayMs))
	if cur.Comment != "" {
		row(w, "Comment", cur.Comment)
	}
	if st.Idle.IdleThresholdMs > 0 {
		idle := msDuration(st.Idle.IdleTimeMs) + dimStyle.Render(" of "+msDuration(st.Idle.IdleThresholdMs))
		if st.Idle.IsIdle {
			idle = warningStyle.Render(msDuration(st.Idle.IdleTimeMs) + " (idle)")
		}
		row(w, "Idle", idle)
	}
	if cur.EnvironmentID != "" {
		row(w, "Environment", dimStyle.Render(cur.EnvironmentID))
	}
}

// renderReport prints a monthly report with a per-project table.
func renderReport(w io.Writer, r model.MonthlyReport) {
	fmt.Fprintln(w, titleStyle.Render("Report "+r.Month))
	row(w, "Total hours", hours(r.TotalHours))
	row(w, "Sessions", strconv.Itoa(r.TotalSessions))
	if len(r.Projects) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No finalized sessions."))
		return
	}
	t := newTable([]string{"Project", "Hours", "Sessions"}, 1, 2)
	for _, p := range r.Projects {
		t.Row(p.Project, hours(p.Hours), strconv.Itoa(p.Sessions))
	}
	fmt.Fprintln(w, t.Render())
}

// renderStats prints overall statistics.
func renderStats(w io.Writer, s model.Statistics) {
	fmt.Fprintln(w, titleStyle.Render("Statistics"))
	row(w, "Total hours", hours(s.TotalHours))
	row(w, "Projects", strconv.Itoa(s.ProjectCount))
	first := s.FirstTrackingDate
	if first == "" {
		first = dimStyle.Render("never")
	}
	row(w, "Tracking since", first)
	for _, r := range []model.MonthlyReport{s.CurrentMonth, s.PreviousMonth} {
		row(w, r.Month, fmt.Sprintf("%s h in %d sessions", hours(r.TotalHours), r.TotalSessions))
	}
}

// renderEntries prints finalized entries as a table in loc.
func renderEntries(w io.Writer, entries []model.TimeEntry, loc *time.Location) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No entries."))
		return
	}
	t := newTable([]string{"Date", "Start", "End", "Duration", "Project", "Comment"}, 3)
	var total int64
	for _, e := range entries {
		end := "…"
		dur := dimStyle.Render("open")
		if e.Finalized() {
			end = e.EndTime.In(loc).Format("15:04")
			dur = msDuration(*e.DurationMs)
			total += *e.DurationMs
		}
		t.Row(e.Date, e.StartTime.In(loc).Format("15:04"), end, dur, e.Project, truncate(e.Comment, 40))
	}
	fmt.Fprintln(w, t.Render())
	row(w, "Total", msDuration(total))
}

// renderResponse prints a control response. It returns an error for a
// failed command.
func renderResponse(w io.Writer, resp control.Response) error {
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if resp.Notice != "" {
		fmt.Fprintln(w, noticeStyle.Render(resp.Notice))
	}
	if resp.Error != "" {
		fmt.Fprintln(w, warningStyle.Render("warning: "+resp.Error))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
