// Package export writes the entry log as CSV for spreadsheets and as raw
// JSON or YAML for backups.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"tools.zach/dev/worktime/internal/aggregate"
	"tools.zach/dev/worktime/internal/atomicfile"
	"tools.zach/dev/worktime/internal/model"
)

// Header is the CSV column row.
var Header = []string{"Date", "Start Time", "End Time", "Duration (min)", "Project", "Workspace", "Comment"}

// TimeLayout formats start and end times in CSV rows.
const TimeLayout = "15:04:05"

// Raw export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ///////////////////////////////////////////////
// CSV
// ///////////////////////////////////////////////

// WriteCSV writes one row per finalized entry, sorted by start time, then a
// summary block with totals and per-project hours. Times are rendered in
// loc; nil means local time. label names the period in the summary.
func WriteCSV(w io.Writer, label string, entries []model.TimeEntry, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	rows := make([]model.TimeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Finalized() {
			rows = append(rows, e)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].StartTime.Before(rows[j].StartTime) })

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range rows {
		minutes := float64(*e.DurationMs) / float64(time.Minute.Milliseconds())
		rec := []string{
			e.Date,
			e.StartTime.In(loc).Format(TimeLayout),
			e.EndTime.In(loc).Format(TimeLayout),
			strconv.FormatFloat(minutes, 'f', 2, 64),
			e.Project,
			e.Workspace,
			e.Comment,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", e.ID, err)
		}
	}

	report := aggregate.BuildMonthlyReport(label, rows)
	summary := [][]string{
		{},
		{"Summary", label},
		{"Total Hours", strconv.FormatFloat(report.TotalHours, 'f', 2, 64)},
		{"Total Sessions", strconv.Itoa(report.TotalSessions)},
		{},
		{"Project", "Hours", "Sessions"},
	}
	for _, p := range report.Projects {
		summary = append(summary, []string{p.Project, strconv.FormatFloat(p.Hours, 'f', 2, 64), strconv.Itoa(p.Sessions)})
	}
	if err := cw.WriteAll(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Raw
// ///////////////////////////////////////////////

// Raw is the full-fidelity backup document.
type Raw struct {
	ExportedAt time.Time              `json:"exportedAt" yaml:"exportedAt"`
	Metadata   *model.TrackerMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Entries    []model.TimeEntry      `json:"entries" yaml:"entries"`
}

// WriteRaw encodes doc as JSON or YAML.
func WriteRaw(w io.Writer, doc Raw, format string) error {
	if doc.Entries == nil {
		doc.Entries = []model.TimeEntry{}
	}
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown raw format %q", format)
	}
}

// ReadRaw decodes a raw export in either format.
func ReadRaw(r io.Reader, format string) (Raw, error) {
	var doc Raw
	switch format {
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return doc, fmt.Errorf("decode json: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return doc, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return doc, fmt.Errorf("unknown raw format %q", format)
	}
	return doc, nil
}

// ///////////////////////////////////////////////
// Files
// ///////////////////////////////////////////////

// FileName returns the default export file name for kind ("csv", "json",
// "yaml") and an optional period label.
func FileName(kind, label string, now time.Time) string {
	if label == "" {
		label = now.Format("2006-01-02")
	}
	return fmt.Sprintf("worktime-%s.%s", label, kind)
}

// WriteFile renders with fn into memory and writes the result to path
// atomically, creating the parent directory.
func WriteFile(path string, fn func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}
