// Package model defines the data types shared by the tracker, the
// aggregation cache, the persistence slots, and the export formats.
//
// A [TimeEntry] is open while it sits in the current-session slot and closed
// (finalized) once it has an end time and a duration. Only closed entries
// are appended to the entry log.
package model

import (
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar-day format used for [TimeEntry.Date].
const DateLayout = "2006-01-02"

// MonthLayout is the year-month format used for month filters and reports.
const MonthLayout = "2006-01"

// MetadataVersion is the schema version written into new [TrackerMetadata].
const MetadataVersion = 1

// ///////////////////////////////////////////////
// TimeEntry
// ///////////////////////////////////////////////

// TimeEntry is one tracked interval.
type TimeEntry struct {
	// ID is a UUIDv7 string; lexical order follows creation order.
	ID string `json:"id" yaml:"id"`
	// EnvironmentID references the workspace or remote context.
	EnvironmentID string `json:"environmentId" yaml:"environmentId"`
	// Date is the calendar day the session started (YYYY-MM-DD).
	Date      string     `json:"date" yaml:"date"`
	StartTime time.Time  `json:"startTime" yaml:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	// DurationMs is EndTime - StartTime in milliseconds; nil while running.
	DurationMs *int64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	// CheckpointMs is the running duration captured by the last auto-save
	// checkpoint. Only meaningful while the entry is open.
	CheckpointMs *int64   `json:"checkpointMs,omitempty" yaml:"checkpointMs,omitempty"`
	Project      string   `json:"project" yaml:"project"`
	Workspace    string   `json:"workspace" yaml:"workspace"`
	Comment      string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	GitCommits   []string `json:"gitCommits,omitempty" yaml:"gitCommits,omitempty"`
}

// Finalized reports whether the entry has been closed.
func (e *TimeEntry) Finalized() bool {
	return e.EndTime != nil && e.DurationMs != nil
}

// Duration returns the finalized duration, or zero for an open entry.
func (e *TimeEntry) Duration() time.Duration {
	if e.DurationMs == nil {
		return 0
	}
	return time.Duration(*e.DurationMs) * time.Millisecond
}

// Finalize closes the entry at end. An end before the start is clamped to
// the start so durations are never negative. The checkpoint is dropped.
func (e *TimeEntry) Finalize(end time.Time) {
	if end.Before(e.StartTime) {
		end = e.StartTime
	}
	ms := end.Sub(e.StartTime).Milliseconds()
	e.EndTime = &end
	e.DurationMs = &ms
	e.CheckpointMs = nil
}

// Month returns the YYYY-MM prefix of Date.
func (e *TimeEntry) Month() string {
	if len(e.Date) < len(MonthLayout) {
		return ""
	}
	return e.Date[:len(MonthLayout)]
}

// Clone returns a deep copy so callers can mutate without aliasing the
// engine's in-memory session.
func (e *TimeEntry) Clone() *TimeEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	if e.CheckpointMs != nil {
		d := *e.CheckpointMs
		c.CheckpointMs = &d
	}
	if e.GitCommits != nil {
		c.GitCommits = append([]string(nil), e.GitCommits...)
	}
	return &c
}

// ///////////////////////////////////////////////
// SessionState
// ///////////////////////////////////////////////

// SessionState is the process-lifetime view of tracking status.
type SessionState struct {
	IsTracking     bool       `json:"isTracking"`
	CurrentSession *TimeEntry `json:"currentSession,omitempty"`
	LastActivity   time.Time  `json:"lastActivity"`
}

// ///////////////////////////////////////////////
// TrackerMetadata
// ///////////////////////////////////////////////

// TrackerMetadata is the derived aggregate cache. It can always be rebuilt
// from the entry log.
type TrackerMetadata struct {
	Version           int       `json:"version" yaml:"version"`
	TotalTrackedMs    int64     `json:"totalTrackedMs" yaml:"totalTrackedMs"`
	ProjectCount      int       `json:"projectCount" yaml:"projectCount"`
	LastSaved         time.Time `json:"lastSaved" yaml:"lastSaved"`
	FirstTrackingDate string    `json:"firstTrackingDate,omitempty" yaml:"firstTrackingDate,omitempty"`
}

// NewMetadata returns zeroed metadata stamped with now.
func NewMetadata(now time.Time) *TrackerMetadata {
	return &TrackerMetadata{Version: MetadataVersion, LastSaved: now}
}

// ///////////////////////////////////////////////
// Reports
// ///////////////////////////////////////////////

// ProjectReport is one project's row in a [MonthlyReport].
type ProjectReport struct {
	Project  string  `json:"project"`
	Hours    float64 `json:"hours"`
	Sessions int     `json:"sessions"`
}

// MonthlyReport groups a month's finalized entries by project.
type MonthlyReport struct {
	Month         string          `json:"month"`
	TotalHours    float64         `json:"totalHours"`
	TotalSessions int             `json:"totalSessions"`
	Projects      []ProjectReport `json:"projects"`
}

// Statistics combines the metadata cache with current and previous month
// reports.
type Statistics struct {
	TotalTrackedMs    int64         `json:"totalTrackedMs"`
	TotalHours        float64       `json:"totalHours"`
	ProjectCount      int           `json:"projectCount"`
	FirstTrackingDate string        `json:"firstTrackingDate,omitempty"`
	LastSaved         time.Time     `json:"lastSaved"`
	CurrentMonth      MonthlyReport `json:"currentMonth"`
	PreviousMonth     MonthlyReport `json:"previousMonth"`
}

// MsPerHour converts milliseconds to hours.
const MsPerHour = 3_600_000

// RoundHours rounds an hour value to two decimal places for presentation.
func RoundHours(h float64) float64 {
	return math.Round(h*100) / 100
}

// MsToHours converts milliseconds to hours without rounding.
func MsToHours(ms int64) float64 {
	return float64(ms) / MsPerHour
}

// FormatDuration renders d as "1h 05m" or "12m 30s" for notices.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}
