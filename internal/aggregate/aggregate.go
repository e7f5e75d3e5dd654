// Package aggregate answers report queries over the entry log and keeps the
// metadata cache consistent with it.
//
// Running totals in [model.TrackerMetadata] are updated incrementally by
// [Cache.Commit] so statistics never need a full scan. The metadata is
// derived data: when an update fails or drifts, [Cache.Rebuild] recomputes it
// from the log.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"tools.zach/dev/worktime/internal/model"
	"tools.zach/dev/worktime/internal/store"
)

// Cache is safe for concurrent use.
type Cache struct {
	slots *store.Slots
	now   func() time.Time

	mu    sync.Mutex
	dirty bool
}

// New returns a cache over slots. now defaults to time.Now.
func New(slots *store.Slots, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{slots: slots, now: now}
}

// ///////////////////////////////////////////////
// Queries
// ///////////////////////////////////////////////

// AllEntries returns the full log, including entries without a duration.
func (c *Cache) AllEntries(ctx context.Context) ([]model.TimeEntry, error) {
	return c.slots.Entries(ctx)
}

func (c *Cache) filter(ctx context.Context, keep func(*model.TimeEntry) bool) ([]model.TimeEntry, error) {
	all, err := c.slots.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.TimeEntry
	for i := range all {
		if keep(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// EntriesForMonth returns entries whose date falls in yearMonth (YYYY-MM).
func (c *Cache) EntriesForMonth(ctx context.Context, yearMonth string) ([]model.TimeEntry, error) {
	return c.filter(ctx, func(e *model.TimeEntry) bool { return e.Month() == yearMonth })
}

// EntriesForProject returns entries for the named project.
func (c *Cache) EntriesForProject(ctx context.Context, project string) ([]model.TimeEntry, error) {
	return c.filter(ctx, func(e *model.TimeEntry) bool { return e.Project == project })
}

// EntriesForDay returns entries dated day (YYYY-MM-DD).
func (c *Cache) EntriesForDay(ctx context.Context, day string) ([]model.TimeEntry, error) {
	return c.filter(ctx, func(e *model.TimeEntry) bool { return e.Date == day })
}

// HasEntry reports whether an entry with id is already in the log.
func (c *Cache) HasEntry(ctx context.Context, id string) (bool, error) {
	all, err := c.slots.Entries(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(all, func(e model.TimeEntry) bool { return e.ID == id }), nil
}

// DistinctProjects returns the sorted set of project names in the log.
func (c *Cache) DistinctProjects(ctx context.Context) ([]string, error) {
	all, err := c.slots.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return distinctProjects(all), nil
}

func distinctProjects(entries []model.TimeEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		seen[entries[i].Project] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CurrentMonth returns the current calendar month as YYYY-MM.
func (c *Cache) CurrentMonth() string {
	return c.now().Format(model.MonthLayout)
}

// PreviousMonth returns the calendar month before the current one.
func (c *Cache) PreviousMonth() string {
	n := c.now()
	first := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, n.Location())
	return first.AddDate(0, -1, 0).Format(model.MonthLayout)
}

// MonthlyReport groups yearMonth's finalized entries by project. An empty
// yearMonth means the current month. Entries without a duration are
// excluded. Hours are rounded to two decimals only in the result.
func (c *Cache) MonthlyReport(ctx context.Context, yearMonth string) (model.MonthlyReport, error) {
	if yearMonth == "" {
		yearMonth = c.CurrentMonth()
	}
	entries, err := c.EntriesForMonth(ctx, yearMonth)
	if err != nil {
		return model.MonthlyReport{}, err
	}
	return BuildMonthlyReport(yearMonth, entries), nil
}

// BuildMonthlyReport is the pure grouping behind [Cache.MonthlyReport].
func BuildMonthlyReport(yearMonth string, entries []model.TimeEntry) model.MonthlyReport {
	type acc struct {
		ms       int64
		sessions int
	}
	byProject := make(map[string]*acc)
	var totalMs int64
	var sessions int
	for i := range entries {
		e := &entries[i]
		if e.DurationMs == nil {
			continue
		}
		a := byProject[e.Project]
		if a == nil {
			a = &acc{}
			byProject[e.Project] = a
		}
		a.ms += *e.DurationMs
		a.sessions++
		totalMs += *e.DurationMs
		sessions++
	}

	r := model.MonthlyReport{
		Month:         yearMonth,
		TotalHours:    model.RoundHours(model.MsToHours(totalMs)),
		TotalSessions: sessions,
		Projects:      make([]model.ProjectReport, 0, len(byProject)),
	}
	for name, a := range byProject {
		r.Projects = append(r.Projects, model.ProjectReport{
			Project:  name,
			Hours:    model.RoundHours(model.MsToHours(a.ms)),
			Sessions: a.sessions,
		})
	}
	sort.Slice(r.Projects, func(i, j int) bool {
		if r.Projects[i].Hours != r.Projects[j].Hours {
			return r.Projects[i].Hours > r.Projects[j].Hours
		}
		return r.Projects[i].Project < r.Projects[j].Project
	})
	return r
}

// Metadata returns the cached aggregates, rebuilding first when a previous
// update left them stale. Absent metadata is returned zeroed, not written.
func (c *Cache) Metadata(ctx context.Context) (*model.TrackerMetadata, error) {
	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()
	if dirty {
		if md, err := c.Rebuild(ctx); err == nil {
			return md, nil
		}
	}
	md, err := c.slots.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md == nil {
		md = model.NewMetadata(c.now())
	}
	return md, nil
}

// Statistics combines the metadata cache with the current and previous
// month reports.
func (c *Cache) Statistics(ctx context.Context) (model.Statistics, error) {
	md, err := c.Metadata(ctx)
	if err != nil {
		return model.Statistics{}, err
	}
	cur, err := c.MonthlyReport(ctx, c.CurrentMonth())
	if err != nil {
		return model.Statistics{}, err
	}
	prev, err := c.MonthlyReport(ctx, c.PreviousMonth())
	if err != nil {
		return model.Statistics{}, err
	}
	return model.Statistics{
		TotalTrackedMs:    md.TotalTrackedMs,
		TotalHours:        model.RoundHours(model.MsToHours(md.TotalTrackedMs)),
		ProjectCount:      md.ProjectCount,
		FirstTrackingDate: md.FirstTrackingDate,
		LastSaved:         md.LastSaved,
		CurrentMonth:      cur,
		PreviousMonth:     prev,
	}, nil
}

// ///////////////////////////////////////////////
// Writes
// ///////////////////////////////////////////////

// ErrMetadataStale reports that the log append succeeded but the metadata
// update did not. The cache is marked for rebuild.
var ErrMetadataStale = errors.New("metadata cache stale")

// Commit appends a finalized entry to the log and updates the metadata
// incrementally. committed reports whether the log append is durable; when
// it is true and err is non-nil, err wraps [ErrMetadataStale]. An entry whose
// id is already in the log is not appended again.
func (c *Cache) Commit(ctx context.Context, e model.TimeEntry) (committed bool, err error) {
	if !e.Finalized() {
		return false, fmt.Errorf("commit entry %s: not finalized", e.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.slots.Entries(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: read entries: %w", store.ErrPersistence, err)
	}
	if slices.ContainsFunc(entries, func(x model.TimeEntry) bool { return x.ID == e.ID }) {
		slog.Warn("entry already in log, skipping append", "id", e.ID)
		return true, nil
	}
	entries = append(entries, e)
	if err := c.slots.SaveEntries(ctx, entries); err != nil {
		return false, err
	}

	// Totals from before a corrupted log was reset no longer describe it.
	if c.slots.TakeRecovered(store.KeyEntries) {
		slog.Error("entry log was corrupted and reset, rebuilding metadata", "entries", len(entries))
		c.dirty = true
		if _, err := c.rebuildLocked(ctx); err != nil {
			return true, fmt.Errorf("%w: %w", ErrMetadataStale, err)
		}
		return true, nil
	}

	if err := c.updateMetadata(ctx, entries, e); err != nil {
		c.dirty = true
		slog.Warn("metadata update failed, rebuilding", "error", err)
		if _, rErr := c.rebuildLocked(ctx); rErr != nil {
			return true, fmt.Errorf("%w: %w", ErrMetadataStale, err)
		}
	}
	return true, nil
}

// updateMetadata applies one new entry to the cached totals. entries is the
// log including e.
func (c *Cache) updateMetadata(ctx context.Context, entries []model.TimeEntry, e model.TimeEntry) error {
	md, err := c.slots.Metadata(ctx)
	if err != nil {
		return err
	}
	if md == nil {
		md = model.NewMetadata(c.now())
	}
	if e.DurationMs != nil {
		md.TotalTrackedMs += *e.DurationMs
	}
	md.ProjectCount = len(distinctProjects(entries))
	if e.Date != "" && (md.FirstTrackingDate == "" || e.Date < md.FirstTrackingDate) {
		md.FirstTrackingDate = e.Date
	}
	md.LastSaved = c.now()
	return c.slots.SaveMetadata(ctx, md)
}

// ///////////////////////////////////////////////
// Repair
// ///////////////////////////////////////////////

// Compute derives metadata from entries.
func Compute(entries []model.TimeEntry, now time.Time) *model.TrackerMetadata {
	md := model.NewMetadata(now)
	for i := range entries {
		e := &entries[i]
		if e.DurationMs != nil {
			md.TotalTrackedMs += *e.DurationMs
		}
		if e.Date != "" && (md.FirstTrackingDate == "" || e.Date < md.FirstTrackingDate) {
			md.FirstTrackingDate = e.Date
		}
	}
	md.ProjectCount = len(distinctProjects(entries))
	return md
}

// Rebuild recomputes metadata from the full log and saves it.
func (c *Cache) Rebuild(ctx context.Context) (*model.TrackerMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked(ctx)
}

func (c *Cache) rebuildLocked(ctx context.Context) (*model.TrackerMetadata, error) {
	entries, err := c.slots.Entries(ctx)
	if err != nil {
		return nil, err
	}
	md := Compute(entries, c.now())
	if err := c.slots.SaveMetadata(ctx, md); err != nil {
		return nil, err
	}
	c.dirty = false
	slog.Info("metadata rebuilt", "entries", len(entries), "total_ms", md.TotalTrackedMs, "projects", md.ProjectCount)
	return md, nil
}

// Drift describes how stored metadata differs from the log.
type Drift struct {
	StoredMs, ActualMs             int64
	StoredProjects, ActualProjects int
	StoredFirst, ActualFirst       string
}

func (d Drift) String() string {
	var parts []string
	if d.StoredMs != d.ActualMs {
		parts = append(parts, fmt.Sprintf("totalTrackedMs %d != %d", d.StoredMs, d.ActualMs))
	}
	if d.StoredProjects != d.ActualProjects {
		parts = append(parts, fmt.Sprintf("projectCount %d != %d", d.StoredProjects, d.ActualProjects))
	}
	if d.StoredFirst != d.ActualFirst {
		parts = append(parts, fmt.Sprintf("firstTrackingDate %q != %q", d.StoredFirst, d.ActualFirst))
	}
	return strings.Join(parts, ", ")
}

// Verify compares stored metadata with the log. A nil Drift means they agree
// (absent metadata over an empty log also agrees).
func (c *Cache) Verify(ctx context.Context) (*Drift, error) {
	entries, err := c.slots.Entries(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := c.slots.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	actual := Compute(entries, c.now())
	if stored == nil {
		if len(entries) == 0 {
			return nil, nil
		}
		stored = &model.TrackerMetadata{}
	}
	if stored.TotalTrackedMs == actual.TotalTrackedMs &&
		stored.ProjectCount == actual.ProjectCount &&
		stored.FirstTrackingDate == actual.FirstTrackingDate {
		return nil, nil
	}
	return &Drift{
		StoredMs: stored.TotalTrackedMs, ActualMs: actual.TotalTrackedMs,
		StoredProjects: stored.ProjectCount, ActualProjects: actual.ProjectCount,
		StoredFirst: stored.FirstTrackingDate, ActualFirst: actual.FirstTrackingDate,
	}, nil
}

// ClearAllData removes the log, the current-session slot, and the metadata.
// It cannot be undone.
func (c *Cache) ClearAllData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.slots.ClearAll(ctx); err != nil {
		return err
	}
	c.dirty = false
	slog.Warn("all tracking data cleared")
	return nil
}
