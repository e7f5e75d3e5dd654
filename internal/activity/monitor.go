// Package activity turns host activity into a single "activity occurred"
// signal. File writes, creates, removes, and renames under the watched
// workspace roots count as activity, as do explicit pings from the command
// surface. All sources are treated the same.
package activity

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the fallback scan cadence.
const DefaultPollInterval = 2 * time.Second

// DefaultIgnore lists globs skipped unless configured otherwise.
var DefaultIgnore = []string{"**/.git/**", "**/node_modules/**"}

// Options configures a [Monitor].
type Options struct {
	// Roots are the directories watched recursively.
	Roots []string
	// Ignore holds doublestar globs matched against root-relative,
	// slash-separated paths.
	Ignore []string
	// PollInterval is the scan cadence when fsnotify is unavailable.
	PollInterval time.Duration
	// ForcePolling skips fsnotify entirely.
	ForcePolling bool
	// Exclude lists files and directories whose changes never count as
	// activity, such as the daemon's own data directory and log file.
	Exclude []string
}

// ///////////////////////////////////////////////
// Monitor
// ///////////////////////////////////////////////

// Monitor watches workspace roots with fsnotify and falls back to polling.
type Monitor struct {
	opts Options
	// events is buffered to 1 so bursts of edits coalesce into one signal.
	events chan struct{}
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	fsw *fsnotify.Watcher

	polling  atomic.Bool
	last     atomic.Int64 // unix nanos of the last signal
	lastRoot atomic.Pointer[string]
}

// NewMonitor starts watching opts.Roots. Roots that do not exist are
// skipped with a warning. With no roots the monitor only relays pings.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	roots := opts.Roots[:0:0]
	for _, r := range opts.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", r, err)
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			slog.Warn("activity root unavailable, skipping", "path", abs, "error", err)
			continue
		}
		roots = append(roots, abs)
	}
	opts.Roots = roots

	exclude := make([]string, 0, len(opts.Exclude))
	for _, e := range opts.Exclude {
		if e == "" {
			continue
		}
		abs, err := filepath.Abs(e)
		if err != nil {
			return nil, fmt.Errorf("resolve excluded path %s: %w", e, err)
		}
		exclude = append(exclude, abs)
	}
	opts.Exclude = exclude

	m := &Monitor{
		opts:   opts,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(roots) == 0 {
		return m, nil
	}

	if opts.ForcePolling {
		m.startPolling()
		return m, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		m.startPolling()
		return m, nil
	}
	for _, r := range roots {
		if err := m.addTree(fsw, r); err != nil {
			slog.Info("cannot watch root, falling back to polling", "path", r, "error", err)
			fsw.Close()
			m.startPolling()
			return m, nil
		}
	}
	m.fsw = fsw
	go m.watch(fsw)
	return m, nil
}

// Events returns a channel that receives a signal per burst of activity.
func (m *Monitor) Events() <-chan struct{} { return m.events }

// Polling reports whether the monitor is scanning instead of using fsnotify.
func (m *Monitor) Polling() bool { return m.polling.Load() }

// Last returns the time of the most recent signal, or zero.
func (m *Monitor) Last() time.Time {
	n := m.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastRoot returns the watched root that saw the most recent file-system
// activity, or "" when none has been seen. Pings leave it unchanged.
func (m *Monitor) LastRoot() string {
	if p := m.lastRoot.Load(); p != nil {
		return *p
	}
	return ""
}

// Ping records an explicit activity signal.
func (m *Monitor) Ping() { m.notify("") }

// Close stops the monitor. It is safe to call more than once.
func (m *Monitor) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.fsw != nil {
			if closeErr := m.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
			m.fsw = nil
		}
	})
	return err
}

// notify sends one signal, coalescing with any pending one. path is the
// changed file, or "" for a ping.
func (m *Monitor) notify(path string) {
	if root, _, ok := m.locate(path); ok {
		m.lastRoot.Store(&root)
	}
	m.last.Store(time.Now().UnixNano())
	select {
	case m.events <- struct{}{}:
	default:
	}
}

// ///////////////////////////////////////////////
// Ignore Matching
// ///////////////////////////////////////////////

// locate returns the root containing path and path relative to it,
// slash-separated.
func (m *Monitor) locate(path string) (root, rel string, ok bool) {
	if path == "" {
		return "", "", false
	}
	for _, r := range m.opts.Roots {
		if within(r, path) {
			p, _ := filepath.Rel(r, path)
			return r, filepath.ToSlash(p), true
		}
	}
	return "", "", false
}

// within reports whether path is dir or lies beneath it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// ignored reports whether path is excluded or, for a directory, whether it
// or anything beneath it matches an ignore glob.
func (m *Monitor) ignored(path string, dir bool) bool {
	_, rel, ok := m.locate(path)
	if !ok {
		return true
	}
	for _, e := range m.opts.Exclude {
		if within(e, path) {
			return true
		}
	}
	if rel == "." {
		return false
	}
	for _, p := range m.opts.Ignore {
		if match(p, rel) || (dir && match(p, rel+"/_")) {
			return true
		}
	}
	return false
}

func match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		slog.Warn("invalid ignore pattern", "pattern", pattern, "error", err)
		return false
	}
	return ok
}

// ///////////////////////////////////////////////
// fsnotify
// ///////////////////////////////////////////////

// addTree adds root and every non-ignored directory beneath it.
func (m *Monitor) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if m.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			if path == root {
				return err
			}
			slog.Debug("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// watch forwards fsnotify events as activity. New directories are added
// to the watch. On a watcher error it falls back to polling.
func (m *Monitor) watch(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			m.handle(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			m.mu.Lock()
			if m.fsw != nil {
				m.fsw.Close()
				m.fsw = nil
			}
			m.mu.Unlock()
			m.startPolling()
			return
		}
	}
}

func (m *Monitor) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()
	if m.ignored(event.Name, isDir) {
		return
	}
	if event.Has(fsnotify.Create) && isDir {
		if err := m.addTree(fsw, event.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("cannot watch new directory", "path", event.Name, "error", err)
		}
	}
	m.notify(event.Name)
}

// ///////////////////////////////////////////////
// Polling
// ///////////////////////////////////////////////

func (m *Monitor) startPolling() {
	m.polling.Store(true)
	go m.poll()
}

// poll scans the roots and signals when the newest modification time
// advances.
func (m *Monitor) poll() {
	lastMod, _ := m.latestMod()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			mod, path := m.latestMod()
			if mod.After(lastMod) {
				lastMod = mod
				m.notify(path)
			}
		}
	}
}

// latestMod returns the newest modification time of any non-ignored entry
// under the roots, and that entry's path.
func (m *Monitor) latestMod() (time.Time, string) {
	var latest time.Time
	var latestPath string
	for _, r := range m.opts.Roots {
		filepath.WalkDir(r, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if m.ignored(path, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(latest) {
				latest, latestPath = info.ModTime(), path
			}
			return nil
		})
	}
	return latest, latestPath
}
