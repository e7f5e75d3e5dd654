// Package config provides configuration loading and defaults for worktime.
//
// Configuration is loaded from a TOML file in the user's data directory.
// The package covers tracking thresholds, the storage backend, activity
// watching, workspace naming, logging, and the update check. Out-of-range
// values never fail a load; [Config.Normalize] clamps them and reports
// what it changed.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/worktime/internal/activity"
	"tools.zach/dev/worktime/internal/atomicfile"
	"tools.zach/dev/worktime/internal/migrate"
	"tools.zach/dev/worktime/internal/paths"
	"tools.zach/dev/worktime/internal/store"
	"tools.zach/dev/worktime/internal/workspace"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Tracking holds session lifecycle and idle settings.
	Tracking TrackingConfig `toml:"tracking"`
	// Storage selects the persistence backend.
	Storage StorageConfig `toml:"storage"`
	// Activity holds filesystem activity watching settings.
	Activity ActivityConfig `toml:"activity"`
	// Workspace holds project naming and environment identity settings.
	Workspace WorkspaceConfig `toml:"workspace"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
	// Update holds release check settings.
	Update UpdateConfig `toml:"update"`
}

// TrackingConfig holds session lifecycle settings.
type TrackingConfig struct {
	// IdleThresholdSeconds is the allowed gap since last activity before an
	// open session is auto-stopped. 0 disables the idle limit.
	IdleThresholdSeconds int `toml:"idle_threshold_seconds"`
	// AutoSaveIntervalSeconds is the checkpoint cadence. 0 disables it.
	AutoSaveIntervalSeconds int `toml:"auto_save_interval_seconds"`
	// IdleCheckIntervalSeconds is how often the idle detector polls.
	IdleCheckIntervalSeconds int `toml:"idle_check_interval_seconds"`
	// AutoStart opens a session on the first activity while idle.
	AutoStart bool `toml:"auto_start"`
	// AutoStop closes the session when the idle threshold is exceeded.
	AutoStop bool `toml:"auto_stop"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "file" (one JSON file per slot) or "sqlite".
	Backend string `toml:"backend"`
}

// ActivityConfig holds filesystem activity watching settings.
type ActivityConfig struct {
	// Watch lists directories whose edits count as activity. Empty means
	// the daemon's working directory.
	Watch []string `toml:"watch"`
	// Ignore lists doublestar globs, relative to each watched root, whose
	// changes are not activity.
	Ignore []string `toml:"ignore"`
	// PollIntervalSeconds is the fallback polling interval when file
	// notifications are unavailable.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// ForcePolling skips fsnotify and always polls.
	ForcePolling bool `toml:"force_polling"`
}

// WorkspaceConfig holds project naming and environment identity settings.
type WorkspaceConfig struct {
	// ProjectName replaces the derived project name for every session.
	ProjectName string `toml:"project_name,omitempty"`
	// EnvironmentPlaceholder is the environment id used outside a git
	// repository or without an origin remote.
	EnvironmentPlaceholder string `toml:"environment_placeholder"`
	// Overrides rename the project for directories matching a glob.
	Overrides []workspace.Override `toml:"overrides,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// UpdateConfig holds release check settings.
type UpdateConfig struct {
	// Check enables the release check at daemon start.
	Check bool `toml:"check"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Tracking: TrackingConfig{
			IdleThresholdSeconds:     600,
			AutoSaveIntervalSeconds:  300,
			IdleCheckIntervalSeconds: 60,
			AutoStart:                false,
			AutoStop:                 true,
		},
		Storage: StorageConfig{
			Backend: store.KindFile,
		},
		Activity: ActivityConfig{
			Watch:               []string{},
			Ignore:              append([]string(nil), activity.DefaultIgnore...),
			PollIntervalSeconds: int(activity.DefaultPollInterval / time.Second),
		},
		Workspace: WorkspaceConfig{
			EnvironmentPlaceholder: workspace.DefaultPlaceholder,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
		Update: UpdateConfig{
			Check: true,
		},
	}
}

// ///////////////////////////////////////////////
// Example Configuration
// ///////////////////////////////////////////////

// ExampleConfig returns a Config suitable for generating config.default.toml.
// For this project all defaults are good examples.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// Durations
// ///////////////////////////////////////////////

// IdleThreshold returns the idle threshold as a duration.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Tracking.IdleThresholdSeconds) * time.Second
}

// AutoSaveInterval returns the checkpoint cadence as a duration.
func (c *Config) AutoSaveInterval() time.Duration {
	return time.Duration(c.Tracking.AutoSaveIntervalSeconds) * time.Second
}

// IdleCheckInterval returns the idle poll cadence as a duration.
func (c *Config) IdleCheckInterval() time.Duration {
	return time.Duration(c.Tracking.IdleCheckIntervalSeconds) * time.Second
}

// ActivityPollInterval returns the activity polling fallback interval.
func (c *Config) ActivityPollInterval() time.Duration {
	return time.Duration(c.Activity.PollIntervalSeconds) * time.Second
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig. Values are normalized,
// never rejected; only unreadable or unparseable files are errors.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)

	// Apply migrations if needed
	shouldMigrate := version != migrate.Config.CurrentVersion
	if shouldMigrate {
		// Write backup before migration
		if backupErr := os.WriteFile(path+".bak", data, 0o644); backupErr != nil {
			slog.Warn("failed to write config backup", "error", backupErr)
		}
		var migrateErr error
		data, _, migrateErr = migrate.Config.Run(data, version)
		if migrateErr != nil {
			return nil, fmt.Errorf("migrate config: %w", migrateErr)
		}
	}

	// Auto-apply dev transforms
	if migrate.Config.HasDev() {
		var devErr error
		data, devErr = migrate.Config.RunDev(data)
		if devErr != nil {
			return nil, fmt.Errorf("apply dev transforms: %w", devErr)
		}
		shouldMigrate = true
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion

	for _, note := range cfg.Normalize() {
		slog.Warn("config value adjusted", "detail", note)
	}

	// Re-save after migration
	if shouldMigrate {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}

	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Normalization
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Normalize clamps out-of-range values and replaces unknown enum values
// with their defaults. It returns one note per adjustment.
func (c *Config) Normalize() []string {
	def := DefaultConfig()
	var notes []string
	adjust := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	t := &c.Tracking
	if t.IdleThresholdSeconds < 0 {
		adjust("tracking.idle_threshold_seconds %d < 0, using 0 (disabled)", t.IdleThresholdSeconds)
		t.IdleThresholdSeconds = 0
	}
	if t.AutoSaveIntervalSeconds < 0 {
		adjust("tracking.auto_save_interval_seconds %d < 0, using 0 (disabled)", t.AutoSaveIntervalSeconds)
		t.AutoSaveIntervalSeconds = 0
	}
	if t.IdleCheckIntervalSeconds < 1 {
		adjust("tracking.idle_check_interval_seconds %d < 1, using 1", t.IdleCheckIntervalSeconds)
		t.IdleCheckIntervalSeconds = 1
	}

	switch c.Storage.Backend {
	case store.KindFile, store.KindSQLite:
	default:
		adjust("storage.backend %q unknown, using %q", c.Storage.Backend, def.Storage.Backend)
		c.Storage.Backend = def.Storage.Backend
	}

	if c.Activity.PollIntervalSeconds < 1 {
		adjust("activity.poll_interval_seconds %d < 1, using %d", c.Activity.PollIntervalSeconds, def.Activity.PollIntervalSeconds)
		c.Activity.PollIntervalSeconds = def.Activity.PollIntervalSeconds
	}
	c.Activity.Ignore = validPatterns("activity.ignore", c.Activity.Ignore, adjust)

	if c.Workspace.EnvironmentPlaceholder == "" {
		c.Workspace.EnvironmentPlaceholder = def.Workspace.EnvironmentPlaceholder
	}
	overrides := c.Workspace.Overrides[:0]
	for _, o := range c.Workspace.Overrides {
		if o.Pattern == "" || o.Project == "" || !doublestar.ValidatePattern(o.Pattern) {
			adjust("workspace.overrides entry %q dropped", o.Pattern)
			continue
		}
		overrides = append(overrides, o)
	}
	c.Workspace.Overrides = overrides

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		adjust("log.level %q unknown, using %q", c.Log.Level, def.Log.Level)
		c.Log.Level = def.Log.Level
	}
	if c.Log.MaxSizeMB < 1 {
		adjust("log.max_size_mb %d < 1, using %d", c.Log.MaxSizeMB, def.Log.MaxSizeMB)
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}

	return notes
}

// validPatterns drops glob patterns doublestar cannot parse.
func validPatterns(key string, patterns []string, adjust func(string, ...any)) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			adjust("%s pattern %q is invalid, dropped", key, p)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

// WatchRoots returns the directories to watch for activity, falling back to
// cwd when none are configured. A leading "~/" expands to the home directory.
func (c *Config) WatchRoots(cwd string) []string {
	if len(c.Activity.Watch) == 0 {
		return []string{cwd}
	}
	home, _ := os.UserHomeDir()
	roots := make([]string, 0, len(c.Activity.Watch))
	for _, w := range c.Activity.Watch {
		if home != "" && (w == "~" || strings.HasPrefix(w, "~/")) {
			w = filepath.Join(home, strings.TrimPrefix(w, "~"))
		}
		roots = append(roots, filepath.Clean(w))
	}
	return roots
}
