// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile    = "daemon.pid"
	ConfigFile = "config.toml"
	LogFile    = "daemon.log"
	StoreDir   = "store"
	SQLiteFile = "worktime.sqlite"
	SocketFile = "worktime.sock"
	ExportsDir = "exports"
)

// Binary and directory identity.
const (
	BinaryName = "worktime"
	DataDirRel = ".worktime" // relative to $HOME
	PipeName   = `\\.\pipe\worktime`
)

// Remote-fetched file paths (relative to repo root).
const (
	ReleaseManifest = ".release-manifest.json"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Store returns the directory holding one JSON file per persisted slot.
func (d DataDir) Store() string { return filepath.Join(d.Root, StoreDir) }

// SQLite returns the full path to the SQLite database used by the sqlite backend.
func (d DataDir) SQLite() string { return filepath.Join(d.Root, SQLiteFile) }

// Socket returns the full path to the daemon control socket (Unix only).
func (d DataDir) Socket() string { return filepath.Join(d.Root, SocketFile) }

// Exports returns the default directory for CSV and raw exports.
func (d DataDir) Exports() string { return filepath.Join(d.Root, ExportsDir) }
