package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "tracking.auto_stop")
// to their [FieldDoc] entries. The genconfig tool uses this map to annotate the
// generated config.default.toml with inline comments and alternative examples.
var ConfigDocs = map[string]FieldDoc{
	// ── Root ──────────────────────────────────────────────────────
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	// ── Tracking ─────────────────────────────────────────────────
	"tracking": {
		Comment: "Session lifecycle",
	},
	"tracking.idle_threshold_seconds": {
		Comment: "Seconds without activity before an open session is closed at its last activity.\nAlso bounds how long a session left open by a crash may be resumed.\n0 disables the limit: sessions run until stopped and always resume.",
		Alternatives: []string{
			`idle_threshold_seconds = 300`,
		},
	},
	"tracking.auto_save_interval_seconds": {
		Comment: "How often the open session is checkpointed to disk (seconds). 0 disables checkpoints.",
	},
	"tracking.idle_check_interval_seconds": {
		Comment: "How often the idle detector compares now against the last activity (seconds).",
	},
	"tracking.auto_start": {
		Comment: "Start a session automatically on the first activity while not tracking.",
	},
	"tracking.auto_stop": {
		Comment: "Close the session automatically once the idle threshold is exceeded.",
	},

	// ── Storage ──────────────────────────────────────────────────
	"storage.backend": {
		Comment: "Where sessions are stored. Options: \"file\", \"sqlite\"\n  file:   one JSON file per slot under <data dir>/store\n  sqlite: a single worktime.sqlite database (requires a cgo build)",
		Alternatives: []string{
			`backend = "sqlite"`,
		},
	},

	// ── Activity ─────────────────────────────────────────────────
	"activity.watch": {
		Comment: "Directories whose file edits count as activity.\nEmpty means the directory the daemon was started from.",
		Alternatives: []string{
			`watch = ["~/src/api", "~/src/web"]`,
		},
	},
	"activity.ignore": {
		Comment: "Glob patterns (relative to each watched directory) whose changes are not activity.\nSupports ** for any depth.",
	},
	"activity.poll_interval_seconds": {
		Comment: "Polling interval used when file notifications are unavailable (seconds).",
	},
	"activity.force_polling": {
		Comment: "Always poll instead of using file notifications (network filesystems, WSL mounts).",
	},

	// ── Workspace ────────────────────────────────────────────────
	"workspace.project_name": {
		Comment: "Project name stamped on every session. Defaults to the git repository name,\nor the directory name outside a repository.",
		Alternatives: []string{
			`project_name = "consulting"`,
		},
	},
	"workspace.environment_placeholder": {
		Comment: "Environment id used when no git origin remote is found.\nWith a remote, the id is \"host/owner/repo\".",
	},
	"workspace.overrides": {
		Comment: "Per-directory project names matched by glob. First match wins.",
		Alternatives: []string{
			`[[workspace.overrides]]`,
			`pattern = "**/client-x/**"`,
			`project = "Client X"`,
		},
	},

	// ── Log ──────────────────────────────────────────────────────
	"log": {
		Comment: "Logging configuration",
	},
	"log.level": {
		Comment: "Minimum log level. Options: \"trace\", \"debug\", \"info\", \"warn\", \"error\"",
		Alternatives: []string{
			`level = "debug"`,
			`level = "warn"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Maximum log file size in megabytes before rotation.",
	},

	// ── Update ───────────────────────────────────────────────────
	"update.check": {
		Comment: "Check for a newer release when the daemon starts. Failures are silent.",
	},
}
