// Package workspace resolves the host identity stamped onto new sessions:
// the project name, the workspace display name, and the environment id.
//
// The environment id is derived from the git remote origin of the
// workspace ("github.com/owner/repo"). Outside a repository, or without an
// origin, the configured placeholder is used.
package workspace

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPlaceholder is the environment id used when none can be resolved.
const DefaultPlaceholder = "local"

// gitTimeout bounds each git invocation.
const gitTimeout = 2 * time.Second

// Info is the resolved identity.
type Info struct {
	Project       string `json:"project"`
	Workspace     string `json:"workspace"`
	EnvironmentID string `json:"environmentId"`
	// Root is the repository top level, or the directory itself outside a
	// repository.
	Root string `json:"root"`
}

// Override renames the project for directories matching Pattern.
type Override struct {
	Pattern string `toml:"pattern"`
	Project string `toml:"project"`
}

// Resolver resolves and caches [Info] for a directory.
type Resolver struct {
	// Dir is the workspace directory.
	Dir string
	// ProjectName overrides the derived project name for every directory.
	ProjectName string
	// Overrides are checked before ProjectName; the first match wins.
	Overrides []Override
	// Placeholder is the environment id when no remote resolves.
	Placeholder string

	// git runs a git subcommand in Dir. Tests replace it.
	git func(ctx context.Context, dir string, args ...string) (string, error)

	once sync.Once
	info Info
}

// Resolve returns the identity for r.Dir, computing it on first call.
func (r *Resolver) Resolve() Info {
	r.once.Do(func() { r.info = r.resolve() })
	return r.info
}

func (r *Resolver) resolve() Info {
	run := r.git
	if run == nil {
		run = runGit
	}
	dir, err := filepath.Abs(r.Dir)
	if err != nil {
		dir = r.Dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	root := dir
	if top, err := run(ctx, dir, "rev-parse", "--show-toplevel"); err == nil && top != "" {
		root = filepath.Clean(top)
	} else if err != nil {
		slog.Debug("workspace: not a git repository", "dir", dir, "error", err)
	}

	info := Info{
		Root:      root,
		Workspace: filepath.Base(dir),
		Project:   filepath.Base(root),
	}

	if url, err := run(ctx, root, "remote", "get-url", "origin"); err == nil {
		info.EnvironmentID = EnvironmentID(url)
	} else {
		slog.Debug("workspace: git remote unavailable", "dir", root, "error", err)
	}
	if info.EnvironmentID == "" {
		info.EnvironmentID = r.placeholder()
	}

	info.Project = r.projectName(info.Project, dir)
	return info
}

func (r *Resolver) placeholder() string {
	if r.Placeholder != "" {
		return r.Placeholder
	}
	return DefaultPlaceholder
}

// projectName applies overrides and the global project name.
func (r *Resolver) projectName(derived, dir string) string {
	slashDir := filepath.ToSlash(dir)
	for _, o := range r.Overrides {
		matched, err := doublestar.Match(o.Pattern, slashDir)
		if err != nil {
			slog.Warn("invalid glob pattern", "pattern", o.Pattern, "error", err)
			continue
		}
		if matched && o.Project != "" {
			return o.Project
		}
	}
	if r.ProjectName != "" {
		return r.ProjectName
	}
	return derived
}

// ///////////////////////////////////////////////
// Per-Directory Cache
// ///////////////////////////////////////////////

// Resolvers hands out one cached [Resolver] per directory, all sharing the
// same naming rules. It is safe for concurrent use.
type Resolvers struct {
	ProjectName string
	Overrides   []Override
	Placeholder string

	git func(ctx context.Context, dir string, args ...string) (string, error)

	mu    sync.Mutex
	byDir map[string]*Resolver
}

// Resolve returns the identity for dir, resolving it once per directory.
func (rs *Resolvers) Resolve(dir string) Info {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	rs.mu.Lock()
	r, ok := rs.byDir[dir]
	if !ok {
		if rs.byDir == nil {
			rs.byDir = make(map[string]*Resolver)
		}
		r = &Resolver{
			Dir:         dir,
			ProjectName: rs.ProjectName,
			Overrides:   rs.Overrides,
			Placeholder: rs.Placeholder,
			git:         rs.git,
		}
		rs.byDir[dir] = r
	}
	rs.mu.Unlock()
	return r.Resolve()
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ///////////////////////////////////////////////
// Remote Parsing
// ///////////////////////////////////////////////

// remoteRe extracts host and path from HTTPS, SSH, and scp-style remotes.
var remoteRe = regexp.MustCompile(`^(?:[a-z+]+://)?(?:[^@/]+@)?([^:/]+)(?::\d+)?[:/](.+?)(?:\.git)?/?$`)

// EnvironmentID normalizes a git remote URL to "host/owner/repo". It
// returns an empty string when the URL is not recognized.
func EnvironmentID(remoteURL string) string {
	m := remoteRe.FindStringSubmatch(strings.TrimSpace(remoteURL))
	if len(m) != 3 {
		return ""
	}
	return strings.ToLower(m[1]) + "/" + m[2]
}
