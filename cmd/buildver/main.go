// Package main prints a SemVer-style build version string for use in ldflags.
// Cross-platform replacement for the Unix-only git describe + date pipeline.
//
// Output format depends on git state:
//
//	No tags, clean:     0.0.0-dev+05ffee5
//	No tags, dirty:     0.0.0-dev+05ffee5.dirty
//	On tag v0.1.0:      0.1.0
//	Dirty tag:          0.1.0-dirty
//	3 past v0.1.0:      0.1.0-dev.3+g1234567
//	Same but dirty:     0.1.0-dev.3+g1234567.dirty
//
// With -ldflags it prints the full -X flag set instead, including the
// repository owner and name the update check reads its manifest from.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"tools.zach/dev/worktime/internal/paths"
	"tools.zach/dev/worktime/internal/workspace"
)

// updatePkg is the import path whose ld* variables receive the repository.
const updatePkg = "tools.zach/dev/worktime/internal/update"

func main() {
	ldflags := flag.Bool("ldflags", false, "Print -X flags for go build instead of the bare version")
	flag.Parse()

	b := builder{git: runGit, manifest: paths.ReleaseManifest}
	if *ldflags {
		fmt.Print(b.ldflags())
		return
	}
	fmt.Print(b.version())
}

// runGit runs git with args in the current directory and returns trimmed
// stdout.
func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	return strings.TrimSpace(string(out)), err
}

// builder derives build metadata from git and the release manifest.
type builder struct {
	git      func(args ...string) (string, error)
	manifest string
}

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version assembles a SemVer build version string. It first tries git
// describe against v-prefixed tags; without tags it falls back to
// <base>-dev+<hash> using [builder.baseVersion].
func (b builder) version() string {
	if desc, err := b.git("describe", "--tags", "--match", "v*", "--dirty"); err == nil {
		return formatTaggedVersion(desc)
	}

	base := b.baseVersion()
	hash, err := b.git("rev-parse", "--short=7", "HEAD")
	if err != nil || hash == "" {
		return base + "-dev"
	}
	if b.isDirty() {
		return fmt.Sprintf("%s-dev+%s.dirty", base, hash)
	}
	return fmt.Sprintf("%s-dev+%s", base, hash)
}

// formatTaggedVersion converts git describe output (e.g.
// "v0.1.0-3-g1234567-dirty") into SemVer. The "v" prefix is stripped and the
// <N>-g<hash> portion becomes "-dev.<N>+g<hash>".
func formatTaggedVersion(desc string) string {
	dirty := strings.HasSuffix(desc, "-dirty")
	clean := strings.TrimSuffix(desc, "-dirty")
	clean = strings.TrimPrefix(clean, "v")

	// git describe format: <tag>-<N>-g<abbreviated-hash>
	lastDash := strings.LastIndex(clean, "-")
	if lastDash > 0 {
		hash := clean[lastDash+1:]
		rest := clean[:lastDash]
		secondLastDash := strings.LastIndex(rest, "-")
		if secondLastDash > 0 && strings.HasPrefix(hash, "g") {
			n := rest[secondLastDash+1:]
			tag := rest[:secondLastDash]
			meta := hash
			if dirty {
				meta += ".dirty"
			}
			return fmt.Sprintf("%s-dev.%s+%s", tag, n, meta)
		}
	}

	if dirty {
		return clean + "-dirty"
	}
	return clean
}

// isDirty reports whether the working tree has uncommitted changes.
func (b builder) isDirty() bool {
	out, err := b.git("status", "--porcelain")
	return err == nil && out != ""
}

// baseVersion reads the root version (key ".") from the release manifest.
// It returns "0.0.0" if the file is missing, malformed, or lacks a root entry.
func (b builder) baseVersion() string {
	data, err := os.ReadFile(b.manifest)
	if err != nil {
		return "0.0.0"
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "0.0.0"
	}
	if v, ok := manifest["."]; ok && v != "" {
		return v
	}
	return "0.0.0"
}

// ///////////////////////////////////////////////
// ldflags
// ///////////////////////////////////////////////

// repository returns the owner and name of the origin remote, or empty
// strings when there is none.
func (b builder) repository() (owner, repo string) {
	url, err := b.git("remote", "get-url", "origin")
	if err != nil {
		return "", ""
	}
	id := workspace.EnvironmentID(url)
	parts := strings.Split(id, "/")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// ldflags returns the -X flags for go build. Owner and repo are omitted
// without an origin remote, which disables the update check.
func (b builder) ldflags() string {
	flags := []string{"-X main.version=" + b.version()}
	if owner, repo := b.repository(); owner != "" {
		flags = append(flags,
			"-X "+updatePkg+".ldOwner="+owner,
			"-X "+updatePkg+".ldRepo="+repo,
		)
	}
	return strings.Join(flags, " ")
}
