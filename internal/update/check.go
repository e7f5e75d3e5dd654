// Package update checks for newer worktime releases via the release manifest.
//
// The manifest lives in the project repository. Owner and repo are set at
// build time; without them the check is skipped.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/worktime/internal/paths"
)

// Set at build time via:
//
//	-X tools.zach/dev/worktime/internal/update.ldOwner=...
//	-X tools.zach/dev/worktime/internal/update.ldRepo=...
var (
	ldOwner string
	ldRepo  string
)

// ManifestURL returns the raw GitHub URL of the release manifest, or an
// empty string when owner and repo were not set at build time.
func ManifestURL() string {
	if ldOwner == "" || ldRepo == "" {
		return ""
	}
	return "https://raw.githubusercontent.com/" + ldOwner + "/" + ldRepo + "/main/" + paths.ReleaseManifest
}

// ///////////////////////////////////////////////
// Checker
// ///////////////////////////////////////////////

// Checker fetches the release manifest.
type Checker struct {
	URL    string
	Client *retryablehttp.Client
}

// NewChecker returns a checker for url with a small retry budget.
func NewChecker(url string) *Checker {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil // suppress retryablehttp's default logging
	return &Checker{URL: url, Client: c}
}

// Check fetches the manifest and logs when a newer version than current is
// available. It is non-fatal: failures are logged at debug level. It
// returns the latest version seen and whether it is newer.
func (c *Checker) Check(ctx context.Context, current string) (string, bool) {
	if c.URL == "" {
		slog.Debug("skipping version check: no remote URL configured")
		return "", false
	}
	latest, err := c.fetchLatest(ctx)
	if err != nil {
		slog.Debug("version check failed", "error", err)
		return "", false
	}
	if latest == "" || latest == current {
		return latest, false
	}
	if semverLess(current, latest) {
		slog.Info("new version available", "current", current, "latest", latest)
		return latest, true
	}
	return latest, false
}

// fetchLatest downloads the manifest and returns the version stored under
// the "." key, which is the latest stable release.
func (c *Checker) fetchLatest(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", c.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest["."], nil
}

// ///////////////////////////////////////////////
// Version Comparison
// ///////////////////////////////////////////////

// semverLess returns true if a < b using simple numeric comparison.
// A pre-release version is less than the same version without one
// ("0.1.0-dev" < "0.1.0"). Non-semver strings are not compared.
func semverLess(a, b string) bool {
	pa := parseSemver(a)
	pb := parseSemver(b)
	if pa == nil || pb == nil {
		return false
	}
	for i := range 3 {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return hasPreRelease(a) && !hasPreRelease(b)
}

// hasPreRelease reports whether a version string has a pre-release suffix.
func hasPreRelease(s string) bool {
	return strings.Contains(strings.TrimPrefix(s, "v"), "-")
}

// parseSemver splits "v1.2.3" or "0.1.0-dev" into [major, minor, patch].
// Suffixes after "-" or "+" are stripped. Returns nil for invalid input.
func parseSemver(s string) []int {
	s = strings.TrimPrefix(s, "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	result := make([]int, 3)
	for i, p := range parts {
		if idx := strings.IndexAny(p, "-+"); idx >= 0 {
			p = p[:idx]
		}
		if p == "" {
			return nil
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return nil
			}
			n = n*10 + int(c-'0')
		}
		result[i] = n
	}
	return result
}
