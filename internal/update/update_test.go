package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

// ///////////////////////////////////////////////
// parseSemver Tests
// ///////////////////////////////////////////////

func TestParseSemver(t *testing.T) {
	tests := []struct {
		input string
		want  []int
	}{
		{"1.2.3", []int{1, 2, 3}},
		{"v1.2.3", []int{1, 2, 3}},
		{"0.0.0", []int{0, 0, 0}},
		{"0.0.0-dev", []int{0, 0, 0}},
		{"1.0.0-beta+build123", []int{1, 0, 0}},
		{"v0.1.0", []int{0, 1, 0}},
		{"10.20.30", []int{10, 20, 30}},
		{"1.2.3-rc.1", []int{1, 2, 3}},
		{"1.2.3+metadata", []int{1, 2, 3}},

		// Invalid inputs should return nil.
		{"", nil},
		{"1.2", nil},
		{"1", nil},
		{"not.a.version", nil},
		{"v", nil},
		{"1.2.x", nil},
		{"a.b.c", nil},
		{"1.2.3.4", nil},
		{"1..3", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseSemver(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseSemver(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// semverLess Tests
// ///////////////////////////////////////////////

func TestSemverLess(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"equal versions", "1.2.3", "1.2.3", false},
		{"a < b major", "0.9.9", "1.0.0", true},
		{"a > b major", "2.0.0", "1.9.9", false},
		{"a < b minor", "1.0.0", "1.1.0", true},
		{"a > b minor", "1.2.0", "1.1.0", false},
		{"a < b patch", "1.0.0", "1.0.1", true},
		{"a > b patch", "1.0.2", "1.0.1", false},
		{"with v prefix", "v0.1.0", "v0.2.0", true},
		{"mixed prefix", "0.1.0", "v0.2.0", true},
		{"pre-release stripped", "0.0.0-dev", "0.1.0", true},
		{"same with pre-release", "1.0.0-alpha", "1.0.0-beta", false}, // both parse to 1.0.0; no ordering between different pre-releases
		{"pre-release less than release", "0.1.0-dev", "0.1.0", true},
		{"release not less than pre-release", "0.1.0", "0.1.0-dev", false},
		{"pre-release less than release with v", "v1.0.0-rc.1", "v1.0.0", true},
		{"both pre-release equal numeric", "1.0.0-alpha", "1.0.0-alpha", false},
		{"invalid a", "invalid", "1.0.0", false},
		{"invalid b", "1.0.0", "invalid", false},
		{"both invalid", "foo", "bar", false},
		{"empty a", "", "1.0.0", false},
		{"empty b", "1.0.0", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := semverLess(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("semverLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Checker Tests
// ///////////////////////////////////////////////

// manifestServer serves body with status and counts requests.
func manifestServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fastChecker(url string) *Checker {
	c := NewChecker(url)
	c.Client.RetryWaitMin = time.Millisecond
	c.Client.RetryWaitMax = 2 * time.Millisecond
	return c
}

func TestCheck(t *testing.T) {
	manifest, _ := json.Marshal(map[string]string{".": "1.2.0"})
	srv, _ := manifestServer(t, http.StatusOK, string(manifest))
	c := fastChecker(srv.URL)

	tests := []struct {
		current    string
		wantNewer  bool
		wantLatest string
	}{
		{"1.0.0", true, "1.2.0"},
		{"1.2.0", false, "1.2.0"},
		{"1.3.0", false, "1.2.0"},
		{"1.2.0-dev", true, "1.2.0"},
		{"dev", false, "1.2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.current, func(t *testing.T) {
			latest, newer := c.Check(context.Background(), tt.current)
			if latest != tt.wantLatest || newer != tt.wantNewer {
				t.Errorf("Check(%q) = %q, %v; want %q, %v", tt.current, latest, newer, tt.wantLatest, tt.wantNewer)
			}
		})
	}
}

func TestCheckEmptyURL(t *testing.T) {
	if latest, newer := NewChecker("").Check(context.Background(), "1.0.0"); latest != "" || newer {
		t.Errorf("Check = %q, %v; want skip", latest, newer)
	}
}

func TestFetchLatestRetriesServerErrors(t *testing.T) {
	srv, hits := manifestServer(t, http.StatusInternalServerError, "")
	if _, err := fastChecker(srv.URL).fetchLatest(context.Background()); err == nil {
		t.Fatal("expected error for 500")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestFetchLatestNotFound(t *testing.T) {
	srv, hits := manifestServer(t, http.StatusNotFound, "")
	if _, err := fastChecker(srv.URL).fetchLatest(context.Background()); err == nil {
		t.Fatal("expected error for 404")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestFetchLatestInvalidJSON(t *testing.T) {
	srv, _ := manifestServer(t, http.StatusOK, "not json")
	if _, err := fastChecker(srv.URL).fetchLatest(context.Background()); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestManifestURL(t *testing.T) {
	oldOwner, oldRepo := ldOwner, ldRepo
	t.Cleanup(func() { ldOwner, ldRepo = oldOwner, oldRepo })

	ldOwner, ldRepo = "", ""
	if got := ManifestURL(); got != "" {
		t.Errorf("ManifestURL() = %q, want empty", got)
	}
	ldOwner, ldRepo = "acme", "worktime"
	want := "https://raw.githubusercontent.com/acme/worktime/main/.release-manifest.json"
	if got := ManifestURL(); got != want {
		t.Errorf("ManifestURL() = %q, want %q", got, want)
	}
}
