//go:build !windows

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tools.zach/dev/worktime/internal/control"
	"tools.zach/dev/worktime/internal/paths"
)

// startDaemon runs the daemon over dataDir with configTOML and waits until
// it accepts connections.
func startDaemon(t *testing.T, dataDir, configTOML string, clk *clock) (context.CancelFunc, <-chan error) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dataDir, paths.ConfigFile), []byte(configTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	daemon := &app{dataDir: dataDir, now: clk.Now, cwd: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.runDaemon(ctx, nil) }()
	t.Cleanup(cancel)

	dd := paths.DataDir{Root: dataDir}
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := control.Dial(control.Address(dd))
		if err == nil {
			c.Close()
			return cancel, done
		}
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not listen: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// shortTempDir returns a temp dir with a short path: unix socket names are
// limited to ~104 bytes on macOS.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wt")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestDaemonServesCommands(t *testing.T) {
	dataDir := shortTempDir(t)
	clk := &clock{now: time.Date(2025, 4, 10, 9, 0, 0, 0, time.Local)}
	cancel, done := startDaemon(t, dataDir, "version = 1\n\n[tracking]\nidle_threshold_seconds = 0\n\n[update]\ncheck = false\n", clk)
	dd := paths.DataDir{Root: dataDir}

	if alive, _ := checkStalePID(dd); !alive {
		t.Error("daemon does not hold the PID lock")
	}

	client := &app{now: clk.Now, cwd: t.TempDir()}
	if out := mustExecute(t, client, dataDir, "start"); !strings.Contains(out, "Tracking") {
		t.Errorf("start output = %q", out)
	}
	clk.Advance(time.Hour)
	mustExecute(t, client, dataDir, "ping")
	if out := mustExecute(t, client, dataDir, "status"); !strings.Contains(out, "1h 00m") {
		t.Errorf("status output = %q", out)
	}

	if _, err := execute(t, client, dataDir, "clear", "--yes"); err == nil || !strings.Contains(err.Error(), "running") {
		t.Errorf("clear while daemon runs: err = %v", err)
	}

	if out := mustExecute(t, client, dataDir, "stop"); !strings.Contains(out, "after 1h 00m") {
		t.Errorf("stop output = %q", out)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runDaemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	if alive, _ := checkStalePID(dd); alive {
		t.Error("PID lock held after shutdown")
	}
	if out := mustExecute(t, client, dataDir, "report"); !strings.Contains(out, "1.00") {
		t.Errorf("report output = %q", out)
	}
}

func TestDaemonSessionsUseActiveRoot(t *testing.T) {
	base := shortTempDir(t)
	api := filepath.Join(base, "api")
	web := filepath.Join(base, "web")
	// The data dir sits inside a watched root; its writes must not count.
	dataDir := filepath.Join(api, ".wt")
	for _, d := range []string{web, dataDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	cfg := fmt.Sprintf("version = 1\n\n[tracking]\nidle_threshold_seconds = 0\nauto_start = true\n\n"+
		"[activity]\nwatch = [%q, %q]\npoll_interval_seconds = 1\n\n[update]\ncheck = false\n", api, web)
	clk := &clock{now: time.Date(2025, 4, 10, 9, 0, 0, 0, time.Local)}
	startDaemon(t, dataDir, cfg, clk)
	client := &app{now: clk.Now, cwd: t.TempDir()}

	waitTracking := func(project string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			out := mustExecute(t, client, dataDir, "status")
			if strings.Contains(out, "Tracking") {
				if !strings.Contains(out, "Tracking "+project) {
					t.Fatalf("status = %q, want project %s", out, project)
				}
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("no session auto-started for %s: %q", project, out)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	edit := func(path string) {
		t.Helper()
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		at := time.Now().Add(time.Minute)
		os.Chtimes(path, at, at)
	}

	edit(filepath.Join(web, "index.ts"))
	waitTracking("web")
	mustExecute(t, client, dataDir, "stop")
	// A trailing event from the same edit may reopen the web session.
	time.Sleep(200 * time.Millisecond)
	if out := mustExecute(t, client, dataDir, "status"); strings.Contains(out, "Tracking") {
		mustExecute(t, client, dataDir, "stop")
	}

	edit(filepath.Join(api, "main.go"))
	waitTracking("api")
}
