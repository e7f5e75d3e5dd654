// conn_unix.go binds and dials the control endpoint as a Unix domain socket
// inside the data directory.

//go:build !windows

package control

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"tools.zach/dev/worktime/internal/paths"
)

// Address returns the control socket path for the data directory.
func Address(dd paths.DataDir) string { return dd.Socket() }

func listen(addr string) (net.Listener, error) {
	if _, err := os.Stat(addr); err == nil {
		// A socket that still answers belongs to a live daemon.
		if conn, err := net.DialTimeout("unix", addr, 500*time.Millisecond); err == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		if err := os.Remove(addr); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat socket: %w", err)
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", addr, timeout)
}
