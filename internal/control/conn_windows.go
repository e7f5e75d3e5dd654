// conn_windows.go binds and dials the control endpoint as a named pipe
// (\\.\pipe\worktime) using the go-winio library.

//go:build windows

package control

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"

	"tools.zach/dev/worktime/internal/paths"
)

// pipeSDDL grants the pipe owner full access and nobody else.
const pipeSDDL = "D:P(A;;GA;;;OW)"

// Address returns the control pipe name. It does not depend on the data
// directory.
func Address(paths.DataDir) string { return paths.PipeName }

func listen(addr string) (net.Listener, error) {
	if conn, err := dial(addr, 500*time.Millisecond); err == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ln, err := winio.ListenPipe(addr, &winio.PipeConfig{SecurityDescriptor: pipeSDDL})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func dial(addr string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(addr, &timeout)
}
