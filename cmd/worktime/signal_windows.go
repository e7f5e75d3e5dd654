// Shutdown signals on Windows. SIGTERM does not exist; the runtime maps
// CTRL_BREAK_EVENT and console close to os.Interrupt.

//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// ///////////////////////////////////////////////
// Signal Handling
// ///////////////////////////////////////////////

// notifyContext returns a context cancelled on os.Interrupt.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
