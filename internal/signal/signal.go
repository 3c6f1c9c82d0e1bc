// Package signal provides the daemon's shutdown trigger: a context
// cancelled on SIGINT or SIGTERM.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context cancelled when the process receives
// SIGINT or SIGTERM. Call the returned stop function to release the
// underlying signal.Notify registration once the context is no longer
// needed.
func NotifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
