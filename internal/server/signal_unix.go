//go:build !windows

package server

import (
	"os"
	"syscall"
)

func notifiedSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}
}

// isReloadSignal reports whether sig requests a data reload rather than a
// stop.
func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
