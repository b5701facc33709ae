//go:build windows

package server

import (
	"os"
	"syscall"
)

func notifiedSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// Windows has no reload signal; reloads arrive over the control channel.
func isReloadSignal(os.Signal) bool {
	return false
}
