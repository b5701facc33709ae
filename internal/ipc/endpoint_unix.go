//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// DefaultEndpoint is the well-known control socket path, relative to the
// server's working directory.
const DefaultEndpoint = "shortlinker.sock"

// Dial connects to the control socket.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}

// Listen binds the control socket with owner-only permissions. The caller
// is expected to have run EnsureSingleInstance first so a stale socket
// file has already been cleared.
func Listen(endpoint string) (net.Listener, error) {
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	if err := os.Chmod(endpoint, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restrict control socket: %w", err)
	}
	return ln, nil
}

// removeStaleEndpoint deletes a socket file left behind by a dead process.
func removeStaleEndpoint(endpoint string) error {
	err := os.Remove(endpoint)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
