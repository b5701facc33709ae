//go:build windows

package ipc

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// DefaultEndpoint is the well-known control pipe name.
const DefaultEndpoint = `\\.\pipe\shortlinker`

// ownerOnlySDDL grants pipe access to the owning user and no one else.
const ownerOnlySDDL = "D:(A;;GA;;;OW)"

// Dial connects to the control pipe.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, endpoint)
}

// Listen binds the named-pipe control endpoint restricted to the owner.
func Listen(endpoint string) (net.Listener, error) {
	return winio.ListenPipe(endpoint, &winio.PipeConfig{
		SecurityDescriptor: ownerOnlySDDL,
		InputBufferSize:    MaxFrameSize,
		OutputBufferSize:   MaxFrameSize,
	})
}

// removeStaleEndpoint is a no-op: a named pipe vanishes with its owner.
func removeStaleEndpoint(string) error {
	return nil
}
