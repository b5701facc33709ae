package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAlreadyRunning reports a live server on the control endpoint.
var ErrAlreadyRunning = errors.New("ipc: another instance is already running")

// probeTimeout bounds the liveness ping on startup.
const probeTimeout = 2 * time.Second

// EnsureSingleInstance enforces one server per endpoint. It dials the
// endpoint and pings: any answer means another instance owns it and
// ErrAlreadyRunning is returned. A refused or missing endpoint is stale
// and is cleared so the caller can bind. The PID file is only a hint for
// operators; this probe is what decides.
func EnsureSingleInstance(ctx context.Context, endpoint string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := DialClient(ctx, endpoint)
	if err == nil {
		defer client.Close()
		client.SetCallTimeout(probeTimeout)
		if _, perr := client.Ping(ctx); perr == nil {
			return ErrAlreadyRunning
		}
		// Someone accepts connections but does not answer pings. Do not
		// steal the endpoint from whatever that is.
		return fmt.Errorf("endpoint %s is occupied but not answering pings: %w", endpoint, ErrAlreadyRunning)
	}

	if err := removeStaleEndpoint(endpoint); err != nil {
		return fmt.Errorf("remove stale endpoint: %w", err)
	}
	logger.Debug("control endpoint is free", "endpoint", endpoint)
	return nil
}
