// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Lookup cache metrics
	IncCacheHit()
	IncCacheMiss()
	IncCacheNegativeHit()
	IncCacheBloomReject()

	// Redirect metrics
	ObserveRedirectDuration(duration time.Duration)

	// Link management metrics
	IncLinkCreated()
	IncLinkUpdated()
	IncLinkDeleted()

	// Click pipeline metrics
	IncClickBuffered()
	IncClickFlush(status string) // status: "success", "failed", "busy"
	ObserveClickFlushSize(size int)
	ObserveClickFlushDuration(duration time.Duration)
	IncClicksDropped(count int64)

	// Reload metrics
	IncReload(target, status string) // status: "success" or "failed"

	// IPC metrics
	IncIPCConnection()
	IncIPCCommand(command string)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
