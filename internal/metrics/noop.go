package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncCacheHit is a no-op.
func (n *NoopRecorder) IncCacheHit() {}

// IncCacheMiss is a no-op.
func (n *NoopRecorder) IncCacheMiss() {}

// IncCacheNegativeHit is a no-op.
func (n *NoopRecorder) IncCacheNegativeHit() {}

// IncCacheBloomReject is a no-op.
func (n *NoopRecorder) IncCacheBloomReject() {}

// ObserveRedirectDuration is a no-op.
func (n *NoopRecorder) ObserveRedirectDuration(duration time.Duration) {}

// IncLinkCreated is a no-op.
func (n *NoopRecorder) IncLinkCreated() {}

// IncLinkUpdated is a no-op.
func (n *NoopRecorder) IncLinkUpdated() {}

// IncLinkDeleted is a no-op.
func (n *NoopRecorder) IncLinkDeleted() {}

// IncClickBuffered is a no-op.
func (n *NoopRecorder) IncClickBuffered() {}

// IncClickFlush is a no-op.
func (n *NoopRecorder) IncClickFlush(status string) {}

// ObserveClickFlushSize is a no-op.
func (n *NoopRecorder) ObserveClickFlushSize(size int) {}

// ObserveClickFlushDuration is a no-op.
func (n *NoopRecorder) ObserveClickFlushDuration(duration time.Duration) {}

// IncClicksDropped is a no-op.
func (n *NoopRecorder) IncClicksDropped(count int64) {}

// IncReload is a no-op.
func (n *NoopRecorder) IncReload(target, status string) {}

// IncIPCConnection is a no-op.
func (n *NoopRecorder) IncIPCConnection() {}

// IncIPCCommand is a no-op.
func (n *NoopRecorder) IncIPCCommand(command string) {}
