package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	CacheHits               uint64
	CacheMisses             uint64
	CacheNegativeHits       uint64
	CacheBloomRejects       uint64
	RedirectDurationCount   uint64
	RedirectDurationTotalNs int64
	LinksCreated            uint64
	LinksUpdated            uint64
	LinksDeleted            uint64
	ClicksBuffered          uint64
	ClicksDropped           uint64
	ClickFlushSizeTotal     uint64
	ClickFlushNs            int64
	ClickFlushes            map[string]uint64
	Reloads                 map[string]uint64
	IPCConnections          uint64
	IPCCommands             map[string]uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	cacheHits               uint64
	cacheMisses             uint64
	cacheNegativeHits       uint64
	cacheBloomRejects       uint64
	redirectDurationCount   uint64
	redirectDurationTotalNs int64
	linksCreated            uint64
	linksUpdated            uint64
	linksDeleted            uint64
	clicksBuffered          uint64
	clicksDropped           uint64
	clickFlushSizeTotal     uint64
	clickFlushNs            int64
	ipcConnections          uint64

	mu           sync.Mutex
	clickFlushes map[string]uint64
	reloads      map[string]uint64
	ipcCommands  map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		clickFlushes: make(map[string]uint64),
		reloads:      make(map[string]uint64),
		ipcCommands:  make(map[string]uint64),
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	snap := Snapshot{
		CacheHits:               atomic.LoadUint64(&m.cacheHits),
		CacheMisses:             atomic.LoadUint64(&m.cacheMisses),
		CacheNegativeHits:       atomic.LoadUint64(&m.cacheNegativeHits),
		CacheBloomRejects:       atomic.LoadUint64(&m.cacheBloomRejects),
		RedirectDurationCount:   atomic.LoadUint64(&m.redirectDurationCount),
		RedirectDurationTotalNs: atomic.LoadInt64(&m.redirectDurationTotalNs),
		LinksCreated:            atomic.LoadUint64(&m.linksCreated),
		LinksUpdated:            atomic.LoadUint64(&m.linksUpdated),
		LinksDeleted:            atomic.LoadUint64(&m.linksDeleted),
		ClicksBuffered:          atomic.LoadUint64(&m.clicksBuffered),
		ClicksDropped:           atomic.LoadUint64(&m.clicksDropped),
		ClickFlushSizeTotal:     atomic.LoadUint64(&m.clickFlushSizeTotal),
		ClickFlushNs:            atomic.LoadInt64(&m.clickFlushNs),
		IPCConnections:          atomic.LoadUint64(&m.ipcConnections),
		ClickFlushes:            make(map[string]uint64),
		Reloads:                 make(map[string]uint64),
		IPCCommands:             make(map[string]uint64),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.clickFlushes {
		snap.ClickFlushes[k] = v
	}
	for k, v := range m.reloads {
		snap.Reloads[k] = v
	}
	for k, v := range m.ipcCommands {
		snap.IPCCommands[k] = v
	}

	return snap
}

// IncCacheHit increments the object-cache hit counter.
func (m *InMemoryRecorder) IncCacheHit() {
	atomic.AddUint64(&m.cacheHits, 1)
}

// IncCacheMiss increments the cache miss counter.
func (m *InMemoryRecorder) IncCacheMiss() {
	atomic.AddUint64(&m.cacheMisses, 1)
}

// IncCacheNegativeHit increments the negative-cache hit counter.
func (m *InMemoryRecorder) IncCacheNegativeHit() {
	atomic.AddUint64(&m.cacheNegativeHits, 1)
}

// IncCacheBloomReject increments the Bloom rejection counter.
func (m *InMemoryRecorder) IncCacheBloomReject() {
	atomic.AddUint64(&m.cacheBloomRejects, 1)
}

// ObserveRedirectDuration records redirect duration.
func (m *InMemoryRecorder) ObserveRedirectDuration(duration time.Duration) {
	atomic.AddUint64(&m.redirectDurationCount, 1)
	atomic.AddInt64(&m.redirectDurationTotalNs, duration.Nanoseconds())
}

// IncLinkCreated increments link created counter.
func (m *InMemoryRecorder) IncLinkCreated() {
	atomic.AddUint64(&m.linksCreated, 1)
}

// IncLinkUpdated increments link updated counter.
func (m *InMemoryRecorder) IncLinkUpdated() {
	atomic.AddUint64(&m.linksUpdated, 1)
}

// IncLinkDeleted increments link deleted counter.
func (m *InMemoryRecorder) IncLinkDeleted() {
	atomic.AddUint64(&m.linksDeleted, 1)
}

// IncClickBuffered increments the buffered click counter.
func (m *InMemoryRecorder) IncClickBuffered() {
	atomic.AddUint64(&m.clicksBuffered, 1)
}

// IncClickFlush counts a flush attempt by outcome.
func (m *InMemoryRecorder) IncClickFlush(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clickFlushes[status]++
}

// ObserveClickFlushSize records the number of entries in a flush batch.
func (m *InMemoryRecorder) ObserveClickFlushSize(size int) {
	atomic.AddUint64(&m.clickFlushSizeTotal, uint64(size))
}

// ObserveClickFlushDuration records how long a flush took.
func (m *InMemoryRecorder) ObserveClickFlushDuration(duration time.Duration) {
	atomic.AddInt64(&m.clickFlushNs, duration.Nanoseconds())
}

// IncClicksDropped counts clicks discarded after repeated sink failures.
func (m *InMemoryRecorder) IncClicksDropped(count int64) {
	if count > 0 {
		atomic.AddUint64(&m.clicksDropped, uint64(count))
	}
}

// IncReload counts a reload by target and outcome.
func (m *InMemoryRecorder) IncReload(target, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads[target+"/"+status]++
}

// IncIPCConnection increments the accepted-connection counter.
func (m *InMemoryRecorder) IncIPCConnection() {
	atomic.AddUint64(&m.ipcConnections, 1)
}

// IncIPCCommand counts a dispatched command by name.
func (m *InMemoryRecorder) IncIPCCommand(command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ipcCommands[command]++
}
