// Package clicks buffers per-code click counts in memory and flushes them
// to storage in batches, keeping storage I/O off the redirect path.
package clicks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
	"github.com/shortlinker/shortlinker/internal/storage"
)

const (
	// DefaultFlushInterval is how often the background loop drains the buffer.
	DefaultFlushInterval = 10 * time.Second

	// DefaultFlushThreshold is the distinct-code count that triggers an
	// opportunistic flush between ticks.
	DefaultFlushThreshold = 1024

	// DefaultMaxBufferedCodes caps buffer growth while the sink is down.
	// Once a repeat failure would push the buffer past this many distinct
	// codes, the failed batch is dropped instead of re-merged.
	DefaultMaxBufferedCodes = 16384
)

// Manager counts clicks per code and periodically hands batches of
// (code, delta) updates to the sink. Increment never blocks on storage;
// sink failures are absorbed by the flush cycle.
type Manager struct {
	sink    storage.ClickSink
	runtime *runtimecfg.Config
	logger  *slog.Logger
	metrics metrics.Recorder
	clock   clockwork.Clock

	flushInterval  time.Duration
	flushThreshold int
	maxBuffered    int

	bufMu  sync.RWMutex
	counts map[string]*atomic.Int64

	// flushMu is the single-flight flush lock: try-lock for the timer and
	// threshold triggers, blocking lock for explicit Flush.
	flushMu             sync.Mutex
	consecutiveFailures int // guarded by flushMu

	started  bool
	draining bool
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewManager creates a click manager writing to sink. runtime may be nil;
// it supplies live overrides for the flush interval and threshold.
func NewManager(sink storage.ClickSink, runtime *runtimecfg.Config, logger *slog.Logger, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Manager{
		sink:           sink,
		runtime:        runtime,
		logger:         logger.With("component", "clicks"),
		metrics:        recorder,
		clock:          clockwork.NewRealClock(),
		flushInterval:  DefaultFlushInterval,
		flushThreshold: DefaultFlushThreshold,
		maxBuffered:    DefaultMaxBufferedCodes,
		counts:         make(map[string]*atomic.Int64),
	}
}

// SetFlushInterval overrides the default flush interval.
func (m *Manager) SetFlushInterval(interval time.Duration) {
	if interval > 0 {
		m.flushInterval = interval
	}
}

// SetFlushThreshold overrides the default flush threshold.
func (m *Manager) SetFlushThreshold(threshold int) {
	if threshold > 0 {
		m.flushThreshold = threshold
	}
}

// SetMaxBufferedCodes overrides the buffer cap applied on repeat failures.
func (m *Manager) SetMaxBufferedCodes(n int) {
	if n > 0 {
		m.maxBuffered = n
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(clock clockwork.Clock) {
	m.clock = clock
}

// Increment adds one click for code. Safe from many concurrent callers;
// contention on an existing code is a shared-lock read plus an atomic add.
func (m *Manager) Increment(code string) {
	if code == "" {
		return
	}

	m.bufMu.RLock()
	counter, ok := m.counts[code]
	if ok {
		counter.Add(1)
	}
	m.bufMu.RUnlock()

	m.metrics.IncClickBuffered()
	if ok {
		return
	}

	m.bufMu.Lock()
	counter, ok = m.counts[code]
	if !ok {
		counter = new(atomic.Int64)
		m.counts[code] = counter
	}
	counter.Add(1)
	size := len(m.counts)
	m.bufMu.Unlock()

	if size >= m.currentFlushThreshold() {
		go m.backgroundFlush("threshold")
	}
}

// Pending returns the number of distinct codes waiting to be flushed.
func (m *Manager) Pending() int {
	m.bufMu.RLock()
	defer m.bufMu.RUnlock()
	return len(m.counts)
}

// Flush drains the buffer synchronously. Unlike the background triggers it
// waits for an in-progress flush to finish rather than giving up.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushLocked(ctx, "explicit")
}

// backgroundFlush is the shared entry point for the timer and threshold
// triggers. If a flush is already running the trigger is dropped.
func (m *Manager) backgroundFlush(trigger string) {
	if !m.flushMu.TryLock() {
		m.metrics.IncClickFlush("busy")
		m.logger.Debug("flush already running, dropping trigger", "trigger", trigger)
		return
	}
	defer m.flushMu.Unlock()

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Errors are logged inside and absorbed; increment callers never see them.
	_ = m.flushLocked(ctx, trigger)
}

func (m *Manager) flushLocked(ctx context.Context, trigger string) error {
	batch := m.drain()
	if len(batch) == 0 {
		return nil
	}

	batchID := ulid.Make().String()
	start := time.Now()

	if err := m.sink.FlushClicks(ctx, batch); err != nil {
		m.metrics.IncClickFlush("failed")
		m.handleFlushFailure(batch, err, batchID, trigger)
		return fmt.Errorf("flush clicks: %w", err)
	}

	m.consecutiveFailures = 0
	m.metrics.IncClickFlush("success")
	m.metrics.ObserveClickFlushSize(len(batch))
	m.metrics.ObserveClickFlushDuration(time.Since(start))

	m.logger.Info("clicks flushed",
		"batch_id", batchID,
		"codes", len(batch),
		"trigger", trigger,
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)
	return nil
}

// drain snapshots the buffer and clears it. Increments racing with the
// swap land in the fresh map and are picked up next cycle.
func (m *Manager) drain() []storage.ClickUpdate {
	m.bufMu.Lock()
	counts := m.counts
	m.counts = make(map[string]*atomic.Int64, len(counts))
	m.bufMu.Unlock()

	batch := make([]storage.ClickUpdate, 0, len(counts))
	for code, counter := range counts {
		if n := counter.Load(); n > 0 {
			batch = append(batch, storage.ClickUpdate{Code: code, Delta: n})
		}
	}
	return batch
}

// handleFlushFailure decides what happens to a batch the sink rejected.
// A cancelled flush is not a sink failure: the batch is re-merged and the
// failure streak is untouched. Sink failures re-merge as well, until a
// repeat failure would push the buffer past maxBuffered distinct codes;
// then the batch is dropped so a dead sink cannot grow memory without
// bound. Drops are logged with counts.
func (m *Manager) handleFlushFailure(batch []storage.ClickUpdate, err error, batchID, trigger string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.remerge(batch)
		m.logger.Warn("click flush cancelled, re-merged into buffer",
			"batch_id", batchID,
			"codes", len(batch),
			"trigger", trigger,
		)
		return
	}

	m.consecutiveFailures++
	if m.consecutiveFailures >= 2 && m.Pending()+len(batch) > m.maxBuffered {
		var total int64
		for _, u := range batch {
			total += u.Delta
		}
		m.metrics.IncClicksDropped(total)
		m.logger.Error("dropping clicks after repeated sink failures",
			"batch_id", batchID,
			"codes", len(batch),
			"clicks", total,
			"consecutive_failures", m.consecutiveFailures,
			"buffered", m.Pending(),
			"error", err,
		)
		m.logger.Debug("dropped click batch detail", "batch_id", batchID, "updates", batch)
		return
	}

	m.remerge(batch)
	m.logger.Warn("click flush failed, re-merged into buffer",
		"batch_id", batchID,
		"codes", len(batch),
		"trigger", trigger,
		"error", err,
	)
}

// remerge folds a failed batch back into the buffer additively, on top of
// whatever arrived while the flush was in flight.
func (m *Manager) remerge(batch []storage.ClickUpdate) {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	for _, u := range batch {
		counter, ok := m.counts[u.Code]
		if !ok {
			counter = new(atomic.Int64)
			m.counts[u.Code] = counter
		}
		counter.Add(u.Delta)
	}
}

// Run starts the periodic flush loop. Blocks until the context is
// cancelled or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("click manager already started")
	}
	m.started = true
	m.done = make(chan struct{})
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx
	m.mu.Unlock()

	defer close(m.done)

	m.logger.Info("click manager started",
		"flush_interval", m.currentFlushInterval().String(),
		"flush_threshold", m.currentFlushThreshold(),
	)

	ticker := m.clock.NewTicker(m.currentFlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			draining := m.draining
			m.mu.Unlock()
			if draining {
				m.logger.Info("click manager draining, stopping")
				return nil
			}
			m.logger.Info("click manager stopping")
			return ctx.Err()
		case <-ticker.Chan():
			m.backgroundFlush("timer")
			// Pick up a runtime-tuned interval for the next tick.
			ticker.Reset(m.currentFlushInterval())
		}
	}
}

// Shutdown stops the loop and performs a final blocking flush so the
// remaining window is not lost on a clean exit. It implements
// server.ShutdownFunc for integration with graceful shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	m.logger.Info("click manager shutdown initiated")

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("click manager shutdown timed out")
			return ctx.Err()
		}
	}

	if err := m.Flush(ctx); err != nil {
		m.logger.Warn("final click flush failed", "error", err)
		return err
	}

	m.logger.Info("click manager shutdown complete")
	return nil
}

func (m *Manager) currentFlushInterval() time.Duration {
	if m.runtime != nil {
		if d := m.runtime.GetDuration(runtimecfg.KeyClickFlushInterval, m.flushInterval); d > 0 {
			return d
		}
	}
	return m.flushInterval
}

func (m *Manager) currentFlushThreshold() int {
	if m.runtime != nil {
		if v := m.runtime.GetInt(runtimecfg.KeyClickFlushThreshold, m.flushThreshold); v > 0 {
			return v
		}
	}
	return m.flushThreshold
}
