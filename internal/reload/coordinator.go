// Package reload coordinates live refreshes of the link catalog and the
// runtime configuration without restarting the process.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/shortlinker/shortlinker/internal/cache"
	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
)

// Target selects what a reload refreshes.
type Target string

const (
	TargetData   Target = "data"
	TargetConfig Target = "config"
	TargetAll    Target = "all"
)

// ParseTarget maps the wire spelling of a reload target onto a Target.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetData, TargetConfig, TargetAll:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown reload target %q", s)
}

// Result describes one finished reload pass.
type Result struct {
	Target      Target    `json:"target"`
	Success     bool      `json:"success"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  float64   `json:"duration_ms"`
	LinksLoaded int       `json:"links_loaded,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Status is a point-in-time view of reload activity.
type Status struct {
	IsReloading      bool    `json:"is_reloading"`
	CurrentTarget    Target  `json:"current_target,omitempty"`
	LastDataReload   *Result `json:"last_data_reload,omitempty"`
	LastConfigReload *Result `json:"last_config_reload,omitempty"`
}

// Event is delivered to subscribers after each reload phase finishes.
type Event struct {
	Target  Target
	Success bool
	Err     error
}

// Catalog is the slice of the store a data reload needs.
type Catalog interface {
	// Reload lets snapshot-backed stores re-read their source.
	Reload(ctx context.Context) error

	// LoadAll returns the full catalog keyed by code.
	LoadAll(ctx context.Context) (map[string]*model.Link, error)
}

// Coordinator serializes reloads and rebuilds the lookup cache from
// storage. A data reload swaps the cache in one step, so concurrent
// lookups see either the old state or the new one, never a half-built mix.
type Coordinator struct {
	catalog Catalog
	cache   *cache.Cache
	runtime *runtimecfg.Config
	logger  *slog.Logger
	metrics metrics.Recorder
	clock   clockwork.Clock

	group  singleflight.Group
	execMu sync.Mutex

	mu         sync.RWMutex
	reloading  bool
	target     Target
	lastData   *Result
	lastConfig *Result

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// NewCoordinator creates a reload coordinator. runtime may be nil; config
// reloads then log a warning and succeed.
func NewCoordinator(catalog Catalog, linkCache *cache.Cache, runtime *runtimecfg.Config, logger *slog.Logger, recorder metrics.Recorder) *Coordinator {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Coordinator{
		catalog:     catalog,
		cache:       linkCache,
		runtime:     runtime,
		logger:      logger.With("component", "reload"),
		metrics:     recorder,
		clock:       clockwork.NewRealClock(),
		subscribers: make(map[int]chan Event),
	}
}

// SetClock overrides the wall clock, for tests.
func (c *Coordinator) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

// Reload refreshes the given target and reports what happened. Concurrent
// calls for the same target share one pass; calls for different targets
// run one after another, so at most one reload executes at any time.
func (c *Coordinator) Reload(ctx context.Context, target Target) (*Result, error) {
	if _, err := ParseTarget(string(target)); err != nil {
		return nil, err
	}

	v, err, _ := c.group.Do(string(target), func() (any, error) {
		return c.execute(ctx, target)
	})
	result, _ := v.(*Result)
	return result, err
}

// Status reports whether a reload is running and the outcome of the last
// data and config passes.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		IsReloading:   c.reloading,
		CurrentTarget: c.target,
	}
	if c.lastData != nil {
		res := *c.lastData
		st.LastDataReload = &res
	}
	if c.lastConfig != nil {
		res := *c.lastConfig
		st.LastConfigReload = &res
	}
	return st
}

// Subscribe registers a listener for reload outcomes and returns the event
// channel plus a cancel function. Delivery is best-effort: a subscriber
// that is not keeping up misses events instead of stalling the reload.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, 8)
	c.subscribers[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Coordinator) notify(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, target Target) (*Result, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	c.reloading = true
	c.target = target
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reloading = false
		c.target = ""
		c.mu.Unlock()
	}()

	c.logger.Info("reload started", "target", string(target))

	var (
		dataRes, cfgRes *Result
		dataErr, cfgErr error
	)
	switch target {
	case TargetData:
		dataRes, dataErr = c.runData(ctx)
	case TargetConfig:
		cfgRes, cfgErr = c.runConfig(ctx)
	case TargetAll:
		// Both phases always run; the data error wins when both fail.
		dataRes, dataErr = c.runData(ctx)
		cfgRes, cfgErr = c.runConfig(ctx)
	}

	c.mu.Lock()
	if dataRes != nil {
		c.lastData = dataRes
	}
	if cfgRes != nil {
		c.lastConfig = cfgRes
	}
	c.mu.Unlock()

	switch target {
	case TargetData:
		return dataRes, dataErr
	case TargetConfig:
		return cfgRes, cfgErr
	}

	err := dataErr
	if err == nil {
		err = cfgErr
	}
	res := &Result{
		Target:      TargetAll,
		Success:     err == nil,
		StartedAt:   dataRes.StartedAt,
		FinishedAt:  cfgRes.FinishedAt,
		DurationMs:  dataRes.DurationMs + cfgRes.DurationMs,
		LinksLoaded: dataRes.LinksLoaded,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

func (c *Coordinator) runData(ctx context.Context) (*Result, error) {
	start := c.clock.Now()
	links, err := c.refreshData(ctx)
	finished := c.clock.Now()

	res := &Result{
		Target:      TargetData,
		Success:     err == nil,
		StartedAt:   start.UTC(),
		FinishedAt:  finished.UTC(),
		DurationMs:  float64(finished.Sub(start).Microseconds()) / 1000,
		LinksLoaded: links,
	}
	status := "success"
	if err != nil {
		res.Error = err.Error()
		status = "failed"
		c.logger.Error("data reload failed", "error", err, "duration_ms", res.DurationMs)
	} else {
		c.logger.Info("data reload complete", "links", links, "duration_ms", res.DurationMs)
	}
	c.metrics.IncReload(string(TargetData), status)
	c.notify(Event{Target: TargetData, Success: err == nil, Err: err})
	return res, err
}

// refreshData rebuilds the cache from storage. The existing cache state
// keeps serving lookups until the final load swaps it out; any failure
// before that leaves the cache exactly as it was.
func (c *Coordinator) refreshData(ctx context.Context) (int, error) {
	if err := c.catalog.Reload(ctx); err != nil {
		return 0, fmt.Errorf("reload storage: %w", err)
	}
	all, err := c.catalog.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load links: %w", err)
	}

	fpRate := cache.DefaultBloomFPRate
	if c.runtime != nil {
		fpRate = c.runtime.GetFloat64(runtimecfg.KeyBloomFPRate, fpRate)
	}
	if err := c.cache.Reconfigure(uint64(len(all)), fpRate); err != nil {
		return 0, fmt.Errorf("reconfigure cache: %w", err)
	}

	links := make([]*model.Link, 0, len(all))
	for _, link := range all {
		links = append(links, link)
	}
	if err := c.cache.Load(links); err != nil {
		return 0, fmt.Errorf("prime cache: %w", err)
	}
	return len(links), nil
}

func (c *Coordinator) runConfig(ctx context.Context) (*Result, error) {
	start := c.clock.Now()
	err := c.refreshConfig(ctx)
	finished := c.clock.Now()

	res := &Result{
		Target:     TargetConfig,
		Success:    err == nil,
		StartedAt:  start.UTC(),
		FinishedAt: finished.UTC(),
		DurationMs: float64(finished.Sub(start).Microseconds()) / 1000,
	}
	status := "success"
	if err != nil {
		res.Error = err.Error()
		status = "failed"
		c.logger.Error("config reload failed", "error", err, "duration_ms", res.DurationMs)
	} else {
		c.logger.Info("config reload complete", "duration_ms", res.DurationMs)
	}
	c.metrics.IncReload(string(TargetConfig), status)
	c.notify(Event{Target: TargetConfig, Success: err == nil, Err: err})
	return res, err
}

func (c *Coordinator) refreshConfig(ctx context.Context) error {
	if c.runtime == nil {
		c.logger.Warn("runtime config not initialized, nothing to reload")
		return nil
	}
	if err := c.runtime.Load(ctx); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	return nil
}
