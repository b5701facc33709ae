package reload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shortlinker/shortlinker/internal/cache"
	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
	"github.com/shortlinker/shortlinker/internal/storage"
	"github.com/shortlinker/shortlinker/internal/testutil"
)

// stubCatalog serves a fixed link set and can fail or block on demand.
type stubCatalog struct {
	mu        sync.Mutex
	links     map[string]*model.Link
	reloadErr error
	loadErr   error

	reloadCalls atomic.Int64
	loadCalls   atomic.Int64

	entered chan struct{} // signaled when Reload is called
	release chan struct{} // when set, Reload waits on it
}

func (s *stubCatalog) Reload(ctx context.Context) error {
	s.reloadCalls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadErr
}

func (s *stubCatalog) LoadAll(ctx context.Context) (map[string]*model.Link, error) {
	s.loadCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]*model.Link, len(s.links))
	for code, link := range s.links {
		out[code] = link
	}
	return out, nil
}

func (s *stubCatalog) setLoadErr(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
}

func newTestCoordinator(t *testing.T, catalog *stubCatalog, runtime *runtimecfg.Config) (*Coordinator, *cache.Cache, *metrics.InMemoryRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	linkCache, err := cache.New(cache.Options{Logger: logger})
	if err != nil {
		t.Fatalf("cache.New() = %v", err)
	}
	rec := metrics.NewInMemory()
	return NewCoordinator(catalog, linkCache, runtime, logger, rec), linkCache, rec
}

func TestCoordinator_DataReloadPrimesCache(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{links: map[string]*model.Link{
		"abc123": testutil.NewTestLink(t, "abc123"),
		"xyz789": testutil.NewTestLink(t, "xyz789"),
	}}
	c, linkCache, rec := newTestCoordinator(t, catalog, nil)

	res, err := c.Reload(context.Background(), TargetData)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if !res.Success || res.Target != TargetData || res.LinksLoaded != 2 {
		t.Fatalf("Reload() = %+v, want success with 2 links", res)
	}

	link, verdict := linkCache.Get("abc123")
	if verdict != cache.Found || link.Code != "abc123" {
		t.Errorf("Get(abc123) = %v, %v, want the loaded link", link, verdict)
	}
	if _, verdict := linkCache.Get("nothere"); verdict != cache.KnownAbsent {
		t.Errorf("Get(nothere) = %v, want KnownAbsent after priming", verdict)
	}

	st := c.Status()
	if st.IsReloading {
		t.Error("IsReloading = true after reload finished")
	}
	if st.LastDataReload == nil || !st.LastDataReload.Success {
		t.Errorf("LastDataReload = %+v, want success", st.LastDataReload)
	}
	if st.LastConfigReload != nil {
		t.Errorf("LastConfigReload = %+v, want nil", st.LastConfigReload)
	}
	if got := rec.Snapshot().Reloads["data/success"]; got != 1 {
		t.Errorf("Reloads[data/success] = %d, want 1", got)
	}
}

// A failed data reload must leave the previous cache state serving.
func TestCoordinator_DataReloadFailureKeepsServing(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{links: map[string]*model.Link{
		"abc123": testutil.NewTestLink(t, "abc123"),
	}}
	c, linkCache, rec := newTestCoordinator(t, catalog, nil)

	if _, err := c.Reload(context.Background(), TargetData); err != nil {
		t.Fatalf("priming Reload() = %v", err)
	}

	catalog.setLoadErr(errors.New("backend down"))
	res, err := c.Reload(context.Background(), TargetData)
	if err == nil {
		t.Fatal("Reload() = nil, want error")
	}
	if res.Success || !strings.Contains(res.Error, "load links") {
		t.Errorf("result = %+v, want failure mentioning load links", res)
	}

	if _, verdict := linkCache.Get("abc123"); verdict != cache.Found {
		t.Errorf("Get(abc123) = %v, want Found from the old state", verdict)
	}
	st := c.Status()
	if st.LastDataReload == nil || st.LastDataReload.Success {
		t.Errorf("LastDataReload = %+v, want recorded failure", st.LastDataReload)
	}
	if got := rec.Snapshot().Reloads["data/failed"]; got != 1 {
		t.Errorf("Reloads[data/failed] = %d, want 1", got)
	}
}

// An out-of-range Bloom rate fails the reconfigure step and aborts the
// reload before the cache is touched.
func TestCoordinator_BadBloomRateAbortsBeforeSwap(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &stubConfigStore{entries: []model.RuntimeConfigEntry{{
		Key:       runtimecfg.KeyBloomFPRate,
		Value:     "1.5",
		ValueType: model.ConfigTypeString,
	}}}
	runtime := runtimecfg.New(store, logger)
	if err := runtime.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	catalog := &stubCatalog{links: map[string]*model.Link{
		"new123": testutil.NewTestLink(t, "new123"),
	}}
	c, linkCache, _ := newTestCoordinator(t, catalog, runtime)
	linkCache.Insert(testutil.NewTestLink(t, "abc123"))

	res, err := c.Reload(context.Background(), TargetData)
	if err == nil || !strings.Contains(err.Error(), "reconfigure cache") {
		t.Fatalf("Reload() = %v, want reconfigure failure", err)
	}
	if res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if got := catalog.loadCalls.Load(); got != 1 {
		t.Errorf("loadCalls = %d, want 1", got)
	}
	if _, verdict := linkCache.Get("abc123"); verdict != cache.Found {
		t.Errorf("Get(abc123) = %v, want Found, cache must be untouched", verdict)
	}
	if _, verdict := linkCache.Get("new123"); verdict == cache.Found {
		t.Error("Get(new123) = Found, aborted reload must not load links")
	}
}

func TestCoordinator_ConfigReloadRefreshesRuntime(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &stubConfigStore{entries: []model.RuntimeConfigEntry{{
		Key:       runtimecfg.KeyDefaultRedirectURL,
		Value:     "https://a.example",
		ValueType: model.ConfigTypeString,
	}}}
	runtime := runtimecfg.New(store, logger)
	if err := runtime.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	catalog := &stubCatalog{}
	c, _, rec := newTestCoordinator(t, catalog, runtime)

	store.put(model.RuntimeConfigEntry{
		Key:       runtimecfg.KeyDefaultRedirectURL,
		Value:     "https://b.example",
		ValueType: model.ConfigTypeString,
	})

	res, err := c.Reload(context.Background(), TargetConfig)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if !res.Success || res.Target != TargetConfig {
		t.Fatalf("result = %+v, want config success", res)
	}
	if got := runtime.GetString(runtimecfg.KeyDefaultRedirectURL, ""); got != "https://b.example" {
		t.Errorf("GetString() = %q, want the refreshed value", got)
	}

	st := c.Status()
	if st.LastConfigReload == nil || !st.LastConfigReload.Success {
		t.Errorf("LastConfigReload = %+v, want success", st.LastConfigReload)
	}
	if st.LastDataReload != nil {
		t.Errorf("LastDataReload = %+v, want nil", st.LastDataReload)
	}
	if got := rec.Snapshot().Reloads["config/success"]; got != 1 {
		t.Errorf("Reloads[config/success] = %d, want 1", got)
	}
}

func TestCoordinator_ConfigReloadWithoutRuntimeSucceeds(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, &stubCatalog{}, nil)

	res, err := c.Reload(context.Background(), TargetConfig)
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
}

// Reloading everything runs both phases even when the first fails, and the
// data error is the one reported.
func TestCoordinator_AllRunsBothPhases(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &stubConfigStore{}
	runtime := runtimecfg.New(store, logger)

	catalog := &stubCatalog{}
	catalog.setLoadErr(errors.New("backend down"))
	c, _, rec := newTestCoordinator(t, catalog, runtime)

	res, err := c.Reload(context.Background(), TargetAll)
	if err == nil || !strings.Contains(err.Error(), "load links") {
		t.Fatalf("Reload() = %v, want the data error", err)
	}
	if res.Success || res.Target != TargetAll {
		t.Fatalf("result = %+v, want failed all-target summary", res)
	}

	st := c.Status()
	if st.LastDataReload == nil || st.LastDataReload.Success {
		t.Errorf("LastDataReload = %+v, want failure", st.LastDataReload)
	}
	if st.LastConfigReload == nil || !st.LastConfigReload.Success {
		t.Errorf("LastConfigReload = %+v, want success", st.LastConfigReload)
	}

	snap := rec.Snapshot()
	if snap.Reloads["data/failed"] != 1 || snap.Reloads["config/success"] != 1 {
		t.Errorf("Reloads = %v, want one failed data and one successful config", snap.Reloads)
	}
}

func TestCoordinator_ConcurrentReloadsCoalesce(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{
		links:   map[string]*model.Link{"abc123": testutil.NewTestLink(t, "abc123")},
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	c, _, _ := newTestCoordinator(t, catalog, nil)

	results := make(chan *Result, 2)
	go func() {
		res, _ := c.Reload(context.Background(), TargetData)
		results <- res
	}()
	<-catalog.entered

	go func() {
		res, _ := c.Reload(context.Background(), TargetData)
		results <- res
	}()
	// Give the second caller time to join the in-flight pass.
	time.Sleep(50 * time.Millisecond)
	close(catalog.release)

	r1, r2 := <-results, <-results
	if r1 != r2 {
		t.Error("concurrent reloads returned different results, want one shared pass")
	}
	if got := catalog.reloadCalls.Load(); got != 1 {
		t.Errorf("reloadCalls = %d, want 1", got)
	}
}

func TestCoordinator_StatusWhileReloading(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c, _, _ := newTestCoordinator(t, catalog, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Reload(context.Background(), TargetData)
	}()
	<-catalog.entered

	st := c.Status()
	if !st.IsReloading || st.CurrentTarget != TargetData {
		t.Errorf("Status() = %+v, want reloading data", st)
	}

	close(catalog.release)
	<-done

	st = c.Status()
	if st.IsReloading || st.CurrentTarget != "" {
		t.Errorf("Status() = %+v, want idle", st)
	}
}

func TestCoordinator_SubscribersNotified(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{links: map[string]*model.Link{
		"abc123": testutil.NewTestLink(t, "abc123"),
	}}
	c, _, _ := newTestCoordinator(t, catalog, nil)

	ch, cancel := c.Subscribe()

	if _, err := c.Reload(context.Background(), TargetData); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Target != TargetData || !ev.Success || ev.Err != nil {
			t.Errorf("event = %+v, want successful data event", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}

	catalog.setLoadErr(errors.New("backend down"))
	if _, err := c.Reload(context.Background(), TargetData); err == nil {
		t.Fatal("Reload() = nil, want error")
	}
	select {
	case ev := <-ch:
		if ev.Success || ev.Err == nil {
			t.Errorf("event = %+v, want failure event", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after cancel")
	}
}

func TestCoordinator_UnknownTargetRejected(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, &stubCatalog{}, nil)

	res, err := c.Reload(context.Background(), Target("bogus"))
	if err == nil {
		t.Fatal("Reload() = nil, want error")
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

// stubConfigStore backs a runtimecfg.Config with mutable entries.
type stubConfigStore struct {
	mu      sync.Mutex
	entries []model.RuntimeConfigEntry
}

func (s *stubConfigStore) LoadConfig(ctx context.Context) ([]model.RuntimeConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RuntimeConfigEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *stubConfigStore) GetConfig(ctx context.Context, key string) (*model.RuntimeConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Key == key {
			entry := e
			return &entry, nil
		}
	}
	return nil, storage.ErrConfigNotFound
}

func (s *stubConfigStore) SetConfig(ctx context.Context, entry model.RuntimeConfigEntry) error {
	s.put(entry)
	return nil
}

func (s *stubConfigStore) put(entry model.RuntimeConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Key == entry.Key {
			s.entries[i] = entry
			return
		}
	}
	s.entries = append(s.entries, entry)
}
