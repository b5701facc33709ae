// Package runtimecfg holds the in-memory projection of the storage-backed
// runtime configuration table. Components read it through typed accessors
// that fall back to a caller-supplied default when a key is absent or
// malformed, so a missing table never blocks startup.
package runtimecfg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/storage"
)

// Keys read by the core components. Duration-valued keys accept
// time.ParseDuration syntax or a plain integer number of seconds.
// negative_cache_capacity and ipc_socket_path are read once at startup;
// changing them takes effect after a restart.
const (
	KeyDefaultRedirectURL  = "default_redirect_url"
	KeyRedirectCacheTTL    = "redirect_cache_ttl"
	KeyBloomFPRate         = "bloom_fp_rate"
	KeyNegativeCacheTTL    = "negative_cache_ttl"
	KeyNegativeCacheSize   = "negative_cache_capacity"
	KeyClickFlushInterval  = "click_flush_interval"
	KeyClickFlushThreshold = "click_flush_threshold"
	KeyIPCSocketPath       = "ipc_socket_path"
)

type snapshot map[string]model.RuntimeConfigEntry

// Config is the process-wide runtime configuration projection. Reads are
// lock-free against an atomically swapped snapshot; Load and Set replace
// the snapshot wholesale.
type Config struct {
	store  storage.ConfigStore
	logger *slog.Logger

	mu      sync.Mutex // serializes snapshot replacement
	current atomic.Pointer[snapshot]
}

// New creates an empty projection backed by store. A nil store is allowed;
// the projection then only holds values written through Set.
func New(store storage.ConfigStore, logger *slog.Logger) *Config {
	c := &Config{
		store:  store,
		logger: logger.With("component", "runtimecfg"),
	}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

// Load re-reads every entry from the backing store and swaps the snapshot.
// An absent or empty store is not an error: accessors fall back to the
// defaults supplied at their call sites.
func (c *Config) Load(ctx context.Context) error {
	if c.store == nil {
		c.logger.Warn("runtime config has no backing store, keeping defaults")
		return nil
	}

	entries, err := c.store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}

	next := make(snapshot, len(entries))
	for _, e := range entries {
		if !e.ValueType.IsValid() {
			c.logger.Warn("skipping runtime config entry with unknown value type",
				"key", e.Key, "value_type", string(e.ValueType))
			continue
		}
		next[e.Key] = e
	}

	c.mu.Lock()
	c.current.Store(&next)
	c.mu.Unlock()

	c.logger.Info("runtime config loaded", "entries", len(next))
	return nil
}

// Set persists the entry and folds it into the live snapshot.
func (c *Config) Set(ctx context.Context, entry model.RuntimeConfigEntry) error {
	if entry.Key == "" {
		return errors.New("runtime config key must not be empty")
	}
	if !entry.ValueType.IsValid() {
		return fmt.Errorf("unknown value type %q for key %q", entry.ValueType, entry.Key)
	}

	entry.UpdatedAt = time.Now().UTC()
	if c.store != nil {
		if err := c.store.SetConfig(ctx, entry); err != nil {
			return fmt.Errorf("persist runtime config %q: %w", entry.Key, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.current.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[entry.Key] = entry
	c.current.Store(&next)

	return nil
}

// Get returns the raw entry for key.
func (c *Config) Get(key string) (model.RuntimeConfigEntry, bool) {
	e, ok := (*c.current.Load())[key]
	return e, ok
}

// Entries returns a copy of all entries sorted by key.
func (c *Config) Entries() []model.RuntimeConfigEntry {
	cur := *c.current.Load()
	out := make([]model.RuntimeConfigEntry, 0, len(cur))
	for _, e := range cur {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// GetString returns the string value for key, or def when absent.
func (c *Config) GetString(key, def string) string {
	if e, ok := c.Get(key); ok {
		return e.Value
	}
	return def
}

// GetInt returns the integer value for key, or def when absent or malformed.
func (c *Config) GetInt(key string, def int) int {
	e, ok := c.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(e.Value)
	if err != nil {
		c.warnInvalid(key, err)
		return def
	}
	return v
}

// GetUint64 returns the unsigned value for key, or def when absent or malformed.
func (c *Config) GetUint64(key string, def uint64) uint64 {
	e, ok := c.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseUint(e.Value, 10, 64)
	if err != nil {
		c.warnInvalid(key, err)
		return def
	}
	return v
}

// GetBool returns the boolean value for key, or def when absent or malformed.
func (c *Config) GetBool(key string, def bool) bool {
	e, ok := c.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(e.Value)
	if err != nil {
		c.warnInvalid(key, err)
		return def
	}
	return v
}

// GetFloat64 returns the float value for key, or def when absent or malformed.
func (c *Config) GetFloat64(key string, def float64) float64 {
	e, ok := c.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(e.Value, 64)
	if err != nil {
		c.warnInvalid(key, err)
		return def
	}
	return v
}

// GetDuration returns the duration value for key, or def when absent or
// malformed. Plain integers are interpreted as seconds.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	e, ok := c.Get(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(e.Value); err == nil {
		return d
	}
	secs, err := strconv.Atoi(e.Value)
	if err != nil {
		c.warnInvalid(key, errors.New("not a duration or integer"))
		return def
	}
	return time.Duration(secs) * time.Second
}

// warnInvalid logs a malformed value without echoing it, since the entry
// may be sensitive.
func (c *Config) warnInvalid(key string, err error) {
	c.logger.Warn("invalid runtime config value, using default", "key", key, "error", err)
}
