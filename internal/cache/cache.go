// Package cache implements the in-process lookup cache that fronts link
// storage on the redirect path: an LRU of link snapshots, a negative cache
// of codes confirmed absent, and a Bloom filter over registered codes.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
	"github.com/jonboulle/clockwork"

	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
)

// Capacity and TTL defaults applied by New when an Options field is zero.
const (
	DefaultObjectCapacity   = 16384
	DefaultNegativeCapacity = 4096

	// DefaultLinkTTL is the TTL for cached link snapshots.
	DefaultLinkTTL = 24 * time.Hour

	// DefaultNegativeTTL is the TTL for negative cache entries.
	DefaultNegativeTTL = 5 * time.Minute

	// DefaultBloomFPRate is the target false-positive rate for the
	// Bloom filter at its configured capacity.
	DefaultBloomFPRate = 0.001

	// minBloomCapacity keeps the filter meaningful when the catalog is
	// empty or tiny.
	minBloomCapacity = 1024
)

// Verdict classifies a cache lookup outcome.
type Verdict int

const (
	// Unknown means the cache cannot decide and storage must be consulted.
	Unknown Verdict = iota
	// Found means a live link snapshot was served from the object cache.
	Found
	// KnownAbsent means the code is confirmed absent (negative cache) or
	// probabilistically absent (Bloom filter).
	KnownAbsent
)

// String implements fmt.Stringer for log output.
func (v Verdict) String() string {
	switch v {
	case Found:
		return "found"
	case KnownAbsent:
		return "known_absent"
	default:
		return "unknown"
	}
}

// Options configures a Cache. Zero fields fall back to the package defaults.
type Options struct {
	ObjectCapacity   int
	NegativeCapacity int
	LinkTTL          time.Duration
	NegativeTTL      time.Duration
	BloomCapacity    uint64
	BloomFPRate      float64

	// Runtime, when set, lets redirect_cache_ttl and negative_cache_ttl
	// override the configured TTLs without a restart.
	Runtime *runtimecfg.Config

	Clock   clockwork.Clock
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

type entry struct {
	link     *model.Link
	deadline time.Time
}

// state bundles the three tiers so they can be replaced in one pointer
// swap. The Bloom filter starts unprimed: until a full catalog load it
// cannot prove absence, so lookups fall through to storage instead of
// rejecting codes the filter has simply never seen.
type state struct {
	objects   *lru.Cache[string, entry]
	negatives *lru.Cache[string, time.Time]
	bloom     *bloomfilter.Filter
	primed    bool
}

// Cache is the composite lookup cache. Reads are served from an immutable
// state pointer; reload builds a replacement state off to the side and
// swaps it in a single store, so readers never observe a half-built view.
type Cache struct {
	opts    Options
	clock   clockwork.Clock
	metrics metrics.Recorder
	logger  *slog.Logger

	live atomic.Pointer[state]

	mu      sync.Mutex // guards pending and serializes mutations
	pending *state
}

// New creates a Cache ready for lookups. The Bloom filter stays unprimed
// until the first Load.
func New(opts Options) (*Cache, error) {
	if opts.ObjectCapacity <= 0 {
		opts.ObjectCapacity = DefaultObjectCapacity
	}
	if opts.NegativeCapacity <= 0 {
		opts.NegativeCapacity = DefaultNegativeCapacity
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = DefaultLinkTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = DefaultBloomFPRate
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	st, err := newState(opts.ObjectCapacity, opts.NegativeCapacity, opts.BloomCapacity, opts.BloomFPRate)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "cache"),
	}
	c.live.Store(st)
	return c, nil
}

func newState(objCap, negCap int, bloomCap uint64, fpRate float64) (*state, error) {
	if fpRate <= 0 || fpRate >= 1 {
		return nil, fmt.Errorf("bloom false-positive rate %v outside (0, 1)", fpRate)
	}
	if bloomCap < minBloomCapacity {
		bloomCap = minBloomCapacity
	}

	objects, err := lru.New[string, entry](objCap)
	if err != nil {
		return nil, fmt.Errorf("object cache: %w", err)
	}
	negatives, err := lru.New[string, time.Time](negCap)
	if err != nil {
		return nil, fmt.Errorf("negative cache: %w", err)
	}
	bloom, err := bloomfilter.NewOptimal(bloomCap, fpRate)
	if err != nil {
		return nil, fmt.Errorf("bloom filter: %w", err)
	}

	return &state{objects: objects, negatives: negatives, bloom: bloom}, nil
}

func hashCode(code string) uint64 {
	return xxhash.Sum64String(code)
}

// Get answers a lookup from memory only; it never touches storage. The
// negative cache is consulted before the object cache so a freshly
// deleted code cannot be served from a stale snapshot.
func (c *Cache) Get(code string) (*model.Link, Verdict) {
	st := c.live.Load()
	now := c.clock.Now()

	if deadline, ok := st.negatives.Get(code); ok {
		if now.Before(deadline) {
			c.metrics.IncCacheNegativeHit()
			return nil, KnownAbsent
		}
		st.negatives.Remove(code)
	}

	if e, ok := st.objects.Get(code); ok {
		if now.Before(e.deadline) {
			c.metrics.IncCacheHit()
			return e.link, Found
		}
		st.objects.Remove(code)
	}

	if st.primed && !st.bloom.ContainsHash(hashCode(code)) {
		c.metrics.IncCacheBloomReject()
		return nil, KnownAbsent
	}

	c.metrics.IncCacheMiss()
	return nil, Unknown
}

// Insert places a snapshot in the object cache, clears any negative entry
// and registers the code in the Bloom filter. An already-expired link is
// treated as a delete. The entry TTL is the configured link TTL, shortened
// so a snapshot never outlives its link's expiry.
func (c *Cache) Insert(link *model.Link) {
	if link == nil || link.Code == "" {
		return
	}

	now := c.clock.Now()
	ttl := c.linkTTL()
	if remaining, bounded := link.TTLAt(now); bounded {
		if remaining <= 0 {
			c.Invalidate(link.Code)
			return
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	deadline := now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	insertInto(c.live.Load(), link, deadline)
	if c.pending != nil {
		insertInto(c.pending, link, deadline)
	}
}

func insertInto(st *state, link *model.Link, deadline time.Time) {
	st.negatives.Remove(link.Code)
	st.objects.Add(link.Code, entry{link: link, deadline: deadline})
	st.bloom.AddHash(hashCode(link.Code))
}

// Invalidate drops any cached snapshot and negative entry for code. It
// asserts nothing about existence; use MarkAbsent once storage has
// confirmed the code is gone.
func (c *Cache) Invalidate(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	invalidateIn(c.live.Load(), code)
	if c.pending != nil {
		invalidateIn(c.pending, code)
	}
}

func invalidateIn(st *state, code string) {
	st.objects.Remove(code)
	st.negatives.Remove(code)
}

// MarkAbsent records a storage-confirmed miss so repeat lookups
// short-circuit without touching storage.
func (c *Cache) MarkAbsent(code string) {
	if code == "" {
		return
	}
	deadline := c.clock.Now().Add(c.negativeTTL())

	c.mu.Lock()
	defer c.mu.Unlock()
	markAbsentIn(c.live.Load(), code, deadline)
	if c.pending != nil {
		markAbsentIn(c.pending, code, deadline)
	}
}

func markAbsentIn(st *state, code string, deadline time.Time) {
	st.objects.Remove(code)
	st.negatives.Add(code, deadline)
}

// Reconfigure stages an empty replacement state whose Bloom filter is
// sized for capacity links at the given false-positive rate. The staged
// state becomes visible on the next Load; mutations arriving in between
// are applied to both the live and the staged state so neither view
// loses them.
func (c *Cache) Reconfigure(capacity uint64, fpRate float64) error {
	st, err := newState(c.opts.ObjectCapacity, c.opts.NegativeCapacity, capacity, fpRate)
	if err != nil {
		return fmt.Errorf("reconfigure cache: %w", err)
	}

	c.mu.Lock()
	c.pending = st
	c.mu.Unlock()

	c.logger.Debug("staged replacement cache state",
		"bloom_capacity", capacity,
		"bloom_fp_rate", fpRate,
	)
	return nil
}

// Load bulk-replaces the cache contents with the given links and swaps the
// result in as the live state in a single pointer store. Expired links
// still register in the Bloom filter, since their codes remain in storage,
// but get no object entry. Without a prior Reconfigure the replacement
// Bloom is sized for the loaded set at the configured rate.
func (c *Cache) Load(links []*model.Link) error {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.pending
	c.pending = nil
	if st == nil {
		var err error
		st, err = newState(c.opts.ObjectCapacity, c.opts.NegativeCapacity, uint64(len(links)), c.bloomFPRate())
		if err != nil {
			return fmt.Errorf("load cache: %w", err)
		}
	}

	ttl := c.linkTTL()
	cached := 0
	for _, link := range links {
		if link == nil || link.Code == "" {
			continue
		}
		st.bloom.AddHash(hashCode(link.Code))

		remaining, bounded := link.TTLAt(now)
		if bounded && remaining <= 0 {
			continue
		}
		d := ttl
		if bounded && remaining < d {
			d = remaining
		}
		st.objects.Add(link.Code, entry{link: link, deadline: now.Add(d)})
		cached++
	}
	st.primed = true

	c.live.Store(st)
	c.logger.Info("cache loaded", "links", len(links), "cached", cached)
	return nil
}

// Len returns the number of entries currently in the object cache.
func (c *Cache) Len() int {
	return c.live.Load().objects.Len()
}

func (c *Cache) linkTTL() time.Duration {
	if c.opts.Runtime != nil {
		return c.opts.Runtime.GetDuration(runtimecfg.KeyRedirectCacheTTL, c.opts.LinkTTL)
	}
	return c.opts.LinkTTL
}

func (c *Cache) negativeTTL() time.Duration {
	if c.opts.Runtime != nil {
		return c.opts.Runtime.GetDuration(runtimecfg.KeyNegativeCacheTTL, c.opts.NegativeTTL)
	}
	return c.opts.NegativeTTL
}

// bloomFPRate returns the runtime-tuned rate, falling back to the
// configured one when the override is missing or out of range.
func (c *Cache) bloomFPRate() float64 {
	rate := c.opts.BloomFPRate
	if c.opts.Runtime != nil {
		rate = c.opts.Runtime.GetFloat64(runtimecfg.KeyBloomFPRate, rate)
	}
	if rate <= 0 || rate >= 1 {
		rate = c.opts.BloomFPRate
	}
	return rate
}
