//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shortlinker/shortlinker/internal/testutil"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	redisURL := testutil.RequireEnv(t, "REDIS_URL")

	limiter, err := New(context.Background(), redisURL)
	if err != nil {
		t.Fatalf("New(%q) = %v", redisURL, err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter
}

func TestAllowIP_BurstThenThrottle(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	ip := testutil.UniqueCode("198.51.100.7")

	burst := 3
	var allowed, rejected int
	for i0 := 0; i0 < 10; i0++ {
		dec, err := limiter.AllowIP(ctx, ip, 1, burst)
		if err != nil {
			t.Fatalf("AllowIP() = %v", err)
		}
		if dec.Allowed {
			allowed++
		} else {
			rejected++
			if dec.RetryAfter <= 0 {
				t.Errorf("rejected decision has RetryAfter = %v, want > 0", dec.RetryAfter)
			}
		}
	}

	// The bucket starts full; one refill tick may sneak in while looping.
	if allowed < burst || allowed > burst+1 {
		t.Errorf("allowed = %d, want about %d (burst)", allowed, burst)
	}
	if rejected == 0 {
		t.Error("expected throttling after the burst is spent")
	}
}

func TestAllowIP_ConcurrentClients(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	ip := testutil.UniqueCode("203.0.113.9")

	var allowed, rejected int64
	var wg sync.WaitGroup
	for i0 := 0; i0 < 30; i0++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := limiter.AllowIP(ctx, ip, 5, 3)
			if err != nil {
				t.Errorf("AllowIP() = %v", err)
				return
			}
			if dec.Allowed {
				atomic.AddInt64(&allowed, 1)
			} else {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	t.Logf("concurrent check: %d allowed, %d rejected", allowed, rejected)
	if rejected == 0 {
		t.Error("expected some rejections under concurrent load")
	}
	if allowed == 0 {
		t.Error("expected the initial burst to be admitted")
	}
}

func TestAllowIP_IsolatesAddresses(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	first := testutil.UniqueCode("192.0.2.1")
	second := testutil.UniqueCode("192.0.2.2")

	// Exhaust the first address.
	for i0 := 0; i0 < 5; i0++ {
		if _, err := limiter.AllowIP(ctx, first, 1, 2); err != nil {
			t.Fatalf("AllowIP(first) = %v", err)
		}
	}

	dec, err := limiter.AllowIP(ctx, second, 1, 2)
	if err != nil {
		t.Fatalf("AllowIP(second) = %v", err)
	}
	if !dec.Allowed {
		t.Error("fresh address was throttled by another address's bucket")
	}
}
