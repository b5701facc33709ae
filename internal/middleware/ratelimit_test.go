package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shortlinker/shortlinker/internal/ratelimit"
)

type stubLimiter struct {
	dec    *ratelimit.Decision
	err    error
	lastIP string
}

func (s *stubLimiter) AllowIP(_ context.Context, ip string, _, _ int) (*ratelimit.Decision, error) {
	s.lastIP = ip
	return s.dec, s.err
}

func runLimited(t *testing.T, limiter IPLimiter, remoteAddr string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var reached bool
	handler := RateLimitIP(RateLimitConfig{Logger: logger, Limiter: limiter, RPS: 100, Burst: 20})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			w.WriteHeader(http.StatusTemporaryRedirect)
		}))

	req := httptest.NewRequest(http.MethodGet, "/abc1234", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, reached
}

func TestRateLimitIP_Allowed(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{dec: &ratelimit.Decision{Allowed: true, Remaining: 19}}
	rec, reached := runLimited(t, limiter, "203.0.113.9:4312")

	if !reached {
		t.Fatal("allowed request never reached the handler")
	}
	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want 307", rec.Code)
	}
	if limiter.lastIP != "203.0.113.9" {
		t.Errorf("limiter saw ip %q, want port stripped", limiter.lastIP)
	}
}

func TestRateLimitIP_Throttled(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{dec: &ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}}
	rec, reached := runLimited(t, limiter, "203.0.113.9:4312")

	if reached {
		t.Fatal("throttled request reached the handler")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRateLimitIP_FailsOpenOnError(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{err: errors.New("redis gone")}
	rec, reached := runLimited(t, limiter, "203.0.113.9:4312")

	if !reached {
		t.Fatal("limiter error must not block the request")
	}
	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want 307", rec.Code)
	}
}

func TestRateLimitIP_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()

	_, reached := runLimited(t, nil, "")
	if !reached {
		t.Fatal("nil limiter must pass requests through")
	}
}
