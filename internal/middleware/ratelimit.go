package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shortlinker/shortlinker/internal/ratelimit"
)

// IPLimiter is the slice of the rate limiter this middleware needs.
type IPLimiter interface {
	AllowIP(ctx context.Context, ip string, rps, burst int) (*ratelimit.Decision, error)
}

// RateLimitConfig configures redirect-path throttling.
type RateLimitConfig struct {
	Logger  *slog.Logger
	Limiter IPLimiter
	RPS     int
	Burst   int
}

// RateLimitIP throttles requests per client address. A nil limiter disables
// throttling, and limiter errors fail open: a broken Redis must not take the
// redirect path down with it.
func RateLimitIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			dec, err := cfg.Limiter.AllowIP(r.Context(), ip, cfg.RPS, cfg.Burst)
			if err != nil {
				cfg.Logger.Error("rate limit check failed",
					slog.String("error", err.Error()),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !dec.Allowed {
				cfg.Logger.Warn("rate limit exceeded",
					slog.String("path", r.URL.Path),
					slog.Int64("retry_after_seconds", int64(dec.RetryAfter.Seconds())),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeRateLimited(w, dec.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error": "rate limited"}`))
}

// clientIP strips the port from RemoteAddr. Proxy headers are resolved by the
// RealIP middleware earlier in the chain, which rewrites RemoteAddr in place.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
