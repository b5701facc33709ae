// Package ratelimit provides a Redis-backed token bucket used to shield the
// redirect path from abusive clients. Redis is optional for the server as a
// whole; without it no limiter is constructed and requests pass unthrottled.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ipKeyPrefix namespaces limiter state in Redis.
	ipKeyPrefix = "shortlinker:ratelimit:ip:"
	// ipKeyTTL bounds how long an idle bucket lingers.
	ipKeyTTL = 10 * time.Second
)

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// tokenBucket refills and consumes in one atomic round trip. State per key is
// a hash of {tokens, last_update}; refill is proportional to elapsed seconds.
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1]) or burst
	local last_update = tonumber(data[2]) or now

	local elapsed = now - last_update
	tokens = math.min(burst, tokens + (elapsed * rate))

	local allowed = 0
	local retry_after = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		retry_after = math.ceil((1 - tokens) / rate)
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('EXPIRE', key, ttl)

	return {allowed, retry_after, math.floor(tokens)}
`)

// Limiter holds the Redis connection behind the token bucket.
type Limiter struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, redisURL string) (*Limiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Limiter{client: client}, nil
}

// AllowIP consumes one token from the bucket for ip, refilling at rps tokens
// per second up to burst. The address is hashed before it is used as a key so
// raw client IPs never land in Redis.
func (l *Limiter) AllowIP(ctx context.Context, ip string, rps, burst int) (*Decision, error) {
	key := ipKeyPrefix + hashIP(ip)
	now := time.Now().Unix()

	res, err := tokenBucket.Run(ctx, l.client,
		[]string{key},
		float64(rps), burst, now, int(ipKeyTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	return &Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Second,
		Remaining:  res[2],
	}, nil
}

// Ping checks Redis connectivity, satisfying the readiness probe contract.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (l *Limiter) Close() error {
	return l.client.Close()
}

func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
