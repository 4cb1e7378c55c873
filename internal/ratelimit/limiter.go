// Package ratelimit provides a Redis-backed token bucket limiter for the
// REST edge. Login and MFA routes get a much tighter budget than the rest
// of the API.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter settings.
type Config struct {
	// DefaultRPS applies to all routes without a specific class.
	DefaultRPS int
	// AuthRPS applies to credential-bearing routes (login, MFA, refresh).
	AuthRPS int
	// BurstFactor multiplies the per-second rate into bucket capacity.
	BurstFactor int
	// Window converts RPS into a refill interval; normally one second.
	Window time.Duration
	// KeyPrefix namespaces the limiter's Redis keys.
	KeyPrefix string
	// FailOpen allows requests through when Redis is unavailable.
	FailOpen bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultRPS:  100,
		AuthRPS:     10,
		BurstFactor: 2,
		Window:      time.Second,
		KeyPrefix:   "ratelimit",
		FailOpen:    true,
	}
}

// limitFor picks the rate class from the key. Keys look like
// "auth:<ip>" or "api:<ip>".
func (c *Config) limitFor(key string) int {
	if strings.HasPrefix(key, "auth:") {
		return c.AuthRPS
	}
	return c.DefaultRPS
}

// Limiter is a Redis token bucket. State updates run inside a Lua script so
// concurrent instances share one atomic bucket per key.
type Limiter struct {
	client *redis.Client
	config *Config
	script *redis.Script
}

// NewLimiter creates a limiter on the shared Redis client.
func NewLimiter(client *redis.Client, config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local rate = tonumber(ARGV[2])
		local capacity = tonumber(ARGV[3])
		local cost = tonumber(ARGV[4]) or 1

		local tokens = tonumber(redis.call('HGET', key, 'tokens'))
		local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

		if tokens == nil then
			tokens = capacity
			last_refill = now
		end

		local elapsed = now - last_refill
		tokens = math.min(tokens + elapsed * rate, capacity)

		local allowed = tokens >= cost
		if allowed then
			tokens = tokens - cost
		end

		redis.call('HSET', key, 'tokens', tokens)
		redis.call('HSET', key, 'last_refill', now)
		redis.call('EXPIRE', key, math.ceil(capacity / rate * 2))

		local retry_after = 0
		if not allowed then
			retry_after = (cost - tokens) / rate
		end

		return {allowed and 1 or 0, math.floor(tokens), math.ceil(retry_after)}
	`)

	return &Limiter{client: client, config: config, script: script}
}

// Allow consumes one token for the key. On rejection, retryAfter says how
// long until a token is available.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now()
	limit := l.config.limitFor(key)
	capacity := limit
	if l.config.BurstFactor > 1 {
		capacity = limit * l.config.BurstFactor
	}

	windowSeconds := l.config.Window.Seconds()
	if windowSeconds == 0 {
		windowSeconds = 1.0
	}
	refillRate := float64(limit) / windowSeconds

	result, err := l.script.Run(ctx, l.client,
		[]string{fmt.Sprintf("%s:%s", l.config.KeyPrefix, key)},
		float64(now.Unix())+float64(now.Nanosecond())/1e9,
		refillRate,
		capacity,
		1,
	).Result()
	if err != nil {
		if l.config.FailOpen {
			return true, 0, nil
		}
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, fmt.Errorf("invalid script result")
	}

	allowed = values[0].(int64) == 1
	retryAfter = time.Duration(values[2].(int64)) * time.Second
	return allowed, retryAfter, nil
}

// Reset clears the bucket for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, fmt.Sprintf("%s:%s", l.config.KeyPrefix, key)).Err()
}
