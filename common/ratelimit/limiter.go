package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var tokenBucketScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of one token bucket check
type Result struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter is a redis-backed token bucket shared by every API instance.
// Refill happens lazily inside the Lua script, so there is no background
// goroutine and no per-key state in the process.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a limiter with the embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(tokenBucketScript),
		logger: logger,
	}
}

// AllowUser checks the per-user bucket
func (l *Limiter) AllowUser(ctx context.Context, userID string, rate, burst, cost int) (*Result, error) {
	return l.Allow(ctx, fmt.Sprintf("rate_limit:user:%s", userID), rate, burst, cost)
}

// Allow takes cost tokens from the bucket at key if they are available
func (l *Limiter) Allow(ctx context.Context, key string, rate, burst, cost int) (*Result, error) {
	now := time.Now().UnixMilli()

	raw, err := l.script.Run(ctx, l.redis, []string{key}, rate, burst, now, cost).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Script returns {allowed, remaining (string), retry_after_ms}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	allowed, _ := values[0].(int64)
	remaining, _ := strconv.ParseFloat(fmt.Sprint(values[1]), 64)
	retryAfterMs, _ := values[2].(int64)

	result := &Result{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"cost", cost,
			"remaining", remaining,
			"retry_after", result.RetryAfter)
	}

	return result, nil
}

// Reset clears a bucket, used by tests and admin tooling
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
