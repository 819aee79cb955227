package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a sliding window over a Redis sorted
// set per key. Use it when multiple console instances share one limit.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed sliding window limiter.
//   - prefix namespaces the keys (e.g. "loupe:rl:query")
//   - limit: maximum requests per window per key
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow records the request and reports whether it fits in the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := l.prefix + ":" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixMicro()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis window check: %w", err)
	}

	if countCmd.Val() >= int64(l.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	pipe.Expire(ctx, redisKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis record request: %w", err)
	}

	return true, nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }
