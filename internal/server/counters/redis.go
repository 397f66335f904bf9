package counters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store for multi-node deployments. Each fixed
// window lives under its own key ("ctr:<key>:<window index>") so INCR gives
// atomic increment-and-read and expiry handles window reset server-side.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func redisKey(key string, idx int64) string {
	return fmt.Sprintf("ctr:%s:%d", key, idx)
}

// Increment bumps the counter for the current window. The TTL is set on
// first increment; twice the window keeps the key alive long enough for
// Peek near the boundary.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Count, error) {
	now := s.now()
	idx := windowIndex(now, window)
	start, reset := windowBounds(idx, window)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey(key, idx))
	pipe.ExpireNX(ctx, redisKey(key, idx), 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Count{}, fmt.Errorf("redis incr: %w", err)
	}
	return Count{N: incr.Val(), WindowStart: start, ResetAt: reset}, nil
}

// Peek returns the current count without incrementing.
func (s *RedisStore) Peek(ctx context.Context, key string, window time.Duration) (Count, error) {
	now := s.now()
	idx := windowIndex(now, window)
	start, reset := windowBounds(idx, window)

	n, err := s.client.Get(ctx, redisKey(key, idx)).Int64()
	if err != nil {
		if err == redis.Nil {
			return Count{N: 0, WindowStart: start, ResetAt: reset}, nil
		}
		return Count{}, fmt.Errorf("redis get: %w", err)
	}
	return Count{N: n, WindowStart: start, ResetAt: reset}, nil
}

// Reset deletes the counter keys for the current and previous window.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	// The window size is unknown here, so clear the common windows used by
	// callers via a pattern delete.
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("ctr:%s:*", key), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
