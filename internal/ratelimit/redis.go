package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tiergate:ratelimit:"

// RedisRateLimiter is a sorted-set rolling window shared by every gateway
// instance. Rejected requests are removed again so they do not extend the
// caller's penalty.
type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	key = redisKeyPrefix + key
	now := time.Now()
	windowStart := now.Add(-Window)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatTime(windowStart))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	resetAt := now.Add(Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(Window)
	}

	count := int(countCmd.Val())
	if count > limit {
		if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
			return false, 0, resetAt, fmt.Errorf("rate limit rollback: %w", err)
		}
		return false, 0, resetAt, nil
	}

	return true, limit - count, resetAt, nil
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}
