package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// Records outlive one UTC day so a stale date can still be observed and
// reset rather than silently recreated.
const redisRecordTTL = 48 * time.Hour

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "tiergate:usage:"}
}

func (s *RedisStore) key(callerKey string) string {
	return s.prefix + callerKey
}

func (s *RedisStore) Get(ctx context.Context, key string) (*UsageRecord, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}

	var rec UsageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode usage record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.CallerKey), data, redisRecordTTL).Err(); err != nil {
		return fmt.Errorf("put usage record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete usage record: %w", err)
	}
	return nil
}
