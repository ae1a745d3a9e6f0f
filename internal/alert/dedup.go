package alert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupTTL covers one UTC day plus slack for clock skew between instances.
const DedupTTL = 24 * time.Hour

// Deduplicator ensures the same alert is dispatched once across instances.
type Deduplicator interface {
	// ShouldAlert returns true only for the first caller to claim key.
	ShouldAlert(ctx context.Context, key string) bool
}

// InMemoryDeduplicator suits single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		seen: make(map[string]time.Time),
		ttl:  DedupTTL,
		now:  time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now.Add(d.ttl)
	return true
}

// RedisDeduplicator claims alert keys with SETNX so only one gateway
// instance dispatches each alert.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) key(k string) string {
	return "tiergate:alert:" + k
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.key(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Fail open: a duplicate alert beats a lost one.
		return true
	}
	return acquired
}
