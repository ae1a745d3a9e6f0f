// Package quota implements per-caller daily quotas with a credit-ledger
// fallback once the free allowance is exhausted.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

const dateLayout = "2006-01-02"

// UsageRecord is the persisted per-caller counter. It is never deleted by
// the engine; a new UTC day resets it in place.
type UsageRecord struct {
	CallerKey     string    `json:"caller_key"`
	DailyCount    int       `json:"daily_count"`
	LastResetDate string    `json:"last_reset_date"`
	Tier          tier.Tier `json:"tier"`
	UserID        string    `json:"user_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists usage records by caller key. Get returns
// domain.ErrUsageNotFound for unknown keys.
type Store interface {
	Get(ctx context.Context, key string) (*UsageRecord, error)
	Put(ctx context.Context, rec *UsageRecord) error
	Delete(ctx context.Context, key string) error
}

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]UsageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]UsageRecord)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, domain.ErrUsageNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) Put(ctx context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.CallerKey] = *rec
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}
