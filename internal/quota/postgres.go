package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*UsageRecord, error) {
	query := `
		SELECT caller_key, daily_count, last_reset_date, tier, user_id, updated_at
		FROM usage_records
		WHERE caller_key = $1
	`

	var (
		rec       UsageRecord
		resetDate time.Time
		tierName  string
		userID    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.CallerKey,
		&rec.DailyCount,
		&resetDate,
		&tierName,
		&userID,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage record: %w", err)
	}

	rec.LastResetDate = resetDate.UTC().Format(dateLayout)
	rec.Tier = tier.ParseTier(tierName)
	rec.UserID = userID.String
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (caller_key, daily_count, last_reset_date, tier, user_id, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (caller_key) DO UPDATE SET
			daily_count = EXCLUDED.daily_count,
			last_reset_date = EXCLUDED.last_reset_date,
			tier = EXCLUDED.tier,
			user_id = COALESCE(EXCLUDED.user_id, usage_records.user_id),
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.CallerKey,
		rec.DailyCount,
		rec.LastResetDate,
		string(rec.Tier),
		rec.UserID,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE caller_key = $1`, key); err != nil {
		return fmt.Errorf("delete usage record: %w", err)
	}
	return nil
}
