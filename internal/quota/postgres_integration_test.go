//go:build integration

package quota_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/quota"
	"github.com/felipepmaragno/tiergate/internal/tier"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestPostgresStoreUpsert(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := quota.NewPostgresStore(db)
	ctx := context.Background()
	key := "it-" + time.Now().Format("20060102150405")
	defer store.Delete(ctx, key)

	if _, err := store.Get(ctx, key); !errors.Is(err, domain.ErrUsageNotFound) {
		t.Fatalf("Get() on missing key = %v", err)
	}

	rec := &quota.UsageRecord{CallerKey: key, DailyCount: 1, LastResetDate: "2026-03-14", Tier: tier.Anonymous, UpdatedAt: time.Now()}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec.DailyCount = 2
	rec.UserID = "user-9"
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DailyCount != 2 || got.LastResetDate != "2026-03-14" || got.UserID != "user-9" {
		t.Errorf("record = %+v", got)
	}
}

func TestEngineWithPostgresStore(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := quota.NewPostgresStore(db)
	ctx := context.Background()
	key := "it-engine-" + time.Now().Format("20060102150405")
	defer store.Delete(ctx, key)

	e := quota.NewEngine(store, nil)
	d, err := e.TrackUsage(ctx, quota.Caller{Key: key, Tier: tier.Anonymous})
	if err != nil {
		t.Fatalf("TrackUsage() error = %v", err)
	}
	if !d.Allowed || d.Used != 1 {
		t.Errorf("decision = %+v", d)
	}
}
