package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reoxt/basesync/internal/database/postgres"
	"github.com/reoxt/basesync/internal/domain"
)

// UsageRepository persists the monthly per-user counters the plan guard
// checks against (spec §4.9).
type UsageRepository struct {
	pool *postgres.Pool
}

func NewUsageRepository(pool *postgres.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

func (r *UsageRepository) Get(ctx context.Context, userID string, month time.Time) (*domain.UsageStats, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, month, records_synced, sync_configs_created
		FROM usage_stats WHERE user_id = $1 AND month = $2`, userID, domain.MonthOf(month))

	var u domain.UsageStats
	err := row.Scan(&u.UserID, &u.Month, &u.RecordsSynced, &u.SyncConfigsCreated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.UsageStats{UserID: userID, Month: domain.MonthOf(month)}, nil
		}
		return nil, fmt.Errorf("scan usage stats: %w", err)
	}
	return &u, nil
}

// IncrementRecordsSynced adds delta to the current month's counter,
// creating the row if it doesn't exist yet.
func (r *UsageRepository) IncrementRecordsSynced(ctx context.Context, userID string, when time.Time, delta int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_stats (user_id, month, records_synced, sync_configs_created)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, month) DO UPDATE SET records_synced = usage_stats.records_synced + $3`,
		userID, domain.MonthOf(when), delta)
	if err != nil {
		return fmt.Errorf("increment records synced: %w", err)
	}
	return nil
}

func (r *UsageRepository) IncrementSyncConfigsCreated(ctx context.Context, userID string, when time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_stats (user_id, month, records_synced, sync_configs_created)
		VALUES ($1, $2, 0, 1)
		ON CONFLICT (user_id, month) DO UPDATE SET sync_configs_created = usage_stats.sync_configs_created + 1`,
		userID, domain.MonthOf(when))
	if err != nil {
		return fmt.Errorf("increment sync configs created: %w", err)
	}
	return nil
}
