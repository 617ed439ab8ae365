package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reoxt/basesync/internal/database/postgres"
	"github.com/reoxt/basesync/internal/domain"
)

// HashSnapshotRepository persists the content-hash state the
// ConflictDetector diffs against between runs (spec §4.5, §9 Open
// Question: snapshots persist in Postgres rather than living only in
// process memory, so a restart doesn't force a full re-diff).
type HashSnapshotRepository struct {
	pool *postgres.Pool
}

func NewHashSnapshotRepository(pool *postgres.Pool) *HashSnapshotRepository {
	return &HashSnapshotRepository{pool: pool}
}

func (r *HashSnapshotRepository) Upsert(ctx context.Context, s *domain.HashSnapshot) error {
	entries, err := json.Marshal(s.Entries)
	if err != nil {
		return fmt.Errorf("marshal hash entries: %w", err)
	}
	var lastSyncTime *time.Time
	if !s.LastSyncTime.IsZero() {
		t := s.LastSyncTime
		lastSyncTime = &t
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO hash_snapshots (sync_config_id, entries, last_sync_time, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sync_config_id) DO UPDATE SET
			entries = EXCLUDED.entries, last_sync_time = EXCLUDED.last_sync_time, updated_at = now()`,
		s.SyncConfigID, entries, lastSyncTime)
	if err != nil {
		return fmt.Errorf("upsert hash snapshot: %w", err)
	}
	return nil
}

// Get returns the snapshot for syncConfigID, or a fresh empty one if none
// exists yet (spec §4.5 "no prior snapshot exists" edge case).
func (r *HashSnapshotRepository) Get(ctx context.Context, syncConfigID string) (*domain.HashSnapshot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT sync_config_id, entries, last_sync_time FROM hash_snapshots WHERE sync_config_id = $1`, syncConfigID)

	var s domain.HashSnapshot
	var entriesRaw []byte
	var lastSyncTime *time.Time
	err := row.Scan(&s.SyncConfigID, &entriesRaw, &lastSyncTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewHashSnapshot(syncConfigID), nil
		}
		return nil, fmt.Errorf("scan hash snapshot: %w", err)
	}
	if lastSyncTime != nil {
		s.LastSyncTime = *lastSyncTime
	}
	if err := json.Unmarshal(entriesRaw, &s.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal hash entries: %w", err)
	}
	return &s, nil
}
