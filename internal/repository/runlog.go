package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/reoxt/basesync/internal/database/postgres"
	"github.com/reoxt/basesync/internal/domain"
)

// RunLogRepository persists the audit trail every pipeline run writes
// (spec §3, §7). The scheduler's single-flight check reads the most
// recent row per sync config before dispatching.
type RunLogRepository struct {
	pool *postgres.Pool
}

func NewRunLogRepository(pool *postgres.Pool) *RunLogRepository {
	return &RunLogRepository{pool: pool}
}

func (r *RunLogRepository) Create(ctx context.Context, log *domain.RunLog) error {
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO run_logs (id, sync_config_id, status, direction, triggered_by, started_at, completed_at,
			records_synced, records_failed, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		log.ID, log.SyncConfigID, log.Status, log.Direction, log.TriggeredBy, log.StartedAt, log.CompletedAt,
		log.RecordsSynced, log.RecordsFailed, errs)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

func (r *RunLogRepository) Complete(ctx context.Context, log *domain.RunLog) error {
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE run_logs SET status = $1, completed_at = $2, records_synced = $3, records_failed = $4, errors = $5
		WHERE id = $6`,
		log.Status, log.CompletedAt, log.RecordsSynced, log.RecordsFailed, errs, log.ID)
	if err != nil {
		return fmt.Errorf("complete run log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MostRecent returns the latest run log for syncConfigID, used by the
// scheduler's single-flight window check (spec §4.8).
func (r *RunLogRepository) MostRecent(ctx context.Context, syncConfigID string) (*domain.RunLog, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, sync_config_id, status, direction, triggered_by, started_at, completed_at,
			records_synced, records_failed, errors
		FROM run_logs WHERE sync_config_id = $1 ORDER BY started_at DESC LIMIT 1`, syncConfigID)
	return scanRunLog(row)
}

// List returns run logs for syncConfigID, most recent first, capped at limit.
func (r *RunLogRepository) List(ctx context.Context, syncConfigID string, limit int) ([]*domain.RunLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sync_config_id, status, direction, triggered_by, started_at, completed_at,
			records_synced, records_failed, errors
		FROM run_logs WHERE sync_config_id = $1 ORDER BY started_at DESC LIMIT $2`, syncConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunLog
	for rows.Next() {
		log, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func scanRunLog(row rowScanner) (*domain.RunLog, error) {
	var log domain.RunLog
	var errsRaw []byte
	err := row.Scan(&log.ID, &log.SyncConfigID, &log.Status, &log.Direction, &log.TriggeredBy, &log.StartedAt,
		&log.CompletedAt, &log.RecordsSynced, &log.RecordsFailed, &errsRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run log: %w", err)
	}
	if err := json.Unmarshal(errsRaw, &log.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal run errors: %w", err)
	}
	return &log, nil
}
