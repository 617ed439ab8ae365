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

// SyncConfigRepository persists domain.SyncConfig, storing FieldMappings
// as JSONB since its shape is per-tenant and never queried by column.
type SyncConfigRepository struct {
	pool *postgres.Pool
}

func NewSyncConfigRepository(pool *postgres.Pool) *SyncConfigRepository {
	return &SyncConfigRepository{pool: pool}
}

func (r *SyncConfigRepository) Create(ctx context.Context, c *domain.SyncConfig) error {
	mappings, err := json.Marshal(c.FieldMappings)
	if err != nil {
		return fmt.Errorf("marshal field mappings: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sync_configs (id, user_id, name, sor_base_id, sor_table_id, sor_view_id, grid_workbook_id,
			grid_sheet_id, direction, conflict_strategy, field_mappings, is_active, last_sync_at, last_sync_status,
			last_error_at, last_error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		c.ID, c.UserID, c.Name, c.SorBaseID, c.SorTableID, c.SorViewID, c.GridWorkbookID, c.GridSheetID,
		c.Direction, nullableString(string(c.ConflictStrategy)), mappings, c.IsActive, c.LastSyncAt,
		nullableString(string(c.LastSyncStatus)), c.LastErrorAt, c.LastErrorMessage, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sync config: %w", err)
	}
	return nil
}

func (r *SyncConfigRepository) Update(ctx context.Context, c *domain.SyncConfig) error {
	mappings, err := json.Marshal(c.FieldMappings)
	if err != nil {
		return fmt.Errorf("marshal field mappings: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_configs SET name = $1, direction = $2, conflict_strategy = $3, field_mappings = $4,
			is_active = $5, last_sync_at = $6, last_sync_status = $7, last_error_at = $8, last_error_message = $9,
			updated_at = $10
		WHERE id = $11`,
		c.Name, c.Direction, nullableString(string(c.ConflictStrategy)), mappings, c.IsActive, c.LastSyncAt,
		nullableString(string(c.LastSyncStatus)), c.LastErrorAt, c.LastErrorMessage, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update sync config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SyncConfigRepository) GetByID(ctx context.Context, id string) (*domain.SyncConfig, error) {
	row := r.pool.QueryRow(ctx, selectSyncConfigColumns+" WHERE id = $1", id)
	return scanSyncConfig(row)
}

// ListActive returns every sync config eligible for scheduled dispatch.
func (r *SyncConfigRepository) ListActive(ctx context.Context) ([]*domain.SyncConfig, error) {
	rows, err := r.pool.Query(ctx, selectSyncConfigColumns+" WHERE is_active = true")
	if err != nil {
		return nil, fmt.Errorf("list sync configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

const selectSyncConfigColumns = `
	SELECT id, user_id, name, sor_base_id, sor_table_id, sor_view_id, grid_workbook_id, grid_sheet_id,
		direction, conflict_strategy, field_mappings, is_active, last_sync_at, last_sync_status,
		last_error_at, last_error_message, created_at, updated_at
	FROM sync_configs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncConfig(row rowScanner) (*domain.SyncConfig, error) {
	var c domain.SyncConfig
	var conflictStrategy, lastSyncStatus *string
	var mappingsRaw []byte
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.SorBaseID, &c.SorTableID, &c.SorViewID, &c.GridWorkbookID,
		&c.GridSheetID, &c.Direction, &conflictStrategy, &mappingsRaw, &c.IsActive, &c.LastSyncAt, &lastSyncStatus,
		&c.LastErrorAt, &c.LastErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan sync config: %w", err)
	}
	if conflictStrategy != nil {
		c.ConflictStrategy = domain.ConflictStrategy(*conflictStrategy)
	}
	if lastSyncStatus != nil {
		c.LastSyncStatus = domain.SyncStatus(*lastSyncStatus)
	}
	if err := json.Unmarshal(mappingsRaw, &c.FieldMappings); err != nil {
		return nil, fmt.Errorf("unmarshal field mappings: %w", err)
	}
	return &c, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
