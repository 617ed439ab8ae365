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

// ConnectionRepository persists OAuth connections, one row per
// (user, provider) per spec §3.
type ConnectionRepository struct {
	pool *postgres.Pool
}

func NewConnectionRepository(pool *postgres.Pool) *ConnectionRepository {
	return &ConnectionRepository{pool: pool}
}

func (r *ConnectionRepository) Upsert(ctx context.Context, c *domain.Connection) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO connections (user_id, provider, encrypted_access_token, encrypted_refresh_token, token_expiry,
			needs_reauth, last_refresh_error, last_refresh_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			needs_reauth = EXCLUDED.needs_reauth,
			last_refresh_error = EXCLUDED.last_refresh_error,
			last_refresh_attempt = EXCLUDED.last_refresh_attempt,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Provider, c.EncryptedAccessToken, c.EncryptedRefreshToken, c.TokenExpiry,
		c.NeedsReauth, c.LastRefreshError, c.LastRefreshAttempt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) Get(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, provider, encrypted_access_token, encrypted_refresh_token, token_expiry,
			needs_reauth, last_refresh_error, last_refresh_attempt, created_at, updated_at
		FROM connections WHERE user_id = $1 AND provider = $2`, userID, provider)

	var c domain.Connection
	err := row.Scan(&c.UserID, &c.Provider, &c.EncryptedAccessToken, &c.EncryptedRefreshToken, &c.TokenExpiry,
		&c.NeedsReauth, &c.LastRefreshError, &c.LastRefreshAttempt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

func (r *ConnectionRepository) MarkNeedsReauth(ctx context.Context, userID string, provider domain.Provider, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE connections SET needs_reauth = true, last_refresh_error = $1, last_refresh_attempt = $2, updated_at = $2
		WHERE user_id = $3 AND provider = $4`,
		reason, time.Now().UTC(), userID, provider)
	if err != nil {
		return fmt.Errorf("mark needs_reauth: %w", err)
	}
	return nil
}
