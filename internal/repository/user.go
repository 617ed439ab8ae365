// Package repository implements Postgres persistence for every domain
// entity, grounded on the teacher's repository layer pattern (a thin
// struct wrapping the pool, one method per query, scanning directly into
// domain structs rather than through an ORM).
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

// ErrNotFound is returned by every Get when no row matches.
var ErrNotFound = errors.New("repository: not found")

// UserRepository persists domain.User rows.
type UserRepository struct {
	pool *postgres.Pool
}

func NewUserRepository(pool *postgres.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, u *domain.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, plan, subscription_status, trial_started_at, trial_ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.NormalizedEmail(), u.Plan, u.SubscriptionStatus, u.TrialStartedAt, u.TrialEndsAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, plan, subscription_status, trial_started_at, trial_ends_at, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.scanOne(ctx, `
		SELECT id, email, plan, subscription_status, trial_started_at, trial_ends_at, created_at, updated_at
		FROM users WHERE email = $1`, email)
}

func (r *UserRepository) scanOne(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Plan, &u.SubscriptionStatus, &u.TrialStartedAt, &u.TrialEndsAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) UpdateSubscription(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET subscription_status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
