package postgres

import (
	"context"
	"errors"
	"fmt"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) ports.UserRepository {
	return &PostgresUserRepository{pool: pool}
}

func (r *PostgresUserRepository) GetUserByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "users")
	defer span.End()

	u := domain.User{ID: id}
	err := r.pool.QueryRow(ctx,
		`SELECT username, email, created_at FROM users WHERE id = $1`, string(id),
	).Scan(&u.Username, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *PostgresUserRepository) Upsert(ctx context.Context, u *domain.User) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "upsert", "users")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, username, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, email = EXCLUDED.email`,
		string(u.ID), u.Username, u.Email,
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
