package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PresenceStore keeps last-seen statuses durably, for "last seen" lookups of offline users.
type PresenceStore struct {
	pool *pgxpool.Pool
}

func NewPresenceStore(pool *pgxpool.Pool) ports.PresenceStore {
	return &PresenceStore{pool: pool}
}

func (s *PresenceStore) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "upsert", "user_presence")
	defer span.End()

	// Out-of-order writes from different instances never move the clock backwards.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, status, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE user_presence.updated_at <= EXCLUDED.updated_at`,
		string(userID), string(status), at,
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "user_presence")
	defer span.End()

	var (
		status string
		at     time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, updated_at FROM user_presence WHERE user_id = $1`, string(userID),
	).Scan(&status, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, domain.ErrPresenceNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", time.Time{}, fmt.Errorf("failed to get presence: %w", err)
	}
	return domain.PresenceStatus(status), at, nil
}
