package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
)

type UserRepository interface {
	GetUserByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	Upsert(ctx context.Context, user *domain.User) error
}

// PresenceStore persists the last known status so it survives the in-memory registry.
type PresenceStore interface {
	SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error
	GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error)
}
