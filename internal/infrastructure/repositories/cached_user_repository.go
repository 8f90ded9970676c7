package repositories

import (
	"context"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/cache"
)

const maxCachedUsers = 10_000

// CachedUserRepository serves display-name lookups from memory. Presence, calls and voice
// resolve a username on almost every event, so the remote store only sees misses.
type CachedUserRepository struct {
	next  ports.UserRepository
	users *cache.Cache[domain.UserID, domain.User]
}

func NewCachedUserRepository(next ports.UserRepository, ttl time.Duration) *CachedUserRepository {
	return &CachedUserRepository{
		next:  next,
		users: cache.New[domain.UserID, domain.User](ttl, maxCachedUsers),
	}
}

func (r *CachedUserRepository) GetUserByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	u, err := r.users.GetOrLoad(ctx, id, func(ctx context.Context) (domain.User, error) {
		user, err := r.next.GetUserByID(ctx, id)
		if err != nil {
			return domain.User{}, err
		}
		return *user, nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *CachedUserRepository) Upsert(ctx context.Context, user *domain.User) error {
	r.users.Delete(user.ID)
	if err := r.next.Upsert(ctx, user); err != nil {
		return err
	}
	r.users.Delete(user.ID)
	return nil
}
