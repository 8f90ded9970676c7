package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = keyPrefix + "presence:online"

func presenceKey(userID string) string {
	return keyPrefix + "presence:" + userID
}

// RedisPresenceStore shares last known statuses between signaling instances.
// Entries expire after ttl so a crashed instance cannot leave users online forever.
type RedisPresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceStore(client *redis.Client, ttl time.Duration) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisPresenceStore{client: client, ttl: ttl}
}

func (s *RedisPresenceStore) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error {
	key := presenceKey(string(userID))

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status": string(status),
		"at":     at.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if status == domain.StatusOffline {
		pipe.SRem(ctx, onlineSetKey, string(userID))
	} else {
		pipe.SAdd(ctx, onlineSetKey, string(userID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store presence in Redis: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(string(userID))).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get presence from Redis: %w", err)
	}
	if len(fields) == 0 {
		return "", time.Time{}, domain.ErrPresenceNotFound
	}

	ms, err := strconv.ParseInt(fields["at"], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("corrupt presence entry for %s: %w", userID, err)
	}
	return domain.PresenceStatus(fields["status"]), time.UnixMilli(ms), nil
}
