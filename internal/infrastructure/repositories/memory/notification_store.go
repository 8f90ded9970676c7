package memory

import (
	"context"
	"sync"
	"time"

	"huddle/internal/core/domain"

	"go.uber.org/zap"
)

const maxNotificationsPerUser = 100

// MemoryNotificationStore implements ports.Notifier by keeping the most recent
// notifications of each user.
type MemoryNotificationStore struct {
	byUser map[domain.UserID][]domain.Notification
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

func NewMemoryNotificationStore(logger *zap.SugaredLogger) *MemoryNotificationStore {
	return &MemoryNotificationStore{
		byUser: make(map[domain.UserID][]domain.Notification),
		logger: logger,
	}
}

func (s *MemoryNotificationStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	stored := *n
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	list := append(s.byUser[n.UserID], stored)
	if len(list) > maxNotificationsPerUser {
		list = list[len(list)-maxNotificationsPerUser:]
	}
	s.byUser[n.UserID] = list
	s.mu.Unlock()

	s.logger.Debugw("Notification stored", "user_id", n.UserID, "type", n.Type)
	return nil
}

// List returns the user's notifications, newest first.
func (s *MemoryNotificationStore) List(userID domain.UserID) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byUser[userID]
	out := make([]domain.Notification, len(list))
	for i, n := range list {
		out[len(list)-1-i] = n
	}
	return out
}
