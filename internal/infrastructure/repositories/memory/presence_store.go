package memory

import (
	"context"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type presenceRecord struct {
	status domain.PresenceStatus
	at     time.Time
}

// MemoryPresenceStore keeps last known statuses for a single instance.
type MemoryPresenceStore struct {
	records map[domain.UserID]presenceRecord
	mu      sync.RWMutex
}

func NewMemoryPresenceStore() ports.PresenceStore {
	return &MemoryPresenceStore{
		records: make(map[domain.UserID]presenceRecord),
	}
}

func (s *MemoryPresenceStore) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[userID] = presenceRecord{status: status, at: at}
	return nil
}

func (s *MemoryPresenceStore) GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[userID]
	if !exists {
		return "", time.Time{}, domain.ErrPresenceNotFound
	}
	return record.status, record.at, nil
}
