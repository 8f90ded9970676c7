package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

const (
	EventPresenceOnline  = "presence:online"
	EventPresenceOffline = "presence:offline"
	EventPresenceStatus  = "presence:status"
)

// PresenceService tracks every user's connections. Only the first connection and the last
// disconnection are broadcast.
//
// Transitions of one user are serialized from the registry update through the store write
// and the broadcast, so the store and peers always end on the latest state.
type PresenceService struct {
	store       ports.PresenceStore
	users       ports.UserRepository
	broadcaster ports.Broadcaster
	metrics     *monitoring.PrometheusCollector
	logger      *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[domain.UserID]*domain.PresenceEntry

	gatesMu sync.Mutex
	gates   map[domain.UserID]*userGate
}

type userGate struct {
	mu   sync.Mutex
	refs int
}

func NewPresenceService(
	store ports.PresenceStore,
	users ports.UserRepository,
	broadcaster ports.Broadcaster,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *PresenceService {
	return &PresenceService{
		store:       store,
		users:       users,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		entries:     make(map[domain.UserID]*domain.PresenceEntry),
		gates:       make(map[domain.UserID]*userGate),
	}
}

// lockUser blocks until no other transition of userID is in flight.
func (s *PresenceService) lockUser(userID domain.UserID) func() {
	s.gatesMu.Lock()
	g, ok := s.gates[userID]
	if !ok {
		g = &userGate{}
		s.gates[userID] = g
	}
	g.refs++
	s.gatesMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		s.gatesMu.Lock()
		if g.refs--; g.refs == 0 {
			delete(s.gates, userID)
		}
		s.gatesMu.Unlock()
	}
}

// Connect registers a connection. It reports true when this was the user's first one.
func (s *PresenceService) Connect(ctx context.Context, userID domain.UserID, connectionID string) bool {
	username := string(userID)
	if s.users != nil {
		if user, err := s.users.GetUserByID(ctx, userID); err == nil {
			username = user.DisplayName()
		}
	}

	unlock := s.lockUser(userID)
	defer unlock()

	now := time.Now()
	s.mu.Lock()
	if entry, ok := s.entries[userID]; ok {
		entry.ConnectionIDs[connectionID] = struct{}{}
		entry.LastActivity = now
		s.mu.Unlock()
		return false
	}
	entry := &domain.PresenceEntry{
		UserID:        userID,
		Username:      username,
		Status:        domain.StatusOnline,
		LastActivity:  now,
		ConnectionIDs: map[string]struct{}{connectionID: {}},
	}
	s.entries[userID] = entry
	snapshot := entry.Clone()
	online := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetUsersOnline(online)
	s.persist(ctx, userID, domain.StatusOnline, now)
	s.broadcast(ctx, EventPresenceOnline, snapshot, domain.StatusOnline)
	s.logger.Infow("User online", "user_id", userID, "connection_id", connectionID)
	return true
}

// Disconnect removes a connection. It reports true when it was the user's last one.
func (s *PresenceService) Disconnect(ctx context.Context, userID domain.UserID, connectionID string) bool {
	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	entry, ok := s.entries[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(entry.ConnectionIDs, connectionID)
	if len(entry.ConnectionIDs) > 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, userID)
	online := len(s.entries)
	now := time.Now()
	snapshot := entry.Clone()
	snapshot.LastActivity = now
	s.mu.Unlock()

	s.metrics.SetUsersOnline(online)
	s.persist(ctx, userID, domain.StatusOffline, now)
	s.broadcast(ctx, EventPresenceOffline, snapshot, domain.StatusOffline)
	s.logger.Infow("User offline", "user_id", userID, "connection_id", connectionID)
	return true
}

// SetStatus always broadcasts. Others see invisible as offline.
func (s *PresenceService) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}

	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	entry, ok := s.entries[userID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrPresenceNotFound
	}
	entry.Status = status
	entry.LastActivity = time.Now()
	snapshot := entry.Clone()
	s.mu.Unlock()

	s.persist(ctx, userID, status, snapshot.LastActivity)
	s.broadcast(ctx, EventPresenceStatus, snapshot, status.Visible())
	return nil
}

// Ping records activity without telling anyone.
func (s *PresenceService) Ping(_ context.Context, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return domain.ErrPresenceNotFound
	}
	entry.LastActivity = time.Now()
	return nil
}

func (s *PresenceService) Get(userID domain.UserID) (*domain.PresenceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// Status is what other users see, falling back to the backing store for users with no connection.
func (s *PresenceService) Status(ctx context.Context, userID domain.UserID) (domain.PresenceEvent, error) {
	if entry, ok := s.Get(userID); ok {
		return domain.PresenceEvent{
			UserID:       userID,
			Username:     entry.Username,
			Status:       entry.Status.Visible(),
			LastActivity: entry.LastActivity,
		}, nil
	}
	if s.store == nil {
		return domain.PresenceEvent{}, domain.ErrPresenceNotFound
	}
	status, at, err := s.store.GetStatus(ctx, userID)
	if err != nil {
		return domain.PresenceEvent{}, err
	}
	return domain.PresenceEvent{UserID: userID, Status: status.Visible(), LastActivity: at}, nil
}

// OnlineUsers returns connected users sorted by id, invisible ones included.
func (s *PresenceService) OnlineUsers() []*domain.PresenceEntry {
	s.mu.RLock()
	out := make([]*domain.PresenceEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *PresenceService) IsOnline(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[userID]
	return ok
}

func (s *PresenceService) persist(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.SetStatus(ctx, userID, status, at); err != nil {
		s.logger.Warnw("Failed to persist presence", "user_id", userID, "status", status, "error", err)
	}
}

func (s *PresenceService) broadcast(ctx context.Context, event string, entry *domain.PresenceEntry, shown domain.PresenceStatus) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastAll(ctx, event, domain.PresenceEvent{
		UserID:       entry.UserID,
		Username:     entry.Username,
		Status:       shown,
		LastActivity: entry.LastActivity,
	}, entry.UserID)
}
