package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/monitoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallService owns call lifecycles: created active by the initiator, ended when the last
// participant leaves or the initiator ends it. Every returned Call is a copy.
type CallService struct {
	users    ports.UserRepository
	notifier ports.Notifier
	metrics  *monitoring.PrometheusCollector
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	calls map[domain.CallID]*domain.Call
}

func NewCallService(
	users ports.UserRepository,
	notifier ports.Notifier,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *CallService {
	return &CallService{
		users:    users,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		calls:    make(map[domain.CallID]*domain.Call),
	}
}

// CreateCall returns the channel's active call if there is one, otherwise starts a new call
// with the initiator as its only participant.
func (s *CallService) CreateCall(ctx context.Context, channelID domain.ChannelID, initiatorID domain.UserID) (*domain.Call, error) {
	username := s.username(ctx, initiatorID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, call := range s.calls {
		if call.Active && call.ChannelID == channelID {
			return call.Clone(), nil
		}
	}

	now := time.Now()
	call := &domain.Call{
		ID:          domain.CallID(uuid.NewString()),
		ChannelID:   channelID,
		InitiatorID: initiatorID,
		Participants: []*domain.CallParticipant{{
			UserID:     initiatorID,
			Username:   username,
			MediaState: domain.DefaultMediaState(),
			JoinedAt:   now,
		}},
		StartedAt: now,
		Active:    true,
	}
	s.calls[call.ID] = call

	s.metrics.IncCallsStarted()
	s.metrics.SetCallsActive(s.activeLocked())
	s.logger.Infow("Call started", "call_id", call.ID, "channel_id", channelID, "initiator_id", initiatorID)
	return call.Clone(), nil
}

// JoinCall is a no-op for existing participants.
func (s *CallService) JoinCall(ctx context.Context, callID domain.CallID, userID domain.UserID) (*domain.Call, error) {
	username := s.username(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if !call.Active {
		return nil, domain.ErrCallNotActive
	}
	if call.HasParticipant(userID) {
		return call.Clone(), nil
	}

	call.Participants = append(call.Participants, &domain.CallParticipant{
		UserID:     userID,
		Username:   username,
		MediaState: domain.DefaultMediaState(),
		JoinedAt:   time.Now(),
	})
	s.logger.Infow("Participant joined call", "call_id", callID, "user_id", userID, "participants", len(call.Participants))
	return call.Clone(), nil
}

// LeaveCall removes the participant. The call ends when nobody is left; check Active on the result.
func (s *CallService) LeaveCall(_ context.Context, callID domain.CallID, userID domain.UserID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	_, idx := call.Participant(userID)
	if idx < 0 {
		return nil, domain.ErrParticipantNotFound
	}
	call.Participants = append(call.Participants[:idx], call.Participants[idx+1:]...)

	if len(call.Participants) == 0 && call.Active {
		s.endLocked(call)
	}
	s.logger.Infow("Participant left call", "call_id", callID, "user_id", userID, "participants", len(call.Participants))
	return call.Clone(), nil
}

// EndCall is reserved to the initiator and ends the call whoever is still in it.
func (s *CallService) EndCall(_ context.Context, callID domain.CallID, userID domain.UserID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if call.InitiatorID != userID {
		return nil, domain.ErrNotCallInitiator
	}
	if call.Active {
		s.endLocked(call)
	}
	return call.Clone(), nil
}

func (s *CallService) endLocked(call *domain.Call) {
	now := time.Now()
	call.Active = false
	call.EndedAt = &now
	s.metrics.SetCallsActive(s.activeLocked())
	s.logger.Infow("Call ended", "call_id", call.ID, "channel_id", call.ChannelID, "duration", now.Sub(call.StartedAt))
}

// UpdateMediaState applies only the flags present in the update.
func (s *CallService) UpdateMediaState(_ context.Context, callID domain.CallID, userID domain.UserID, update domain.MediaStateUpdate) (*domain.CallParticipant, error) {
	return s.mutateParticipant(callID, userID, func(p *domain.CallParticipant) {
		if update.Audio != nil {
			p.MediaState.Audio = *update.Audio
		}
		if update.Video != nil {
			p.MediaState.Video = *update.Video
		}
	})
}

func (s *CallService) UpdateScreenShare(_ context.Context, callID domain.CallID, userID domain.UserID, active bool) (*domain.CallParticipant, error) {
	return s.mutateParticipant(callID, userID, func(p *domain.CallParticipant) {
		p.MediaState.ScreenShare = active
	})
}

func (s *CallService) mutateParticipant(callID domain.CallID, userID domain.UserID, fn func(*domain.CallParticipant)) (*domain.CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	p, _ := call.Participant(userID)
	if p == nil {
		return nil, domain.ErrParticipantNotFound
	}
	fn(p)
	out := *p
	return &out, nil
}

func (s *CallService) GetCall(callID domain.CallID) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

func (s *CallService) GetActiveCallsByUserID(userID domain.UserID) []*domain.Call {
	return s.activeWhere(func(c *domain.Call) bool { return c.HasParticipant(userID) })
}

func (s *CallService) GetActiveCallsByChannelID(channelID domain.ChannelID) []*domain.Call {
	return s.activeWhere(func(c *domain.Call) bool { return c.ChannelID == channelID })
}

func (s *CallService) activeWhere(match func(*domain.Call) bool) []*domain.Call {
	s.mu.RLock()
	out := []*domain.Call{}
	for _, call := range s.calls {
		if call.Active && match(call) {
			out = append(out, call.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// PurgeEndedCalls drops calls that ended before the cutoff and returns how many went.
func (s *CallService) PurgeEndedCalls(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, call := range s.calls {
		if !call.Active && call.EndedAt != nil && call.EndedAt.Before(before) {
			delete(s.calls, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debugw("Purged ended calls", "count", n)
	}
	return n
}

// NotifyCallStarted records a call_started notification for every recipient except the initiator.
func (s *CallService) NotifyCallStarted(ctx context.Context, call *domain.Call, recipients []domain.UserID) error {
	if s.notifier == nil {
		return nil
	}
	initiator := s.username(ctx, call.InitiatorID)

	var firstErr error
	for _, userID := range recipients {
		if userID == call.InitiatorID {
			continue
		}
		err := s.notifier.CreateNotification(ctx, &domain.Notification{
			UserID:    userID,
			Type:      domain.NotificationCallStarted,
			ActorID:   call.InitiatorID,
			ChannelID: call.ChannelID,
			CallID:    call.ID,
			Message:   fmt.Sprintf("%s started a call", initiator),
			CreatedAt: time.Now(),
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("notify %s: %w", userID, err)
		}
	}
	return firstErr
}

func (s *CallService) activeLocked() int {
	n := 0
	for _, call := range s.calls {
		if call.Active {
			n++
		}
	}
	return n
}

func (s *CallService) username(ctx context.Context, userID domain.UserID) string {
	if s.users == nil {
		return string(userID)
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		s.logger.Debugw("Username lookup failed", "user_id", userID, "error", err)
		return string(userID)
	}
	return user.DisplayName()
}
