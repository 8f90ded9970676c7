package services

import (
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"

	"go.uber.org/zap"
)

// VoiceChannelService tracks who is in which voice channel. A user may sit in several channels.
type VoiceChannelService struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[domain.ChannelID]map[domain.UserID]domain.VoiceMember
}

func NewVoiceChannelService(logger *zap.SugaredLogger) *VoiceChannelService {
	return &VoiceChannelService{
		logger:   logger,
		channels: make(map[domain.ChannelID]map[domain.UserID]domain.VoiceMember),
	}
}

// JoinVoiceChannel returns the members after the join. Rejoining updates the listen-only flag.
func (s *VoiceChannelService) JoinVoiceChannel(userID domain.UserID, channelID domain.ChannelID, opts domain.VoiceJoinOptions) []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channelID]
	if !ok {
		members = make(map[domain.UserID]domain.VoiceMember)
		s.channels[channelID] = members
	}
	joinedAt := time.Now()
	if existing, ok := members[userID]; ok {
		joinedAt = existing.JoinedAt
	}
	members[userID] = domain.VoiceMember{UserID: userID, ListenOnly: opts.ListenOnly, JoinedAt: joinedAt}

	s.logger.Debugw("User joined voice channel", "channel_id", channelID, "user_id", userID, "listen_only", opts.ListenOnly)
	return memberIDs(members)
}

// LeaveVoiceChannel returns the remaining members. An emptied channel is forgotten.
func (s *VoiceChannelService) LeaveVoiceChannel(userID domain.UserID, channelID domain.ChannelID) []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.channels[channelID]
	if !ok {
		return []domain.UserID{}
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(s.channels, channelID)
	}
	return memberIDs(members)
}

func (s *VoiceChannelService) GetUsersInVoiceChannel(channelID domain.ChannelID) []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memberIDs(s.channels[channelID])
}

func (s *VoiceChannelService) GetMembers(channelID domain.ChannelID) []domain.VoiceMember {
	s.mu.RLock()
	out := make([]domain.VoiceMember, 0, len(s.channels[channelID]))
	for _, m := range s.channels[channelID] {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *VoiceChannelService) ChannelsOfUser(userID domain.UserID) []domain.ChannelID {
	s.mu.RLock()
	var out []domain.ChannelID
	for id, members := range s.channels {
		if _, ok := members[userID]; ok {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func memberIDs(members map[domain.UserID]domain.VoiceMember) []domain.UserID {
	out := make([]domain.UserID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
