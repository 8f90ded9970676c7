package services

import (
	"testing"

	"huddle/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestVoiceChannelService(t *testing.T) {
	s := NewVoiceChannelService(zaptest.NewLogger(t).Sugar())

	assert.Equal(t, []domain.UserID{"bob"}, s.JoinVoiceChannel("bob", "lobby", domain.VoiceJoinOptions{}))
	assert.Equal(t, []domain.UserID{"alice", "bob"}, s.JoinVoiceChannel("alice", "lobby", domain.VoiceJoinOptions{ListenOnly: true}))
	s.JoinVoiceChannel("alice", "music", domain.VoiceJoinOptions{})

	members := s.GetMembers("lobby")
	require.Len(t, members, 2)
	assert.True(t, members[0].ListenOnly)
	assert.False(t, members[1].ListenOnly)

	assert.Equal(t, []domain.ChannelID{"lobby", "music"}, s.ChannelsOfUser("alice"))

	assert.Equal(t, []domain.UserID{"bob"}, s.LeaveVoiceChannel("alice", "lobby"))
	assert.Equal(t, []domain.UserID{}, s.LeaveVoiceChannel("bob", "lobby"))
	assert.Empty(t, s.GetUsersInVoiceChannel("lobby"))
	assert.Empty(t, s.GetMembers("lobby"))
	assert.Equal(t, []domain.UserID{}, s.LeaveVoiceChannel("bob", "nowhere"))

	assert.Equal(t, []domain.ChannelID{"music"}, s.ChannelsOfUser("alice"))
}

func TestVoiceChannelService_RejoinKeepsJoinTime(t *testing.T) {
	s := NewVoiceChannelService(zaptest.NewLogger(t).Sugar())

	s.JoinVoiceChannel("alice", "lobby", domain.VoiceJoinOptions{})
	first := s.GetMembers("lobby")[0]

	s.JoinVoiceChannel("alice", "lobby", domain.VoiceJoinOptions{ListenOnly: true})
	second := s.GetMembers("lobby")[0]

	assert.Equal(t, first.JoinedAt, second.JoinedAt)
	assert.True(t, second.ListenOnly)
	assert.Len(t, s.GetUsersInVoiceChannel("lobby"), 1)
}
