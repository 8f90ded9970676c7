package domain

import "time"

type CallID string
type ChannelID string

type MediaState struct {
	Audio       bool `json:"audio"`
	Video       bool `json:"video"`
	ScreenShare bool `json:"screenShare"`
}

// DefaultMediaState is what a participant starts with: microphone on, camera and screen off.
func DefaultMediaState() MediaState {
	return MediaState{Audio: true}
}

// MediaStateUpdate carries only the flags the client changed.
type MediaStateUpdate struct {
	Audio *bool `json:"audio,omitempty"`
	Video *bool `json:"video,omitempty"`
}

type CallParticipant struct {
	UserID     UserID     `json:"userId"`
	Username   string     `json:"username"`
	MediaState MediaState `json:"mediaState"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

type Call struct {
	ID           CallID             `json:"id"`
	ChannelID    ChannelID          `json:"channelId"`
	InitiatorID  UserID             `json:"initiatorId"`
	Participants []*CallParticipant `json:"participants"`
	StartedAt    time.Time          `json:"startedAt"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
	Active       bool               `json:"active"`
}

func (c *Call) Participant(userID UserID) (*CallParticipant, int) {
	for i, p := range c.Participants {
		if p.UserID == userID {
			return p, i
		}
	}
	return nil, -1
}

func (c *Call) HasParticipant(userID UserID) bool {
	_, idx := c.Participant(userID)
	return idx >= 0
}

func (c *Call) ParticipantIDs() []UserID {
	ids := make([]UserID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Clone returns a deep copy safe to hand out of the call registry.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = make([]*CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		cp := *p
		out.Participants[i] = &cp
	}
	if c.EndedAt != nil {
		ended := *c.EndedAt
		out.EndedAt = &ended
	}
	return &out
}
