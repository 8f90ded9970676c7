package domain

import "time"

type UserID string

type User struct {
	ID        UserID    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName falls back to the id when no username is known.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return string(u.ID)
}

type NotificationType string

const (
	NotificationCallStarted NotificationType = "call_started"
	NotificationCallMissed  NotificationType = "call_missed"
)

type Notification struct {
	UserID    UserID           `json:"userId"`
	Type      NotificationType `json:"type"`
	ActorID   UserID           `json:"actorId"`
	ChannelID ChannelID        `json:"channelId,omitempty"`
	CallID    CallID           `json:"callId,omitempty"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
}
