package domain

import "time"

type VoiceJoinOptions struct {
	ListenOnly bool `json:"listenOnly"`
}

type VoiceMember struct {
	UserID     UserID    `json:"userId"`
	ListenOnly bool      `json:"listenOnly"`
	JoinedAt   time.Time `json:"joinedAt"`
}
