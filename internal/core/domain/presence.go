package domain

import "time"

type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusOffline   PresenceStatus = "offline"
	StatusAway      PresenceStatus = "away"
	StatusDND       PresenceStatus = "dnd"
	StatusInvisible PresenceStatus = "invisible"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusDND, StatusInvisible:
		return true
	}
	return false
}

// Visible is the status other users are shown.
func (s PresenceStatus) Visible() PresenceStatus {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

type PresenceEntry struct {
	UserID        UserID              `json:"userId"`
	Username      string              `json:"username"`
	Status        PresenceStatus      `json:"status"`
	LastActivity  time.Time           `json:"lastActivity"`
	ConnectionIDs map[string]struct{} `json:"-"`
}

func (e *PresenceEntry) Connections() int {
	return len(e.ConnectionIDs)
}

func (e *PresenceEntry) Clone() *PresenceEntry {
	out := *e
	out.ConnectionIDs = make(map[string]struct{}, len(e.ConnectionIDs))
	for id := range e.ConnectionIDs {
		out.ConnectionIDs[id] = struct{}{}
	}
	return &out
}

// PresenceEvent is the payload of presence broadcasts.
type PresenceEvent struct {
	UserID       UserID         `json:"userId"`
	Username     string         `json:"username,omitempty"`
	Status       PresenceStatus `json:"status"`
	LastActivity time.Time      `json:"lastActivity"`
}
