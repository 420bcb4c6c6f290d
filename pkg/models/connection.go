package models

import "time"

// Connection describes a single live realtime channel.
type Connection struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	RemoteAddr     string    `json:"remoteAddr,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// PresenceEntry is the presence bookkeeping for one user.
// Online is true iff ConnectionIDs is non-empty.
type PresenceEntry struct {
	UserID        string    `json:"userId"`
	Online        bool      `json:"online"`
	ConnectionIDs []string  `json:"connectionIds,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
}

// TypingActivity is the only activity kind tracked today.
const TypingActivity = "TYPING"

// TypingState is the ephemeral typing marker for a (user, conversation) pair.
type TypingState struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Activity       string    `json:"activity"`
	LastActivity   time.Time `json:"lastActivity"`
}
