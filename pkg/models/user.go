package models

import "time"

// User is the identity behind a credential.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Conversation is a two-party direct conversation.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantOne string    `json:"participantOne"`
	ParticipantTwo string    `json:"participantTwo"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Participants returns both participant ids.
func (c *Conversation) Participants() []string {
	if c == nil {
		return nil
	}
	return []string{c.ParticipantOne, c.ParticipantTwo}
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	return c.ParticipantOne == userID || c.ParticipantTwo == userID
}

// FriendshipStatus is the state of a friend request.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipBlocked  FriendshipStatus = "blocked"
)
