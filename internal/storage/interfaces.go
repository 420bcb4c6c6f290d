package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ConversationStore answers participancy questions. Results are never cached
// by callers beyond a single check.
type ConversationStore interface {
	FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// UserStore resolves identities and their friendships.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindFriendIDs(ctx context.Context, userID string) ([]string, error)
	UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// MessageStore persists messages and their read state.
type MessageStore interface {
	// CreateMessage assigns the message id (if empty) and a creation time that
	// is strictly increasing within the conversation. DeliveredAt is set to the
	// creation time.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// MarkMessageRead upserts the (message, user) receipt and the message read
	// state in one transaction.
	MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, error)
	// MarkConversationRead marks every unread message not sent by userID as
	// read in one transaction and returns one receipt per affected message.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]*models.ReadReceipt, error)
}

// RefreshTokenStore holds the server-side refresh token records.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// RotateRefreshToken deletes the record matching oldHash (which must be
	// unexpired at now and owned by next.UserID) and inserts next, atomically.
	// It returns ErrNotFound when no such record exists.
	RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) error
	FindValidRefreshToken(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshTokens(ctx context.Context, userID string) (int, error)
}

// Store is the full external collaborator consumed by the realtime core.
type Store interface {
	ConversationStore
	UserStore
	MessageStore
	RefreshTokenStore
	Close() error
}
