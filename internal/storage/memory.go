package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and the "memory" driver.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	conversations map[string]*models.Conversation
	friends       map[string]map[string]struct{}
	messages      map[string]*models.Message
	lastCreated   map[string]time.Time
	receipts      map[string]*models.ReadReceipt // keyed by messageID + "\x00" + userID
	refresh       map[string]*models.RefreshToken
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		conversations: make(map[string]*models.Conversation),
		friends:       make(map[string]map[string]struct{}),
		messages:      make(map[string]*models.Message),
		lastCreated:   make(map[string]time.Time),
		receipts:      make(map[string]*models.ReadReceipt),
		refresh:       make(map[string]*models.RefreshToken),
		now:           time.Now,
	}
}

// SetClock overrides the clock used to stamp message creation times.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// AddUser seeds a user.
func (s *MemoryStore) AddUser(user *models.User) {
	if user == nil || user.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.ID] = &copied
}

// AddConversation seeds a two-party conversation.
func (s *MemoryStore) AddConversation(conv *models.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *conv
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.now()
	}
	s.conversations[conv.ID] = &copied
}

// AddFriendship seeds an accepted friendship in both directions.
func (s *MemoryStore) AddFriendship(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		set := s.friends[pair[0]]
		if set == nil {
			set = make(map[string]struct{})
			s.friends[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (s *MemoryStore) FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Participants(), nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) FindFriendIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.friends[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.Online = online
	seen := lastSeen
	user.LastSeen = &seen
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.messages[msg.ID]; exists {
		return ErrAlreadyExists
	}
	created := s.now().UTC()
	if last, ok := s.lastCreated[msg.ConversationID]; ok && !created.After(last) {
		created = last.Add(time.Microsecond)
	}
	s.lastCreated[msg.ConversationID] = created
	msg.CreatedAt = created
	delivered := created
	msg.DeliveredAt = &delivered

	copied := *msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *MemoryStore) ListMessages(conversationID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Message{}
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	receipt := s.upsertReceiptLocked(messageID, userID, at, true)
	markReadLocked(msg, at)
	copied := *receipt
	return &copied, nil
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]*models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	unread := []*models.Message{}
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.SenderID == userID || msg.IsRead {
			continue
		}
		unread = append(unread, msg)
	}
	sort.Slice(unread, func(i, j int) bool {
		return unread[i].CreatedAt.Before(unread[j].CreatedAt)
	})

	receipts := make([]*models.ReadReceipt, 0, len(unread))
	for _, msg := range unread {
		markReadLocked(msg, at)
		receipt := s.upsertReceiptLocked(msg.ID, userID, at, false)
		copied := *receipt
		receipts = append(receipts, &copied)
	}
	return receipts, nil
}

// Receipts returns every receipt recorded for a message.
func (s *MemoryStore) Receipts(messageID string) []*models.ReadReceipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ReadReceipt{}
	for _, receipt := range s.receipts {
		if receipt.MessageID == messageID {
			copied := *receipt
			out = append(out, &copied)
		}
	}
	return out
}

func (s *MemoryStore) upsertReceiptLocked(messageID, userID string, at time.Time, overwrite bool) *models.ReadReceipt {
	key := messageID + "\x00" + userID
	if existing, ok := s.receipts[key]; ok {
		if overwrite {
			existing.ReadAt = at
		}
		return existing
	}
	receipt := &models.ReadReceipt{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    at,
	}
	s.receipts[key] = receipt
	return receipt
}

func markReadLocked(msg *models.Message, at time.Time) {
	if msg.ReadAt == nil {
		readAt := at
		msg.ReadAt = &readAt
	}
	msg.IsRead = true
}

func (s *MemoryStore) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token == nil || token.TokenHash == "" || token.UserID == "" {
		return fmt.Errorf("refresh token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refresh[token.TokenHash]; exists {
		return ErrAlreadyExists
	}
	copied := *token
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	s.refresh[token.TokenHash] = &copied
	return nil
}

func (s *MemoryStore) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) error {
	if next == nil || next.TokenHash == "" || next.UserID == "" {
		return fmt.Errorf("refresh token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.refresh[oldHash]
	if !ok || current.Expired(now) || current.UserID != next.UserID {
		return ErrNotFound
	}
	if _, exists := s.refresh[next.TokenHash]; exists {
		return ErrAlreadyExists
	}
	delete(s.refresh, oldHash)
	copied := *next
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	s.refresh[next.TokenHash] = &copied
	return nil
}

func (s *MemoryStore) FindValidRefreshToken(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.refresh[hash]
	if !ok || current.Expired(now) {
		return nil, ErrNotFound
	}
	copied := *current
	return &copied, nil
}

func (s *MemoryStore) RevokeRefreshTokens(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, token := range s.refresh {
		if token.UserID == userID {
			delete(s.refresh, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
