// Package rooms manages which connections are subscribed to which
// conversations.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/parley/internal/storage"
)

// ErrNotParticipant is returned when a user joins a conversation they are
// not part of.
var ErrNotParticipant = errors.New("not a participant in this conversation")

// Manager holds room subscriptions. Participancy is checked against the
// conversation store on every join and never cached.
type Manager struct {
	store storage.ConversationStore

	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // conversation → connection IDs
	byConn map[string]map[string]struct{} // connection → conversation IDs
}

// NewManager creates a room manager backed by store.
func NewManager(store storage.ConversationStore) *Manager {
	return &Manager{
		store:  store,
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to a conversation after verifying that userID is
// one of its participants. It reports whether a new subscription was added;
// joining a room twice is not an error.
func (m *Manager) Join(ctx context.Context, connID, userID, conversationID string) (bool, error) {
	if conversationID == "" || userID == "" {
		return false, ErrNotParticipant
	}
	participants, err := m.store.FindConversationParticipants(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrNotParticipant
		}
		return false, fmt.Errorf("load participants: %w", err)
	}
	allowed := false
	for _, participant := range participants {
		if participant == userID {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, ErrNotParticipant
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.rooms[conversationID]
	if subs == nil {
		subs = make(map[string]struct{})
		m.rooms[conversationID] = subs
	}
	if _, exists := subs[connID]; exists {
		return false, nil
	}
	subs[connID] = struct{}{}

	joined := m.byConn[connID]
	if joined == nil {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[conversationID] = struct{}{}
	return true, nil
}

// Leave unsubscribes connID from a conversation and reports whether it was
// subscribed. Empty rooms are evicted.
func (m *Manager) Leave(connID, conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.rooms[conversationID]
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(m.rooms, conversationID)
	}
	if joined := m.byConn[connID]; joined != nil {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// RoomsOf returns the conversations a connection is subscribed to, sorted.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byConn[connID])
}

// Subscribers returns the connections subscribed to a conversation, sorted.
func (m *Manager) Subscribers(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.rooms[conversationID])
}

// IsMember reports whether connID is subscribed to a conversation.
func (m *Manager) IsMember(conversationID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[conversationID][connID]
	return ok
}

// Count returns the number of non-empty rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
