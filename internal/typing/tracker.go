// Package typing tracks who is typing in which conversation.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultTTL is how long a typing state survives without a refresh before
// the sweeper may purge it.
const DefaultTTL = 5 * time.Minute

type stateKey struct {
	userID         string
	conversationID string
}

// Tracker holds at most one typing state per (user, conversation).
type Tracker struct {
	mu     sync.Mutex
	states map[stateKey]*models.TypingState
	ttl    time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker. A non-positive ttl uses DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		states: make(map[stateKey]*models.TypingState),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock overrides the clock used to stamp activity.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	t.now = now
}

// TTL returns the staleness threshold.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Start records that userID is typing in conversationID. Repeated starts
// refresh the activity timestamp.
func (t *Tracker) Start(userID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[stateKey{userID, conversationID}] = &models.TypingState{
		UserID:         userID,
		ConversationID: conversationID,
		Activity:       models.TypingActivity,
		LastActivity:   t.now(),
	}
}

// Stop clears the typing state and reports whether one existed.
func (t *Tracker) Stop(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stateKey{userID, conversationID}
	if _, ok := t.states[key]; !ok {
		return false
	}
	delete(t.states, key)
	return true
}

// IsTyping reports whether a state exists for the pair.
func (t *Tracker) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[stateKey{userID, conversationID}]
	return ok
}

// ActiveConversations returns the conversations where userID has a typing
// state, sorted.
func (t *Tracker) ActiveConversations(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []string{}
	for key := range t.states {
		if key.userID == userID {
			out = append(out, key.conversationID)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep removes states whose last activity is older than the TTL at now and
// returns how many were removed. Sweeping never notifies anyone.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, state := range t.states {
		if now.Sub(state.LastActivity) > t.ttl {
			delete(t.states, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live typing states.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
