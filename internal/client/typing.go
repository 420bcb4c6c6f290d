package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultTypingIdle is how long after the last keystroke typing_stop is
// sent.
const DefaultTypingIdle = 1000 * time.Millisecond

// Emitter sends a client event. *Session satisfies it.
type Emitter interface {
	Emit(event string, data any) error
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// TypingNotifier turns keystrokes into typing_start / typing_stop events:
// start on the first keystroke, stop once input has been idle.
type TypingNotifier struct {
	emitter Emitter
	idle    time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	active  map[string]*typingTimer
	stopped bool
}

// NewTypingNotifier creates a notifier. A non-positive idle uses
// DefaultTypingIdle.
func NewTypingNotifier(emitter Emitter, idle time.Duration, logger *slog.Logger) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingNotifier{
		emitter: emitter,
		idle:    idle,
		logger:  logger,
		active:  make(map[string]*typingTimer),
	}
}

// Keystroke records input in a conversation.
func (n *TypingNotifier) Keystroke(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	entry, exists := n.active[conversationID]
	if !exists {
		entry = &typingTimer{}
		n.active[conversationID] = entry
		n.emit(models.EventTypingStart, conversationID)
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.timer = time.AfterFunc(n.idle, func() {
		n.expire(conversationID, gen)
	})
}

// Stop ends typing in a conversation immediately, e.g. when the message
// is sent.
func (n *TypingNotifier) Stop(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, exists := n.active[conversationID]
	if !exists {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(n.active, conversationID)
	n.emit(models.EventTypingStop, conversationID)
}

// Active reports whether typing_start has been sent without a stop.
func (n *TypingNotifier) Active(conversationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.active[conversationID]
	return ok
}

// Close cancels pending timers without emitting.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	for id, entry := range n.active {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(n.active, id)
	}
}

func (n *TypingNotifier) expire(conversationID string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, exists := n.active[conversationID]
	if !exists || entry.gen != gen || n.stopped {
		return
	}
	delete(n.active, conversationID)
	n.emit(models.EventTypingStop, conversationID)
}

// emit must be called with n.mu held so start and stop stay ordered.
func (n *TypingNotifier) emit(event, conversationID string) {
	if err := n.emitter.Emit(event, conversationID); err != nil {
		n.logger.Debug("typing signal dropped", "event", event, "conversation_id", conversationID, "error", err)
	}
}
