package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

type recorded struct {
	event   string
	payload any
}

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []recorded
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recorded{event: event, payload: payload})
	return nil
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.event)
	}
	return out
}

func (c *fakeConn) last() recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return recorded{}
	}
	return c.events[len(c.events)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, name := range c.names() {
		if name == event {
			n++
		}
	}
	return n
}

func newTestHub(t *testing.T) (*Hub, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		store.AddUser(&models.User{ID: id, Username: id})
	}
	store.AddConversation(&models.Conversation{ID: "r1", ParticipantOne: "alice", ParticipantTwo: "bob"})
	store.AddConversation(&models.Conversation{ID: "r2", ParticipantOne: "alice", ParticipantTwo: "bob"})
	store.AddConversation(&models.Conversation{ID: "r3", ParticipantOne: "bob", ParticipantTwo: "carol"})
	store.AddFriendship("alice", "bob")
	return NewHub(store, Config{}), store
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestHubJoinRejectsNonParticipant(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	hub.Connect(ctx, alice)

	hub.Handle(ctx, alice, models.EventJoinConversation, raw(`"r3"`))

	got := alice.last()
	if got.event != models.EventError {
		t.Fatalf("last event = %q, want error", got.event)
	}
	if msg := got.payload.(models.ErrorEvent).Message; msg != "Not a participant in this conversation" {
		t.Fatalf("error message = %q", msg)
	}
	if hub.Rooms().Count() != 0 || len(hub.Rooms().RoomsOf("a1")) != 0 {
		t.Fatal("rejected join must not mutate rooms")
	}
}

func TestHubJoinNotifiesAndAcks(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	hub.Connect(ctx, alice)
	hub.Connect(ctx, bob)

	hub.Handle(ctx, bob, models.EventJoinConversation, raw(`{"conversationId":"r1"}`))
	bob.reset()
	hub.Handle(ctx, alice, models.EventJoinConversation, raw(`"r1"`))
	hub.Handle(ctx, alice, models.EventJoinConversation, raw(`"r1"`))

	if got := alice.count(models.EventConversationJoined); got != 2 {
		t.Fatalf("conversation_joined acks = %d, want 2", got)
	}
	if got := alice.count(models.EventUserJoined); got != 0 {
		t.Fatalf("joiner received %d user_joined", got)
	}
	if got := bob.count(models.EventUserJoined); got != 1 {
		t.Fatalf("bob user_joined = %d, want 1", got)
	}
	if subs := hub.Rooms().Subscribers("r1"); len(subs) != 2 {
		t.Fatalf("Subscribers() = %v", subs)
	}
}

func TestHubPresenceAnnouncements(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	bob := newFakeConn("b1", "bob")
	hub.Connect(ctx, bob)
	bob.reset()

	a1 := newFakeConn("a1", "alice")
	a2 := newFakeConn("a2", "alice")
	hub.Connect(ctx, a1)
	hub.Connect(ctx, a2)
	if got := bob.count(models.EventFriendOnline); got != 1 {
		t.Fatalf("friend_online = %d, want 1", got)
	}

	hub.Disconnect(ctx, a1)
	if got := bob.count(models.EventFriendOffline); got != 0 {
		t.Fatal("friend_offline sent while another connection is live")
	}
	hub.Disconnect(ctx, a2)
	if got := bob.count(models.EventFriendOffline); got != 1 {
		t.Fatalf("friend_offline = %d, want 1", got)
	}
	offline := bob.last().payload.(models.FriendPresence)
	if offline.UserID != "alice" || offline.LastSeen == nil {
		t.Fatalf("friend_offline payload = %+v", offline)
	}

	user, err := store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Online || user.LastSeen == nil || !user.LastSeen.Equal(*offline.LastSeen) {
		t.Fatalf("persisted presence = online %v last seen %v", user.Online, user.LastSeen)
	}
	if hub.Presence().IsOnline("alice") {
		t.Fatal("alice should be offline")
	}
}

// stallingStore blocks offline presence writes until release is closed.
type stallingStore struct {
	*storage.MemoryStore

	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if !online {
		s.once.Do(func() { close(s.started) })
		<-s.release
	}
	return s.MemoryStore.UpdatePresence(ctx, userID, online, lastSeen)
}

func TestHubReconnectDuringOfflineAnnouncement(t *testing.T) {
	_, memory := newTestHub(t)
	store := &stallingStore{
		MemoryStore: memory,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	hub := NewHub(store, Config{})
	ctx := context.Background()

	bob := newFakeConn("b1", "bob")
	a1 := newFakeConn("a1", "alice")
	hub.Connect(ctx, bob)
	hub.Connect(ctx, a1)
	bob.reset()

	disconnected := make(chan struct{})
	go func() {
		hub.Disconnect(ctx, a1)
		close(disconnected)
	}()
	<-store.started

	connected := make(chan struct{})
	go func() {
		hub.Connect(ctx, newFakeConn("a2", "alice"))
		close(connected)
	}()
	select {
	case <-connected:
		t.Fatal("Connect finished while the offline transition was still announcing")
	case <-time.After(30 * time.Millisecond):
	}

	close(store.release)
	<-disconnected
	<-connected

	got := bob.names()
	want := []string{models.EventFriendOffline, models.EventFriendOnline}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("bob saw %v, want %v", got, want)
	}
	if !hub.Presence().IsOnline("alice") {
		t.Fatal("alice should be online")
	}
	user, err := memory.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !user.Online {
		t.Fatal("persisted presence should be online")
	}
}

func TestHubDisconnectCascadeOrder(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	hub.Connect(ctx, bob)
	hub.Connect(ctx, alice)
	for _, room := range []string{`"r1"`, `"r2"`} {
		hub.Handle(ctx, alice, models.EventJoinConversation, raw(room))
		hub.Handle(ctx, bob, models.EventJoinConversation, raw(room))
	}
	hub.Handle(ctx, alice, models.EventTypingStart, raw(`"r1"`))
	bob.reset()

	hub.Disconnect(ctx, alice)

	want := []string{
		models.EventUserStoppedTyping,
		models.EventUserLeft,
		models.EventUserLeft,
		models.EventFriendOffline,
	}
	got := bob.names()
	if len(got) != len(want) {
		t.Fatalf("bob events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bob events = %v, want %v", got, want)
		}
	}
	stopped := bob.events[0].payload.(models.RoomEvent)
	if stopped.ConversationID != "r1" {
		t.Fatalf("stop-typing for %q, want r1", stopped.ConversationID)
	}
	if hub.Typing().Len() != 0 {
		t.Fatal("typing state survived disconnect")
	}
	if rooms := hub.Rooms().RoomsOf("a1"); len(rooms) != 0 {
		t.Fatalf("RoomsOf() = %v after disconnect", rooms)
	}
	if _, ok := hub.Presence().Get("a1"); ok {
		t.Fatal("connection still registered")
	}
}

func TestHubTypingExcludesOriginator(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	a1 := newFakeConn("a1", "alice")
	a2 := newFakeConn("a2", "alice")
	bob := newFakeConn("b1", "bob")
	conns := []*fakeConn{a1, a2, bob}
	for _, c := range conns {
		hub.Connect(ctx, c)
		hub.Handle(ctx, c, models.EventJoinConversation, raw(`"r1"`))
	}
	for _, c := range conns {
		c.reset()
	}

	hub.Handle(ctx, a1, models.EventTypingStart, raw(`"r1"`))
	hub.Handle(ctx, a1, models.EventTypingStop, raw(`"r1"`))
	hub.Handle(ctx, a1, models.EventTypingStop, raw(`"r1"`))

	if got := bob.names(); len(got) != 2 || got[0] != models.EventUserTyping || got[1] != models.EventUserStoppedTyping {
		t.Fatalf("bob events = %v", got)
	}
	if len(a1.names()) != 0 || len(a2.names()) != 0 {
		t.Fatalf("originator received typing events: %v %v", a1.names(), a2.names())
	}
	if hub.Typing().Len() != 0 {
		t.Fatal("typing state left behind")
	}
	if purged := hub.Typing().Sweep(time.Now().Add(time.Hour)); purged != 0 {
		t.Fatalf("Sweep() purged %d", purged)
	}
}

func TestHubTypingIgnoredOutsideRoom(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	hub.Connect(ctx, alice)

	hub.Handle(ctx, alice, models.EventTypingStart, raw(`"r1"`))
	if hub.Typing().Len() != 0 {
		t.Fatal("typing recorded without join")
	}
	if got := alice.count(models.EventError); got != 0 {
		t.Fatalf("unexpected error events: %d", got)
	}
}

func TestHubSendAndRead(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	for _, c := range []*fakeConn{alice, bob} {
		hub.Connect(ctx, c)
		hub.Handle(ctx, c, models.EventJoinConversation, raw(`"r1"`))
	}
	alice.reset()
	bob.reset()

	hub.Handle(ctx, alice, models.EventSendMessage, raw(`{"conversationId":"r1","content":"hi","messageType":"text","clientId":"c-1"}`))
	if got := alice.names(); len(got) != 2 || got[0] != models.EventMessageReceived || got[1] != models.EventMessageDelivered {
		t.Fatalf("alice events = %v", got)
	}
	if got := bob.names(); len(got) != 1 || got[0] != models.EventMessageReceived {
		t.Fatalf("bob events = %v", got)
	}
	msg := bob.last().payload.(*models.Message)

	hub.Handle(ctx, bob, models.EventMarkRead, raw(`"`+msg.ID+`"`))
	if alice.last().event != models.EventMessageRead {
		t.Fatalf("alice last event = %q", alice.last().event)
	}
	if receipts := store.Receipts(msg.ID); len(receipts) != 1 {
		t.Fatalf("receipts = %d", len(receipts))
	}

	hub.Handle(ctx, alice, models.EventMarkRead, raw(`{"messageId":"`+msg.ID+`"}`))
	got := alice.last()
	if got.event != models.EventError || got.payload.(models.ErrorEvent).Event != models.EventMarkRead {
		t.Fatalf("self read: last event = %+v", got)
	}
}

func TestHubSendRejectsEmptyText(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()
	alice := newFakeConn("a1", "alice")
	bob := newFakeConn("b1", "bob")
	for _, c := range []*fakeConn{alice, bob} {
		hub.Connect(ctx, c)
		hub.Handle(ctx, c, models.EventJoinConversation, raw(`"r1"`))
	}
	alice.reset()
	bob.reset()

	hub.Handle(ctx, alice, models.EventSendMessage, raw(`{"conversationId":"r1","content":"   ","messageType":"text"}`))
	if got := alice.names(); len(got) != 1 || got[0] != models.EventError {
		t.Fatalf("alice events = %v", got)
	}
	if len(bob.names()) != 0 {
		t.Fatalf("bob events = %v", bob.names())
	}
	if n := len(store.ListMessages("r1")); n != 0 {
		t.Fatalf("persisted %d messages", n)
	}
}

func TestHubUnknownEvent(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := newFakeConn("a1", "alice")
	hub.Connect(context.Background(), alice)
	hub.Handle(context.Background(), alice, "dance", nil)
	got := alice.last()
	if got.event != models.EventError || got.payload.(models.ErrorEvent).Message != "Unknown event" {
		t.Fatalf("last event = %+v", got)
	}
}

func TestHubRateLimitsPerUser(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddUser(&models.User{ID: "alice", Username: "alice"})
	store.AddUser(&models.User{ID: "bob", Username: "bob"})
	store.AddConversation(&models.Conversation{ID: "r1", ParticipantOne: "alice", ParticipantTwo: "bob"})
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewLimiter(ratelimit.Config{Enabled: true, PerSecond: 1, Burst: 2},
		ratelimit.WithClock(func() time.Time { return now }))
	hub := NewHub(store, Config{}, WithRateLimiter(limiter))
	ctx := context.Background()

	first := newFakeConn("a1", "alice")
	second := newFakeConn("a2", "alice")
	bob := newFakeConn("b1", "bob")
	hub.Connect(ctx, first)
	hub.Connect(ctx, second)
	hub.Connect(ctx, bob)

	hub.Handle(ctx, first, models.EventJoinConversation, raw(`"r1"`))
	hub.Handle(ctx, second, models.EventJoinConversation, raw(`"r1"`))
	hub.Handle(ctx, second, models.EventJoinConversation, raw(`"r1"`))

	got := second.last()
	if got.event != models.EventError {
		t.Fatalf("last event = %q, want error", got.event)
	}
	if msg := got.payload.(models.ErrorEvent).Message; msg != "Too many requests" {
		t.Fatalf("error message = %q", msg)
	}
	if len(hub.Rooms().RoomsOf("a2")) != 1 {
		t.Fatal("limited event must not be dispatched")
	}

	hub.Handle(ctx, bob, models.EventJoinConversation, raw(`"r1"`))
	if bob.last().event != models.EventConversationJoined {
		t.Fatalf("other users are not limited; last = %q", bob.last().event)
	}

	hub.Disconnect(ctx, first)
	hub.Disconnect(ctx, second)
	again := newFakeConn("a3", "alice")
	hub.Connect(ctx, again)
	hub.Handle(ctx, again, models.EventJoinConversation, raw(`"r1"`))
	if again.last().event != models.EventError {
		t.Fatalf("reconnecting must not reset the bucket; last = %q", again.last().event)
	}

	now = now.Add(time.Second)
	hub.Handle(ctx, again, models.EventJoinConversation, raw(`"r1"`))
	if again.last().event != models.EventConversationJoined {
		t.Fatalf("bucket should refill over time; last = %q", again.last().event)
	}
}
