package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

type failingStore struct{}

func (failingStore) FindConversationParticipants(ctx context.Context, id string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func newTestManager() *Manager {
	store := storage.NewMemoryStore()
	store.AddConversation(&models.Conversation{ID: "r1", ParticipantOne: "alice", ParticipantTwo: "bob"})
	store.AddConversation(&models.Conversation{ID: "r2", ParticipantOne: "alice", ParticipantTwo: "carol"})
	return NewManager(store)
}

func TestManagerJoinLeave(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	added, err := m.Join(ctx, "c1", "alice", "r1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !added {
		t.Fatal("expected new subscription")
	}
	added, err = m.Join(ctx, "c1", "alice", "r1")
	if err != nil {
		t.Fatalf("second Join() error = %v", err)
	}
	if added {
		t.Fatal("re-join must not add a duplicate subscription")
	}
	if subs := m.Subscribers("r1"); len(subs) != 1 {
		t.Fatalf("Subscribers() = %v", subs)
	}

	if _, err := m.Join(ctx, "c1", "alice", "r2"); err != nil {
		t.Fatalf("Join(r2) error = %v", err)
	}
	if rooms := m.RoomsOf("c1"); len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Fatalf("RoomsOf() = %v", rooms)
	}

	if !m.Leave("c1", "r1") {
		t.Fatal("expected Leave to report membership")
	}
	if m.Leave("c1", "r1") {
		t.Fatal("second Leave must be a no-op")
	}
	if m.IsMember("r1", "c1") {
		t.Fatal("expected c1 removed from r1")
	}
	if m.Count() != 1 {
		t.Fatalf("expected empty room evicted, Count() = %d", m.Count())
	}
}

func TestManagerRejectsNonParticipant(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Join(ctx, "c9", "mallory", "r1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := m.Join(ctx, "c9", "mallory", "missing"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for unknown room, got %v", err)
	}
	if len(m.Subscribers("r1")) != 0 || len(m.RoomsOf("c9")) != 0 {
		t.Fatal("rejected join must not mutate state")
	}
}

func TestManagerStoreFailure(t *testing.T) {
	m := NewManager(failingStore{})
	_, err := m.Join(context.Background(), "c1", "alice", "r1")
	if err == nil || errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected transient store error, got %v", err)
	}
}
