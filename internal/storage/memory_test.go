package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

func seededMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	store.AddUser(&models.User{ID: "alice", Username: "alice"})
	store.AddUser(&models.User{ID: "bob", Username: "bob"})
	store.AddUser(&models.User{ID: "carol", Username: "carol"})
	store.AddConversation(&models.Conversation{ID: "conv-1", ParticipantOne: "alice", ParticipantTwo: "bob"})
	store.AddFriendship("alice", "bob")
	store.AddFriendship("alice", "carol")
	return store
}

func TestMemoryStoreParticipantsAndFriends(t *testing.T) {
	store := seededMemoryStore(t)
	ctx := context.Background()

	participants, err := store.FindConversationParticipants(ctx, "conv-1")
	if err != nil {
		t.Fatalf("FindConversationParticipants() error = %v", err)
	}
	if len(participants) != 2 || participants[0] != "alice" || participants[1] != "bob" {
		t.Fatalf("participants = %v", participants)
	}

	if _, err := store.FindConversationParticipants(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	friends, err := store.FindFriendIDs(ctx, "alice")
	if err != nil {
		t.Fatalf("FindFriendIDs() error = %v", err)
	}
	if len(friends) != 2 || friends[0] != "bob" || friends[1] != "carol" {
		t.Fatalf("friends = %v", friends)
	}

	friends, _ = store.FindFriendIDs(ctx, "bob")
	if len(friends) != 1 || friends[0] != "alice" {
		t.Fatalf("friendship should be symmetric, got %v", friends)
	}
}

func TestMemoryStoreUpdatePresence(t *testing.T) {
	store := seededMemoryStore(t)
	ctx := context.Background()
	seen := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := store.UpdatePresence(ctx, "alice", false, seen); err != nil {
		t.Fatalf("UpdatePresence() error = %v", err)
	}
	user, err := store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Online || user.LastSeen == nil || !user.LastSeen.Equal(seen) {
		t.Fatalf("unexpected presence: online=%v lastSeen=%v", user.Online, user.LastSeen)
	}

	if err := store.UpdatePresence(ctx, "nobody", true, seen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateMessageMonotonic(t *testing.T) {
	store := seededMemoryStore(t)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	var created []time.Time
	for i := 0; i < 3; i++ {
		msg := &models.Message{ConversationID: "conv-1", SenderID: "alice", Type: models.MessageTypeText, Content: "hi"}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage() error = %v", err)
		}
		if msg.ID == "" {
			t.Fatal("expected generated id")
		}
		if msg.DeliveredAt == nil || !msg.DeliveredAt.Equal(msg.CreatedAt) {
			t.Fatalf("expected deliveredAt == createdAt, got %v", msg.DeliveredAt)
		}
		created = append(created, msg.CreatedAt)
	}
	for i := 1; i < len(created); i++ {
		if !created[i].After(created[i-1]) {
			t.Fatalf("createdAt not strictly increasing: %v", created)
		}
	}

	listed := store.ListMessages("conv-1")
	if len(listed) != 3 {
		t.Fatalf("ListMessages() = %d, want 3", len(listed))
	}

	missing := &models.Message{ConversationID: "nope", SenderID: "alice", Content: "x"}
	if err := store.CreateMessage(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown conversation, got %v", err)
	}
}

func TestMemoryStoreMarkMessageReadIdempotent(t *testing.T) {
	store := seededMemoryStore(t)
	ctx := context.Background()
	msg := &models.Message{ConversationID: "conv-1", SenderID: "alice", Type: models.MessageTypeText, Content: "hi"}
	if err := store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	r1, err := store.MarkMessageRead(ctx, msg.ID, "bob", first)
	if err != nil {
		t.Fatalf("MarkMessageRead() error = %v", err)
	}
	r2, err := store.MarkMessageRead(ctx, msg.ID, "bob", second)
	if err != nil {
		t.Fatalf("MarkMessageRead() second error = %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("expected same receipt id, got %q and %q", r1.ID, r2.ID)
	}
	if !r2.ReadAt.Equal(second) {
		t.Fatalf("expected receipt readAt updated to %v, got %v", second, r2.ReadAt)
	}
	if receipts := store.Receipts(msg.ID); len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt, got %d", len(receipts))
	}

	got, _ := store.GetMessage(ctx, msg.ID)
	if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(first) {
		t.Fatalf("unexpected message read state: isRead=%v readAt=%v", got.IsRead, got.ReadAt)
	}

	if _, err := store.MarkMessageRead(ctx, "missing", "bob", first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreMarkConversationRead(t *testing.T) {
	store := seededMemoryStore(t)
	ctx := context.Background()

	fromAlice := []*models.Message{}
	for i := 0; i < 2; i++ {
		msg := &models.Message{ConversationID: "conv-1", SenderID: "alice", Type: models.MessageTypeText, Content: "a"}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage() error = %v", err)
		}
		fromAlice = append(fromAlice, msg)
	}
	own := &models.Message{ConversationID: "conv-1", SenderID: "bob", Type: models.MessageTypeText, Content: "b"}
	if err := store.CreateMessage(ctx, own); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	at := time.Now().UTC()
	receipts, err := store.MarkConversationRead(ctx, "conv-1", "bob", at)
	if err != nil {
		t.Fatalf("MarkConversationRead() error = %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].MessageID != fromAlice[0].ID || receipts[1].MessageID != fromAlice[1].ID {
		t.Fatalf("receipts not in creation order")
	}

	got, _ := store.GetMessage(ctx, own.ID)
	if got.IsRead {
		t.Fatal("reader's own message must not be marked read")
	}

	again, err := store.MarkConversationRead(ctx, "conv-1", "bob", at.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkConversationRead() second error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no receipts on second batch, got %d", len(again))
	}
}

func TestMemoryStoreRefreshTokenRotation(t *testing.T) {
	store := seededMemoryStore(t)
	ctx := context.Background()
	now := time.Now()

	original := &models.RefreshToken{UserID: "alice", TokenHash: "hash-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.CreateRefreshToken(ctx, original); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	if err := store.CreateRefreshToken(ctx, original); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	next := &models.RefreshToken{UserID: "alice", TokenHash: "hash-2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.RotateRefreshToken(ctx, "hash-1", next, now); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	replay := &models.RefreshToken{UserID: "alice", TokenHash: "hash-3", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.RotateRefreshToken(ctx, "hash-1", replay, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected replayed rotation to fail with ErrNotFound, got %v", err)
	}

	if _, err := store.FindValidRefreshToken(ctx, "hash-2", now); err != nil {
		t.Fatalf("FindValidRefreshToken() error = %v", err)
	}
	if _, err := store.FindValidRefreshToken(ctx, "hash-2", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired token to be invalid, got %v", err)
	}

	wrongUser := &models.RefreshToken{UserID: "bob", TokenHash: "hash-4", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.RotateRefreshToken(ctx, "hash-2", wrongUser, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected user mismatch to fail, got %v", err)
	}

	removed, err := store.RevokeRefreshTokens(ctx, "alice")
	if err != nil {
		t.Fatalf("RevokeRefreshTokens() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 revoked token, got %d", removed)
	}
}
