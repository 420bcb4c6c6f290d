package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/haasonsaas/parley/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	store := NewSQLStore(db)
	return db, mock, store
}

func TestSQLStore_FindConversationParticipants(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      []string
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT participant_one, participant_two FROM conversations").
					WithArgs("conv-1").
					WillReturnRows(sqlmock.NewRows([]string{"participant_one", "participant_two"}).AddRow("alice", "bob"))
			},
			want: []string{"alice", "bob"},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT participant_one, participant_two FROM conversations").
					WithArgs("conv-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			got, err := store.FindConversationParticipants(context.Background(), "conv-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(got) != 2 || got[0] != tt.want[0] || got[1] != tt.want[1] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_FindFriendIDs(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT CASE WHEN requester_id").
		WithArgs("alice", "alice", "alice", "accepted").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bob").AddRow("carol"))

	ids, err := store.FindFriendIDs(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindFriendIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "bob" || ids[1] != "carol" {
		t.Fatalf("ids = %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_CreateMessage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT created_at FROM messages").
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			"msg-1",
			"conv-1",
			"alice",
			"text",
			"hello",
			"", "", "", int64(0),
			now.Add(time.Microsecond),
			now.Add(time.Microsecond),
			false,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msg := &models.Message{ID: "msg-1", ConversationID: "conv-1", SenderID: "alice", Type: models.MessageTypeText, Content: "hello"}
	if err := store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if !msg.CreatedAt.Equal(now.Add(time.Microsecond)) {
		t.Fatalf("expected createdAt bumped past the latest message, got %v", msg.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_CreateMessageDuplicate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT created_at FROM messages").
		WithArgs("conv-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	msg := &models.Message{ID: "msg-1", ConversationID: "conv-1", SenderID: "alice", Type: models.MessageTypeText, Content: "hello"}
	if err := store.CreateMessage(context.Background(), msg); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_GetMessage(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	columns := []string{"id", "conversation_id", "sender_id", "message_type", "content", "file_url", "file_name", "file_mime_type", "file_size", "created_at", "delivered_at", "read_at", "is_read"}
	mock.ExpectQuery("SELECT id, conversation_id, sender_id").
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("msg-1", "conv-1", "alice", "file", "", "https://cdn/x.png", "x.png", "image/png", int64(42), created, created, nil, false))

	msg, err := store.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Type != models.MessageTypeFile || msg.File == nil || msg.File.Size != 42 {
		t.Fatalf("unexpected file message: %+v", msg)
	}
	if msg.ReadAt != nil || msg.DeliveredAt == nil {
		t.Fatalf("unexpected timestamps: delivered=%v read=%v", msg.DeliveredAt, msg.ReadAt)
	}

	mock.ExpectQuery("SELECT id, conversation_id, sender_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.GetMessage(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_MarkMessageRead(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upserts receipt", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE messages SET is_read").
			WithArgs(true, at, "msg-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO read_receipts").
			WithArgs(sqlmock.AnyArg(), "msg-1", "bob", at).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT id, read_at FROM read_receipts").
			WithArgs("msg-1", "bob").
			WillReturnRows(sqlmock.NewRows([]string{"id", "read_at"}).AddRow("rr-1", at))
		mock.ExpectCommit()

		receipt, err := store.MarkMessageRead(context.Background(), "msg-1", "bob", at)
		if err != nil {
			t.Fatalf("MarkMessageRead() error = %v", err)
		}
		if receipt.ID != "rr-1" || receipt.UserID != "bob" || !receipt.ReadAt.Equal(at) {
			t.Fatalf("unexpected receipt: %+v", receipt)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE messages SET is_read").
			WithArgs(true, at, "msg-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		if _, err := store.MarkMessageRead(context.Background(), "msg-1", "bob", at); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestSQLStore_MarkConversationRead(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	earlier := at.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages").
		WithArgs("conv-1", "bob", false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1").AddRow("m2"))

	mock.ExpectExec("UPDATE messages SET is_read").
		WithArgs(true, at, "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO read_receipts").
		WithArgs(sqlmock.AnyArg(), "m1", "bob", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, read_at FROM read_receipts").
		WithArgs("m1", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"id", "read_at"}).AddRow("rr-new", at))

	// m2 already has a receipt, so the insert is a no-op.
	mock.ExpectExec("UPDATE messages SET is_read").
		WithArgs(true, at, "m2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO read_receipts").
		WithArgs(sqlmock.AnyArg(), "m2", "bob", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, read_at FROM read_receipts").
		WithArgs("m2", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"id", "read_at"}).AddRow("rr-old", earlier))
	mock.ExpectCommit()

	receipts, err := store.MarkConversationRead(context.Background(), "conv-1", "bob", at)
	if err != nil {
		t.Fatalf("MarkConversationRead() error = %v", err)
	}
	if len(receipts) != 2 || receipts[0].MessageID != "m1" || receipts[1].MessageID != "m2" {
		t.Fatalf("unexpected receipts: %+v", receipts)
	}
	if receipts[0].ID != "rr-new" || !receipts[0].ReadAt.Equal(at) {
		t.Fatalf("new receipt = %+v", receipts[0])
	}
	if receipts[1].ID != "rr-old" || !receipts[1].ReadAt.Equal(earlier) {
		t.Fatalf("existing receipt should be returned unchanged, got %+v", receipts[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_RotateRefreshToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next := func() *models.RefreshToken {
		return &models.RefreshToken{ID: "rt-2", UserID: "alice", TokenHash: "hash-2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	}

	t.Run("rotates", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM refresh_tokens").
			WithArgs("hash-1", "alice", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO refresh_tokens").
			WithArgs("rt-2", "alice", "hash-2", now.Add(time.Hour), now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := store.RotateRefreshToken(context.Background(), "hash-1", next(), now); err != nil {
			t.Fatalf("RotateRefreshToken() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("already consumed", func(t *testing.T) {
		db, mock, store := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM refresh_tokens").
			WithArgs("hash-1", "alice", now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		if err := store.RotateRefreshToken(context.Background(), "hash-1", next(), now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestSQLStore_RevokeRefreshTokens(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM refresh_tokens WHERE user_id").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.RevokeRefreshTokens(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RevokeRefreshTokens() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOpenSQLStoreValidation(t *testing.T) {
	if _, err := OpenSQLStore(DriverPostgres, "", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := OpenSQLStore("mysql", "dsn", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
