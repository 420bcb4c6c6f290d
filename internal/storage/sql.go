package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/parley/pkg/models"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLStore implements Store on top of database/sql. Queries are written so
// they run unchanged on Postgres/CockroachDB (lib/pq) and SQLite (modernc):
// numbered placeholders appear once each, in ascending order.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQLStore opens, configures and pings a database.
func OpenSQLStore(driver, dsn string, config *PoolConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	pool := PoolConfig{}
	if config != nil {
		pool = *config
	}
	pool = pool.forDriver(driver)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.apply(db)

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db), nil
}

// DB exposes the underlying handle (used by the migrator).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	var one, two string
	err := s.db.QueryRowContext(ctx,
		`SELECT participant_one, participant_two FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&one, &two)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find conversation participants: %w", err)
	}
	return []string{one, two}, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var user models.User
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, is_online, last_seen FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Online, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if lastSeen.Valid {
		seen := lastSeen.Time
		user.LastSeen = &seen
	}
	return &user, nil
}

func (s *SQLStore) FindFriendIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN requester_id = $1 THEN addressee_id ELSE requester_id END
		 FROM friendships
		 WHERE (requester_id = $2 OR addressee_id = $3) AND status = $4`,
		userID, userID, userID, string(models.FriendshipAccepted),
	)
	if err != nil {
		return nil, fmt.Errorf("find friends: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find friends: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3`,
		online, lastSeen.UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create message: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	created := s.now().UTC()
	var last time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`,
		msg.ConversationID,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read latest message time: %w", err)
	case !created.After(last):
		created = last.Add(time.Microsecond)
	}

	var fileURL, fileName, fileMime string
	var fileSize int64
	if msg.File != nil {
		fileURL, fileName, fileMime, fileSize = msg.File.URL, msg.File.Name, msg.File.MimeType, msg.File.Size
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, message_type, content, file_url, file_name, file_mime_type, file_size, created_at, delivered_at, is_read)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		string(msg.Type),
		msg.Content,
		fileURL,
		fileName,
		fileMime,
		fileSize,
		created,
		created,
		false,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create message: %w", err)
	}

	msg.CreatedAt = created
	delivered := created
	msg.DeliveredAt = &delivered
	msg.IsRead = false
	msg.ReadAt = nil
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var (
		msg                         models.Message
		msgType                     string
		fileURL, fileName, fileMime string
		fileSize                    int64
		deliveredAt, readAt         sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, message_type, content, file_url, file_name, file_mime_type, file_size, created_at, delivered_at, read_at, is_read
		 FROM messages WHERE id = $1`,
		id,
	).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msgType,
		&msg.Content,
		&fileURL,
		&fileName,
		&fileMime,
		&fileSize,
		&msg.CreatedAt,
		&deliveredAt,
		&readAt,
		&msg.IsRead,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	msg.Type = models.MessageType(msgType)
	if fileURL != "" {
		msg.File = &models.FileRef{URL: fileURL, Name: fileName, MimeType: fileMime, Size: fileSize}
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	return &msg, nil
}

func (s *SQLStore) MarkMessageRead(ctx context.Context, messageID, userID string, at time.Time) (*models.ReadReceipt, error) {
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_read = $1, read_at = COALESCE(read_at, $2) WHERE id = $3`,
		true, at, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("update message read state: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO read_receipts (id, message_id, user_id, read_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = excluded.read_at`,
		uuid.NewString(), messageID, userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert read receipt: %w", err)
	}

	receipt := &models.ReadReceipt{MessageID: messageID, UserID: userID}
	err = tx.QueryRowContext(ctx,
		`SELECT id, read_at FROM read_receipts WHERE message_id = $1 AND user_id = $2`,
		messageID, userID,
	).Scan(&receipt.ID, &receipt.ReadAt)
	if err != nil {
		return nil, fmt.Errorf("load read receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return receipt, nil
}

func (s *SQLStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]*models.ReadReceipt, error) {
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark conversation read: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = $3
		 ORDER BY created_at`,
		conversationID, userID, false,
	)
	if err != nil {
		return nil, fmt.Errorf("select unread messages: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unread message: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select unread messages: %w", err)
	}
	rows.Close()

	receipts := make([]*models.ReadReceipt, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_read = $1, read_at = $2 WHERE id = $3`,
			true, at, id,
		); err != nil {
			return nil, fmt.Errorf("update message read state: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO read_receipts (id, message_id, user_id, read_at) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (message_id, user_id) DO NOTHING`,
			uuid.NewString(), id, userID, at,
		); err != nil {
			return nil, fmt.Errorf("insert read receipt: %w", err)
		}
		// An existing receipt is kept as is.
		receipt := &models.ReadReceipt{MessageID: id, UserID: userID}
		if err := tx.QueryRowContext(ctx,
			`SELECT id, read_at FROM read_receipts WHERE message_id = $1 AND user_id = $2`,
			id, userID,
		).Scan(&receipt.ID, &receipt.ReadAt); err != nil {
			return nil, fmt.Errorf("load read receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark conversation read: %w", err)
	}
	return receipts, nil
}

func (s *SQLStore) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token == nil || token.TokenHash == "" || token.UserID == "" {
		return fmt.Errorf("refresh token is required")
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at) VALUES ($1,$2,$3,$4,$5)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt.UTC(), token.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (s *SQLStore) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) error {
	if next == nil || next.TokenHash == "" || next.UserID == "" {
		return fmt.Errorf("refresh token is required")
	}
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate refresh token: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1 AND user_id = $2 AND expires_at > $3`,
		oldHash, next.UserID, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at) VALUES ($1,$2,$3,$4,$5)`,
		next.ID, next.UserID, next.TokenHash, next.ExpiresAt.UTC(), next.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate refresh token: %w", err)
	}
	return nil
}

func (s *SQLStore) FindValidRefreshToken(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2`,
		hash, now.UTC(),
	).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

func (s *SQLStore) RevokeRefreshTokens(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return int(affected), nil
}

// isUniqueViolation recognizes duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}

var _ Store = (*SQLStore)(nil)
