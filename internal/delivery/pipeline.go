// Package delivery validates, persists and fans out messages and read
// receipts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/parley/internal/keylock"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

var (
	ErrNotParticipant = errors.New("not a participant in this conversation")
	ErrInvalidContent = errors.New("invalid message content")
	ErrNotAuthorized  = errors.New("not authorized to read this message")
	ErrSelfRead       = errors.New("cannot mark own message as read")
	ErrNotFound       = errors.New("message not found")
)

// DefaultMaxContentLength caps message content, counted in characters.
const DefaultMaxContentLength = 4000

// Fanout is the realtime surface messages are delivered through.
type Fanout interface {
	// IsMember reports whether a connection has joined a conversation room.
	IsMember(conversationID, connID string) bool
	// Broadcast sends an event to every connection in a room and returns the
	// number of connections that accepted it.
	Broadcast(conversationID, event string, payload any) int
	// SendTo sends an event to a single connection.
	SendTo(connID, event string, payload any) error
}

// Store is the persistence the pipeline needs.
type Store interface {
	storage.MessageStore
	storage.ConversationStore
}

// Sender identifies the connection a request arrived on.
type Sender struct {
	ConnID string
	UserID string
}

// SendRequest is the payload of a send_message event.
type SendRequest struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Type           models.MessageType `json:"messageType"`
	File           *models.FileRef    `json:"fileRef,omitempty"`
	ClientID       string             `json:"clientId,omitempty"`
}

// Pipeline handles message sends and read receipts. Work on a conversation
// is serialized so the persisted order matches the broadcast order and a
// sender's ack always follows the room broadcast.
type Pipeline struct {
	store      Store
	fanout     Fanout
	locks      *keylock.Mutex
	maxContent int
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMaxContentLength overrides DefaultMaxContentLength.
func WithMaxContentLength(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxContent = n
		}
	}
}

// WithClock overrides the clock used for read timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records message and receipt counts on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer traces store calls.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a delivery pipeline.
func NewPipeline(store Store, fanout Fanout, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		fanout:     fanout,
		locks:      keylock.New(),
		maxContent: DefaultMaxContentLength,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send validates and persists a message, broadcasts message_received to the
// conversation room and then acknowledges the sending connection with
// message_delivered. Nothing is written or broadcast when validation fails.
func (p *Pipeline) Send(ctx context.Context, sender Sender, req SendRequest) (*models.Message, error) {
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if req.ConversationID == "" || !p.fanout.IsMember(req.ConversationID, sender.ConnID) {
		p.metrics.RecordMessage(string(req.Type), "rejected")
		return nil, ErrNotParticipant
	}
	if err := p.validate(req); err != nil {
		p.metrics.RecordMessage(string(req.Type), "rejected")
		return nil, err
	}

	unlock := p.locks.Lock(req.ConversationID)
	defer unlock()

	msg := &models.Message{
		ConversationID: req.ConversationID,
		SenderID:       sender.UserID,
		Type:           req.Type,
		Content:        req.Content,
		File:           req.File,
	}
	err := p.storeCall(ctx, "create_message", func(ctx context.Context) error {
		return p.store.CreateMessage(ctx, msg)
	})
	if err != nil {
		p.metrics.RecordMessage(string(req.Type), "error")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}

	p.fanout.Broadcast(msg.ConversationID, models.EventMessageReceived, msg)

	deliveredAt := msg.CreatedAt
	if msg.DeliveredAt != nil {
		deliveredAt = *msg.DeliveredAt
	}
	ack := models.DeliveredAck{MessageID: msg.ID, DeliveredAt: deliveredAt, ClientID: req.ClientID}
	if err := p.fanout.SendTo(sender.ConnID, models.EventMessageDelivered, ack); err != nil {
		p.logger.WarnContext(ctx, "delivery ack dropped", "message_id", msg.ID, "error", err)
	}
	p.metrics.RecordMessage(string(req.Type), "delivered")
	return msg, nil
}

func (p *Pipeline) validate(req SendRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, req.Type)
	}
	switch req.Type {
	case models.MessageTypeText:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: message content is required", ErrInvalidContent)
		}
	case models.MessageTypeFile:
		if req.File.Empty() {
			return fmt.Errorf("%w: file reference is required", ErrInvalidContent)
		}
	}
	if utf8.RuneCountInString(req.Content) > p.maxContent {
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidContent, p.maxContent)
	}
	return nil
}

// MarkRead records that reader has read a message and broadcasts
// message_read to the conversation. Repeating the call keeps a single
// receipt.
func (p *Pipeline) MarkRead(ctx context.Context, reader Sender, messageID string) (*models.ReadReceipt, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	var msg *models.Message
	err := p.storeCall(ctx, "get_message", func(ctx context.Context) error {
		var err error
		msg, err = p.store.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	if err := p.authorizeReader(ctx, msg.ConversationID, reader.UserID); err != nil {
		return nil, err
	}
	if msg.SenderID == reader.UserID {
		return nil, ErrSelfRead
	}

	unlock := p.locks.Lock(msg.ConversationID)
	defer unlock()

	var receipt *models.ReadReceipt
	err = p.storeCall(ctx, "mark_message_read", func(ctx context.Context) error {
		var err error
		receipt, err = p.store.MarkMessageRead(ctx, messageID, reader.UserID, p.now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mark read: %w", err)
	}
	p.metrics.RecordReadReceipts("single", 1)
	p.fanout.Broadcast(msg.ConversationID, models.EventMessageRead, models.ReadEvent{
		MessageID: receipt.MessageID,
		UserID:    receipt.UserID,
		ReadAt:    receipt.ReadAt,
	})
	return receipt, nil
}

// MarkConversationRead marks every unread message from the other
// participant as read in one store transaction and broadcasts one
// read_receipt_updated per message.
func (p *Pipeline) MarkConversationRead(ctx context.Context, reader Sender, conversationID string) ([]*models.ReadReceipt, error) {
	if err := p.authorizeReader(ctx, conversationID, reader.UserID); err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(conversationID)
	defer unlock()

	var receipts []*models.ReadReceipt
	err := p.storeCall(ctx, "mark_conversation_read", func(ctx context.Context) error {
		var err error
		receipts, err = p.store.MarkConversationRead(ctx, conversationID, reader.UserID, p.now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	p.metrics.RecordReadReceipts("batch", len(receipts))
	for _, receipt := range receipts {
		p.fanout.Broadcast(conversationID, models.EventReadReceiptUpdated, models.ReadEvent{
			MessageID: receipt.MessageID,
			UserID:    receipt.UserID,
			ReadAt:    receipt.ReadAt,
		})
	}
	return receipts, nil
}

func (p *Pipeline) authorizeReader(ctx context.Context, conversationID, userID string) error {
	var participants []string
	err := p.storeCall(ctx, "find_conversation_participants", func(ctx context.Context) error {
		var err error
		participants, err = p.store.FindConversationParticipants(ctx, conversationID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load participants: %w", err)
	}
	for _, participant := range participants {
		if participant == userID {
			return nil
		}
	}
	return ErrNotAuthorized
}

// storeCall wraps a store operation in a span and a latency observation.
func (p *Pipeline) storeCall(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := p.tracer.TraceStoreCall(ctx, operation)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.metrics.RecordStoreQuery(operation, err, time.Since(start).Seconds())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		observability.RecordError(span, err)
	}
	return err
}
