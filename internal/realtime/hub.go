// Package realtime hosts the WebSocket gateway and the hub that routes
// client events to presence, rooms, typing and message delivery.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/parley/internal/delivery"
	"github.com/haasonsaas/parley/internal/keylock"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/presence"
	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/rooms"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/typing"
	"github.com/haasonsaas/parley/pkg/models"
)

// Store is the persistence the hub needs.
type Store interface {
	storage.ConversationStore
	storage.UserStore
	storage.MessageStore
}

// Hub owns the presence directory, room manager, typing tracker and
// delivery pipeline and dispatches client events across them.
type Hub struct {
	store    Store
	cfg      Config
	presence *presence.Directory
	rooms    *rooms.Manager
	typing   *typing.Tracker
	pipeline *delivery.Pipeline
	// transitions serializes online and offline transitions per user.
	transitions *keylock.Mutex

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	limiter *ratelimit.Limiter
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records connection, presence and event metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithTracer traces event handling.
func WithTracer(t *observability.Tracer) Option {
	return func(h *Hub) { h.tracer = t }
}

// WithRateLimiter limits inbound events per user. Events over the limit
// are answered with an error event and dropped.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Hub) { h.limiter = l }
}

// WithClock overrides the clock for presence, typing and read timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub wires the realtime core over store.
func NewHub(store Store, cfg Config, opts ...Option) *Hub {
	h := &Hub{
		store:       store,
		cfg:         cfg.withDefaults(),
		transitions: keylock.New(),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "realtime")

	h.presence = presence.NewDirectory()
	h.presence.SetClock(h.now)
	h.rooms = rooms.NewManager(store)
	h.typing = typing.NewTracker(h.cfg.TypingTTL)
	h.typing.SetClock(h.now)
	h.pipeline = delivery.NewPipeline(store, h,
		delivery.WithClock(h.now),
		delivery.WithLogger(h.logger),
		delivery.WithMetrics(h.metrics),
		delivery.WithTracer(h.tracer),
		delivery.WithMaxContentLength(h.cfg.MaxContentLength),
	)
	return h
}

func (h *Hub) Presence() *presence.Directory { return h.presence }
func (h *Hub) Rooms() *rooms.Manager         { return h.rooms }
func (h *Hub) Typing() *typing.Tracker       { return h.typing }

// Serve runs a connection until its peer disconnects. The connection is
// registered before the first frame is read and the disconnect cascade
// runs after the last one.
func (h *Hub) Serve(ctx context.Context, conn *Connection) {
	h.metrics.ConnectionOpened()
	go conn.writeLoop()

	h.Connect(ctx, conn)
	conn.readLoop(func(frame *inboundFrame) {
		h.Handle(ctx, conn, frame.Event, frame.Data)
	})
	h.Disconnect(context.WithoutCancel(ctx), conn)

	conn.Close()
	h.metrics.ConnectionClosed(time.Since(conn.ConnectedAt()).Seconds())
}

// Connect registers conn. When it is the user's first connection the user
// goes online and their friends are told. A transition waits for any
// earlier transition of the same user to finish announcing.
func (h *Hub) Connect(ctx context.Context, conn presence.Conn) {
	unlock := h.transitions.Lock(conn.UserID())
	defer unlock()
	if !h.presence.Register(conn) {
		return
	}
	h.metrics.UserOnline()
	h.logger.Info("user online", "user_id", conn.UserID(), "connection_id", conn.ID())
	h.announcePresence(ctx, conn.UserID(), true, h.now().UTC())
}

// Disconnect tears a connection down in a fixed order: typing states are
// stopped, then every room is left, then presence is unregistered. Each
// step broadcasts to the peers still present.
func (h *Hub) Disconnect(ctx context.Context, conn presence.Conn) {
	connID, userID := conn.ID(), conn.UserID()
	joined := h.rooms.RoomsOf(connID)

	for _, convID := range joined {
		if h.typing.Stop(userID, convID) {
			h.broadcastExceptUser(convID, userID, models.EventUserStoppedTyping, models.RoomEvent{
				UserID:         userID,
				ConversationID: convID,
			})
		}
	}

	for _, convID := range joined {
		if h.rooms.Leave(connID, convID) {
			h.Broadcast(convID, models.EventUserLeft, models.RoomEvent{
				UserID:         userID,
				ConversationID: convID,
			})
		}
	}

	unlock := h.transitions.Lock(userID)
	defer unlock()
	departure, ok := h.presence.Unregister(connID)
	if !ok || !departure.WentOffline {
		return
	}
	h.metrics.UserOffline()
	h.logger.Info("user offline", "user_id", userID, "connection_id", connID)
	h.announcePresence(ctx, userID, false, departure.LastSeen)
}

// announcePresence persists the transition and tells every online friend.
// Both store calls are best-effort.
func (h *Hub) announcePresence(ctx context.Context, userID string, online bool, at time.Time) {
	var friends []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.store.UpdatePresence(gctx, userID, online, at); err != nil {
			h.logger.Warn("failed to persist presence", "user_id", userID, "online", online, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		ids, err := h.store.FindFriendIDs(gctx, userID)
		if err != nil {
			return err
		}
		friends = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		h.logger.Warn("failed to load friends", "user_id", userID, "error", err)
		return
	}

	event := models.EventFriendOnline
	payload := models.FriendPresence{UserID: userID}
	if !online {
		event = models.EventFriendOffline
		lastSeen := at
		payload.LastSeen = &lastSeen
	}
	h.presence.SendToUsers(friends, event, payload)
}

// IsMember reports whether connID has joined the conversation room.
func (h *Hub) IsMember(conversationID, connID string) bool {
	return h.rooms.IsMember(conversationID, connID)
}

// Broadcast sends an event to every connection in a room.
func (h *Hub) Broadcast(conversationID, event string, payload any) int {
	return h.broadcast(conversationID, event, payload, nil)
}

// SendTo sends an event to one connection.
func (h *Hub) SendTo(connID, event string, payload any) error {
	conn, ok := h.presence.Get(connID)
	if !ok {
		return ErrConnectionClosed
	}
	return conn.Send(event, payload)
}

func (h *Hub) broadcastExceptUser(conversationID, userID, event string, payload any) int {
	return h.broadcast(conversationID, event, payload, func(c presence.Conn) bool {
		return c.UserID() == userID
	})
}

func (h *Hub) broadcastExceptConn(conversationID, connID, event string, payload any) int {
	return h.broadcast(conversationID, event, payload, func(c presence.Conn) bool {
		return c.ID() == connID
	})
}

func (h *Hub) broadcast(conversationID, event string, payload any, skip func(presence.Conn) bool) int {
	delivered := 0
	for _, connID := range h.rooms.Subscribers(conversationID) {
		conn, ok := h.presence.Get(connID)
		if !ok || (skip != nil && skip(conn)) {
			continue
		}
		if err := conn.Send(event, payload); err != nil {
			h.logger.Debug("broadcast skipped connection", "connection_id", connID, "event", event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Handle dispatches one client event. Failures are reported to the
// connection as error events; the connection stays open.
func (h *Hub) Handle(ctx context.Context, conn presence.Conn, event string, data json.RawMessage) {
	ctx = observability.AddConnectionID(observability.AddUserID(ctx, conn.UserID()), conn.ID())
	ctx, span := h.tracer.TraceEvent(ctx, event, conn.ID())
	defer span.End()

	if !h.limiter.Allow(conn.UserID()) {
		h.logger.WarnContext(ctx, "event rate limited", "event", event)
		h.metrics.RecordError("realtime", "rate_limited")
		_ = conn.Send(models.EventError, models.ErrorEvent{Message: rateLimitedMessage, Event: event})
		return
	}

	var err error
	switch event {
	case models.EventJoinConversation:
		err = h.handleJoin(ctx, conn, data)
	case models.EventLeaveConversation:
		err = h.handleLeave(conn, data)
	case models.EventSendMessage:
		err = h.handleSend(ctx, conn, data)
	case models.EventTypingStart:
		err = h.handleTyping(conn, data, true)
	case models.EventTypingStop:
		err = h.handleTyping(conn, data, false)
	case models.EventMarkRead:
		err = h.handleMarkRead(ctx, conn, data)
	case models.EventMarkConversationRead:
		err = h.handleMarkConversationRead(ctx, conn, data)
	default:
		err = errUnknownEvent
	}
	if err == nil {
		return
	}
	observability.RecordError(span, err)
	message := clientMessage(err)
	if message == genericErrorMessage {
		h.logger.ErrorContext(ctx, "event failed", "event", event, "error", err)
		h.metrics.RecordError("realtime", event)
	} else {
		h.logger.DebugContext(ctx, "event rejected", "event", event, "error", err)
	}
	_ = conn.Send(models.EventError, models.ErrorEvent{Message: message, Event: event})
}

func (h *Hub) handleJoin(ctx context.Context, conn presence.Conn, data json.RawMessage) error {
	convID, err := decodeID(data, "conversationId")
	if err != nil {
		return err
	}
	added, err := h.rooms.Join(ctx, conn.ID(), conn.UserID(), convID)
	if err != nil {
		return err
	}
	if added {
		h.broadcastExceptConn(convID, conn.ID(), models.EventUserJoined, models.RoomEvent{
			UserID:         conn.UserID(),
			ConversationID: convID,
		})
	}
	return conn.Send(models.EventConversationJoined, models.ConversationAck{ConversationID: convID})
}

func (h *Hub) handleLeave(conn presence.Conn, data json.RawMessage) error {
	convID, err := decodeID(data, "conversationId")
	if err != nil {
		return err
	}
	if h.rooms.Leave(conn.ID(), convID) {
		h.Broadcast(convID, models.EventUserLeft, models.RoomEvent{
			UserID:         conn.UserID(),
			ConversationID: convID,
		})
	}
	return conn.Send(models.EventConversationLeft, models.ConversationAck{ConversationID: convID})
}

func (h *Hub) handleSend(ctx context.Context, conn presence.Conn, data json.RawMessage) error {
	var req delivery.SendRequest
	if len(data) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return errInvalidPayload
	}
	_, err := h.pipeline.Send(ctx, delivery.Sender{ConnID: conn.ID(), UserID: conn.UserID()}, req)
	return err
}

// handleTyping ignores signals for rooms the connection has not joined.
func (h *Hub) handleTyping(conn presence.Conn, data json.RawMessage, start bool) error {
	convID, err := decodeID(data, "conversationId")
	if err != nil {
		return err
	}
	if !h.rooms.IsMember(convID, conn.ID()) {
		return nil
	}
	payload := models.RoomEvent{UserID: conn.UserID(), ConversationID: convID}
	if start {
		h.typing.Start(conn.UserID(), convID)
		h.broadcastExceptUser(convID, conn.UserID(), models.EventUserTyping, payload)
		return nil
	}
	if h.typing.Stop(conn.UserID(), convID) {
		h.broadcastExceptUser(convID, conn.UserID(), models.EventUserStoppedTyping, payload)
	}
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, conn presence.Conn, data json.RawMessage) error {
	messageID, err := decodeID(data, "messageId")
	if err != nil {
		return err
	}
	_, err = h.pipeline.MarkRead(ctx, delivery.Sender{ConnID: conn.ID(), UserID: conn.UserID()}, messageID)
	return err
}

func (h *Hub) handleMarkConversationRead(ctx context.Context, conn presence.Conn, data json.RawMessage) error {
	convID, err := decodeID(data, "conversationId")
	if err != nil {
		return err
	}
	_, err = h.pipeline.MarkConversationRead(ctx, delivery.Sender{ConnID: conn.ID(), UserID: conn.UserID()}, convID)
	return err
}

var errUnknownEvent = errors.New("unknown event")

const (
	genericErrorMessage = "Something went wrong"
	rateLimitedMessage  = "Too many requests"
)

// clientMessage maps an error to the text shown to the client. Store and
// other unexpected failures are collapsed to a generic message.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, rooms.ErrNotParticipant), errors.Is(err, delivery.ErrNotParticipant):
		return "Not a participant in this conversation"
	case errors.Is(err, delivery.ErrInvalidContent):
		return err.Error()
	case errors.Is(err, delivery.ErrNotAuthorized):
		return "Not authorized to read this message"
	case errors.Is(err, delivery.ErrSelfRead):
		return "Cannot mark your own message as read"
	case errors.Is(err, delivery.ErrNotFound):
		return "Not found"
	case errors.Is(err, errInvalidPayload):
		return "Invalid payload"
	case errors.Is(err, errUnknownEvent):
		return "Unknown event"
	default:
		return genericErrorMessage
	}
}

var _ delivery.Fanout = (*Hub)(nil)
