package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

var (
	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a slow client has filled its queue.
	// The connection is closed when this happens.
	ErrSendQueueFull = errors.New("send queue full")
)

// Connection is one authenticated WebSocket client. Reads happen on the
// goroutine running Serve; writes are drained from a bounded queue by a
// dedicated writer goroutine.
type Connection struct {
	id          string
	userID      string
	ws          *websocket.Conn
	cfg         Config
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	logger  *slog.Logger
	metrics *observability.Metrics
}

func newConnection(id, userID string, ws *websocket.Conn, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Connection {
	now := time.Now()
	c := &Connection{
		id:          id,
		userID:      userID,
		ws:          ws,
		cfg:         cfg,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: now,
		logger:      logger.With("connection_id", id, "user_id", userID),
		metrics:     metrics,
	}
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// ConnectedAt returns when the handshake completed.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Send encodes an event envelope and queues it without blocking.
func (c *Connection) Send(event string, payload any) error {
	data, err := json.Marshal(models.Envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		c.metrics.RecordEvent(event, "out")
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn("send queue full, closing connection", "event", event)
		c.Close()
		return ErrSendQueueFull
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readLoop reads frames until the peer goes away and hands each decoded
// frame to handle, in order.
func (c *Connection) readLoop(handle func(*inboundFrame)) {
	c.ws.SetReadLimit(c.cfg.MaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeFrame(data)
		if err != nil {
			_ = c.Send(models.EventError, models.ErrorEvent{Message: "Invalid frame"})
			continue
		}
		c.metrics.RecordEvent(frame.Event, "in")
		handle(frame)
	}
}
