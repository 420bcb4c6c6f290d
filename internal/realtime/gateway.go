package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/auth"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
)

// Gateway authenticates the WebSocket handshake and hands accepted
// connections to the hub. Every authentication failure is answered with a
// 401 before the upgrade.
type Gateway struct {
	hub      *Hub
	auth     *auth.Service
	users    storage.UserStore
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *observability.Metrics

	// base outlives individual requests so server shutdown can cancel
	// every connection at once.
	base context.Context
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithCheckOrigin overrides the upgrader origin policy. The default accepts
// every origin.
func WithCheckOrigin(check func(*http.Request) bool) GatewayOption {
	return func(g *Gateway) {
		if check != nil {
			g.upgrader.CheckOrigin = check
		}
	}
}

// WithBaseContext sets the parent context of every connection.
func WithBaseContext(ctx context.Context) GatewayOption {
	return func(g *Gateway) {
		if ctx != nil {
			g.base = ctx
		}
	}
}

// NewGateway creates the /ws handler.
func NewGateway(hub *Hub, authService *auth.Service, users storage.UserStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		hub:     hub,
		auth:    authService,
		users:   users,
		logger:  hub.logger,
		metrics: hub.metrics,
		base:    context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractToken(r)
	if token == "" {
		g.reject(w, r, "missing")
		return
	}
	identity, err := g.auth.VerifyAccess(token)
	if err != nil {
		g.reject(w, r, auth.ReasonFor(err))
		return
	}
	user, err := g.users.GetUser(r.Context(), identity.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.logger.Error("failed to load user during handshake", "user_id", identity.UserID, "error", err)
		}
		g.reject(w, r, "unknown_user")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	conn := newConnection(connID, user.ID, ws, g.hub.cfg, g.logger, g.metrics)

	ctx, cancel := context.WithCancel(g.base)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()
	ctx = observability.AddConnectionID(observability.AddUserID(ctx, user.ID), connID)
	g.hub.Serve(ctx, conn)
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, reason string) {
	g.metrics.RecordAuthFailure(reason)
	g.logger.Warn("websocket handshake rejected", "reason", reason, "remote_addr", r.RemoteAddr)
	auth.WriteUnauthorized(w)
}
