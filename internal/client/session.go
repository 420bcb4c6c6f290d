// Package client is the client side of the realtime channel: it keeps an
// authenticated WebSocket session alive across token expiry and transport
// drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/parley/pkg/models"
)

var (
	// ErrSessionExpired is returned once the session cannot be
	// re-authenticated. Credentials have been cleared by then.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotConnected is returned when emitting without a live channel.
	ErrNotConnected = errors.New("not connected")
)

// DefaultExpirySkew treats access tokens this close to expiry as expired.
const DefaultExpirySkew = 30 * time.Second

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Dialer opens the WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// EventHandler receives every server event.
type EventHandler func(event string, data json.RawMessage)

// Session owns one realtime channel and the credentials behind it.
type Session struct {
	url       string
	dialer    Dialer
	creds     CredentialStore
	refresher Refresher
	policy    ReconnectPolicy
	skew      time.Duration
	now       func() time.Time
	logger    *slog.Logger
	handler   EventHandler

	refreshes singleflight.Group

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex
	rooms   map[string]struct{}
}

// Option customizes a Session.
type Option func(*Session)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithReconnectPolicy sets the backoff used after transport drops.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithExpirySkew sets how early an access token is treated as expired.
func WithExpirySkew(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// WithClock overrides the clock used for the expiry check.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventHandler registers the callback for server events.
func WithEventHandler(h EventHandler) Option {
	return func(s *Session) { s.handler = h }
}

// NewSession creates a session for the channel at url, e.g.
// "wss://chat.example.com/ws".
func NewSession(url string, creds CredentialStore, refresher Refresher, opts ...Option) *Session {
	s := &Session{
		url:       url,
		dialer:    websocket.DefaultDialer,
		creds:     creds,
		refresher: refresher,
		policy:    DefaultReconnectPolicy(),
		skew:      DefaultExpirySkew,
		now:       time.Now,
		logger:    slog.Default(),
		state:     StateDisconnected,
		rooms:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "client")
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Connect opens the channel. An access token that is about to expire is
// rotated first. A handshake rejected with 401 gets exactly one rotate and
// one retry; if that fails too the session logs out and ErrSessionExpired
// is returned. Tracked conversations are rejoined on success.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	pair, ok := s.creds.Load()
	if !ok {
		s.Logout()
		return ErrSessionExpired
	}

	rotated := false
	if s.accessExpired(pair.AccessToken) {
		s.logger.Debug("access token expired, rotating before connect")
		next, err := s.refreshFrom(ctx, pair.RefreshToken)
		if err != nil {
			s.failConnect(err)
			return err
		}
		pair, rotated = next, true
	}

	conn, err := s.dial(ctx, pair.AccessToken)
	if isUnauthorized(err) && !rotated {
		s.logger.Info("handshake rejected, rotating credentials")
		next, rerr := s.refreshFrom(ctx, pair.RefreshToken)
		if rerr != nil {
			s.failConnect(rerr)
			return rerr
		}
		conn, err = s.dial(ctx, next.AccessToken)
	}
	if isUnauthorized(err) {
		s.logger.Warn("handshake rejected after rotation, logging out")
		s.Logout()
		return ErrSessionExpired
	}
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.rejoin()
	return nil
}

func (s *Session) failConnect(err error) {
	if !errors.Is(err, ErrSessionExpired) {
		s.setState(StateDisconnected)
	}
}

func (s *Session) dial(ctx context.Context, accessToken string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

var errUnauthorized = errors.New("handshake unauthorized")

func isUnauthorized(err error) bool {
	return errors.Is(err, errUnauthorized)
}

// accessExpired peeks at the exp claim without verifying the signature.
// Tokens that cannot be parsed are left for the server to judge.
func (s *Session) accessExpired(token string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !s.now().Add(s.skew).Before(claims.ExpiresAt.Time)
}

// Refresh rotates the credential pair. Concurrent callers share one
// request, and a caller whose refresh token was already rotated by another
// flight gets the stored pair instead of rotating again. A rejected refresh
// token logs the session out and returns ErrSessionExpired.
func (s *Session) Refresh(ctx context.Context) (*models.CredentialPair, error) {
	pair, ok := s.creds.Load()
	if !ok {
		s.Logout()
		return nil, ErrSessionExpired
	}
	return s.refreshFrom(ctx, pair.RefreshToken)
}

// refreshFlight keys every rotation of this session's credentials. A
// Session holds exactly one identity.
const refreshFlight = "refresh"

// refreshFrom rotates the pair whose refresh token the caller last saw.
func (s *Session) refreshFrom(ctx context.Context, seen string) (*models.CredentialPair, error) {
	v, err, _ := s.refreshes.Do(refreshFlight, func() (any, error) {
		current, ok := s.creds.Load()
		if !ok {
			return nil, ErrSessionExpired
		}
		if current.RefreshToken != seen {
			return current, nil
		}
		next, err := s.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return nil, err
		}
		s.creds.Save(next)
		return next, nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrSessionExpired) {
			s.logger.Warn("refresh token rejected, logging out", "error", err)
			s.Logout()
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("refresh credentials: %w", err)
	}
	next := v.(*models.CredentialPair)
	copied := *next
	return &copied, nil
}

// Logout clears credentials and closes the channel.
func (s *Session) Logout() {
	s.creds.Clear()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateUnauthenticated
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close closes the channel but keeps credentials.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.state != StateUnauthenticated {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Join tracks a conversation and joins it now if connected. Tracked
// conversations are rejoined after every reconnect.
func (s *Session) Join(conversationID string) error {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	err := s.Emit(models.EventJoinConversation, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Leave stops tracking a conversation.
func (s *Session) Leave(conversationID string) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	err := s.Emit(models.EventLeaveConversation, conversationID)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Rooms returns the tracked conversations, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) rejoin() {
	for _, convID := range s.Rooms() {
		if err := s.Emit(models.EventJoinConversation, convID); err != nil {
			s.logger.Warn("rejoin failed", "conversation_id", convID, "error", err)
		}
	}
}

// Emit sends a client event.
func (s *Session) Emit(event string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(models.Envelope{Event: event, Data: data})
}

// Run keeps the session connected until ctx is done or the session
// expires. Transport drops are retried with backoff; server events go to
// the registered handler.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.Connect(ctx)
		if err == nil {
			attempt = 0
			err = s.readPump(ctx)
		}
		if errors.Is(err, ErrSessionExpired) {
			return err
		}
		if ctx.Err() != nil {
			_ = s.Close()
			return ctx.Err()
		}
		attempt++
		delay := s.policy.Delay(attempt)
		s.logger.Warn("connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Session) readPump(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				if s.state == StateConnected {
					s.state = StateDisconnected
				}
			}
			s.mu.Unlock()
			_ = conn.Close()
			return err
		}
		if s.handler != nil {
			s.handler(frame.Event, frame.Data)
		}
	}
}
