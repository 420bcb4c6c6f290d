package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

var (
	ErrAuthDisabled     = errors.New("auth disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenNotYetValid = errors.New("token not yet valid")
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Config configures credential issuance and verification.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Identity is the verified subject of a credential.
type Identity struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service issues, verifies and rotates credentials. Access tokens are
// verified statelessly; refresh tokens are single-use and tracked in a
// RefreshTokenStore by hash.
type Service struct {
	access  *JWTService
	refresh *JWTService
	store   storage.RefreshTokenStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records rotations and failures on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer traces refresh store calls.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService constructs an auth service. A blank access secret disables
// auth; a blank refresh secret disables issuance and rotation.
func NewService(cfg Config, store storage.RefreshTokenStore, opts ...Option) *Service {
	service := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	if strings.TrimSpace(cfg.AccessSecret) != "" {
		service.access = NewJWTService(cfg.AccessSecret, cfg.AccessTTL)
		service.access.issuer = cfg.Issuer
		service.access.audience = cfg.Audience
		service.access.leeway = cfg.Leeway
		service.access.now = service.now
	}
	if strings.TrimSpace(cfg.RefreshSecret) != "" {
		service.refresh = NewJWTService(cfg.RefreshSecret, cfg.RefreshTTL)
		service.refresh.issuer = cfg.Issuer
		service.refresh.leeway = cfg.Leeway
		service.refresh.now = service.now
		service.refresh.newID = randomID
	}
	return service
}

// Enabled reports whether access tokens can be verified.
func (s *Service) Enabled() bool {
	return s != nil && s.access != nil
}

// Issue mints a credential pair for userID and persists the refresh record.
func (s *Service) Issue(ctx context.Context, userID string) (*models.CredentialPair, error) {
	pair, record, err := s.mint(userID)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.TraceStoreCall(ctx, "create_refresh_token")
	defer span.End()
	start := time.Now()
	err = s.store.CreateRefreshToken(ctx, record)
	s.metrics.RecordStoreQuery("create_refresh_token", err, time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// VerifyAccess validates an access token without touching the store.
func (s *Service) VerifyAccess(token string) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	claims, err := s.access.Verify(token)
	if err != nil {
		return nil, err
	}
	return identityFromClaims(claims.Subject, claims.ID, claims.IssuedAt, claims.ExpiresAt), nil
}

// VerifyRefresh checks a refresh token's signature and lifetime only.
// Every failure collapses to ErrInvalidToken.
func (s *Service) VerifyRefresh(token string) (*Identity, error) {
	if s == nil || s.refresh == nil {
		return nil, ErrAuthDisabled
	}
	claims, err := s.refresh.Verify(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return identityFromClaims(claims.Subject, claims.ID, claims.IssuedAt, claims.ExpiresAt), nil
}

// Rotate exchanges a refresh token for a new pair. The old record is
// deleted and the new one inserted in a single store transaction, so a
// refresh token can be redeemed at most once.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (*models.CredentialPair, error) {
	identity, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			s.metrics.RecordTokenRotation("invalid")
		}
		return nil, err
	}

	pair, record, err := s.mint(identity.UserID)
	if err != nil {
		s.metrics.RecordTokenRotation("error")
		return nil, err
	}

	ctx, span := s.tracer.TraceStoreCall(ctx, "rotate_refresh_token")
	defer span.End()
	start := time.Now()
	err = s.store.RotateRefreshToken(ctx, HashToken(refreshToken), record, s.now())
	s.metrics.RecordStoreQuery("rotate_refresh_token", err, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.RecordTokenRotation("invalid")
			s.logger.WarnContext(ctx, "refresh token rejected", "user_id", identity.UserID, "reason", "absent, expired or consumed")
			return nil, ErrInvalidToken
		}
		observability.RecordError(span, err)
		s.metrics.RecordTokenRotation("error")
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	s.metrics.RecordTokenRotation("success")
	return pair, nil
}

// Revoke deletes every refresh record for userID.
func (s *Service) Revoke(ctx context.Context, userID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrAuthDisabled
	}
	removed, err := s.store.RevokeRefreshTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.logger.InfoContext(ctx, "refresh tokens revoked", "user_id", userID, "count", removed)
	return removed, nil
}

func (s *Service) mint(userID string) (*models.CredentialPair, *models.RefreshToken, error) {
	if !s.Enabled() || s.refresh == nil || s.store == nil {
		return nil, nil, ErrAuthDisabled
	}
	access, accessClaims, err := s.access.Sign(userID)
	if err != nil {
		return nil, nil, err
	}
	refresh, refreshClaims, err := s.refresh.Sign(userID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: HashToken(refresh),
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		CreatedAt: now,
	}
	pair := &models.CredentialPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}
	return pair, record, nil
}

// ReasonFor maps a verification error to a short metric/log label.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrAuthDisabled):
		return "disabled"
	default:
		return "invalid"
	}
}
