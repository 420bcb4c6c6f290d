package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "parley",
		Audience:      "parley-clients",
	}
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *testClock, *observability.Metrics) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	service := NewService(testConfig(), store, WithClock(clock.Now), WithMetrics(metrics))
	return service, store, clock, metrics
}

func TestServiceIssueAndVerify(t *testing.T) {
	service, store, _, _ := newTestService(t)
	ctx := context.Background()

	pair, err := service.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}

	identity, err := service.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", identity.UserID)
	}

	if _, err := store.FindValidRefreshToken(ctx, HashToken(pair.RefreshToken), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("expected refresh record stored by hash: %v", err)
	}

	if _, err := service.VerifyAccess(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not verify as access, got %v", err)
	}
	if _, err := service.VerifyRefresh(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not verify as refresh, got %v", err)
	}
}

func TestServiceAccessExpiryWindow(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	pair, err := service.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(15*time.Minute - 20*time.Second)
	if _, err := service.VerifyAccess(pair.AccessToken); err != nil {
		t.Fatalf("expected token valid 20s before expiry, got %v", err)
	}

	clock.Advance(20*time.Second + 20*time.Minute)
	if _, err := service.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestServiceLeeway(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	cfg.Leeway = time.Minute
	service := NewService(cfg, storage.NewMemoryStore(), WithClock(clock.Now))

	pair, err := service.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	clock.Advance(15*time.Minute + 30*time.Second)
	if _, err := service.VerifyAccess(pair.AccessToken); err != nil {
		t.Fatalf("expected leeway to cover 30s skew, got %v", err)
	}
}

func TestServiceRotateSingleUse(t *testing.T) {
	service, _, clock, metrics := newTestService(t)
	ctx := context.Background()

	pair, err := service.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clock.Advance(time.Minute)
	rotated, err := service.Rotate(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a fresh refresh token")
	}
	if _, err := service.VerifyAccess(rotated.AccessToken); err != nil {
		t.Fatalf("rotated access token invalid: %v", err)
	}

	if _, err := service.Rotate(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected replayed refresh to fail with ErrInvalidToken, got %v", err)
	}
	if _, err := service.Rotate(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("expected the new refresh token to rotate, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.TokenRotationCounter.WithLabelValues("success")); got != 2 {
		t.Errorf("successful rotations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.TokenRotationCounter.WithLabelValues("invalid")); got != 1 {
		t.Errorf("invalid rotations = %v, want 1", got)
	}
}

func TestServiceRotateConcurrentOnlyOneWins(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	pair, err := service.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Rotate(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes)
	}
}

func TestServiceRotateExpiredRecord(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	pair, err := service.Issue(ctx, "user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	clock.Advance(8 * 24 * time.Hour)
	if _, err := service.Rotate(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired refresh, got %v", err)
	}
}

func TestServiceRevoke(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	first, _ := service.Issue(ctx, "user-1")
	second, _ := service.Issue(ctx, "user-1")

	removed, err := service.Revoke(ctx, "user-1")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 revoked, got %d", removed)
	}
	for _, pair := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := service.Rotate(ctx, pair); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected revoked token to fail rotation, got %v", err)
		}
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(Config{}, storage.NewMemoryStore())
	if service.Enabled() {
		t.Fatal("expected service to be disabled")
	}
	if _, err := service.VerifyAccess("token"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
	if _, err := service.Issue(context.Background(), "user-1"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestReasonFor(t *testing.T) {
	tests := map[error]string{
		ErrTokenExpired:     "expired",
		ErrTokenMalformed:   "malformed",
		ErrTokenNotYetValid: "not_yet_valid",
		ErrInvalidToken:     "invalid",
		ErrAuthDisabled:     "disabled",
	}
	for err, want := range tests {
		if got := ReasonFor(err); got != want {
			t.Errorf("ReasonFor(%v) = %q, want %q", err, got, want)
		}
	}
}
