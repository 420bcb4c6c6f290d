package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrRefreshRejected means the server refused the refresh token. The
// session cannot be recovered without signing in again.
var ErrRefreshRejected = errors.New("refresh token rejected")

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.CredentialPair, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*models.CredentialPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*models.CredentialPair, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher calls POST {BaseURL}/auth/refresh.
type HTTPRefresher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRefresher creates a refresher for the server at baseURL.
func NewHTTPRefresher(baseURL string) *HTTPRefresher {
	return &HTTPRefresher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*models.CredentialPair, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrRefreshRejected
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("refresh failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pair models.CredentialPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.New("refresh response missing tokens")
	}
	return &pair, nil
}
