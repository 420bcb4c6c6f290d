package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/parley/internal/auth"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleRefresh exchanges a refresh token for a new credential pair. Every
// rejection of the token itself is a uniform 401.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := s.auth.Rotate(r.Context(), token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, auth.ErrAuthDisabled):
		writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
	case isCredentialError(err):
		s.config.Metrics.RecordAuthFailure("refresh_" + auth.ReasonFor(err))
		auth.WriteUnauthorized(w)
	default:
		s.logger.ErrorContext(r.Context(), "refresh failed", "error", err)
		s.config.Metrics.RecordError("http", "refresh")
		writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

// handleLogout revokes every refresh token of the authenticated user.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.WriteUnauthorized(w)
		return
	}
	revoked, err := s.auth.Revoke(r.Context(), identity.UserID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "logout failed", "user_id", identity.UserID, "error", err)
		s.config.Metrics.RecordError("http", "logout")
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.config.HealthCheck != nil {
		if err := s.config.HealthCheck(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, auth.ErrTokenMalformed) ||
		errors.Is(err, auth.ErrTokenNotYetValid)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
