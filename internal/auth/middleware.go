package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// AuthenticationErrorMessage is the only failure text clients ever see.
const AuthenticationErrorMessage = "Authentication error"

// Middleware enforces a bearer access token on HTTP handlers and stores the
// verified identity on the request context.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				logger.Warn("missing credentials", "path", r.URL.Path)
				WriteUnauthorized(w)
				return
			}
			identity, err := service.VerifyAccess(token)
			if err != nil {
				logger.Warn("access token rejected", "path", r.URL.Path, "reason", ReasonFor(err))
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// ExtractToken returns the bearer token from the Authorization header, or
// the "token" query parameter when no header is present.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WriteUnauthorized writes the uniform 401 body.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": AuthenticationErrorMessage})
}
