package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

type identityContextKey struct{}

// WithIdentity attaches a verified identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves a verified identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok
}

func identityFromClaims(subject, id string, issuedAt, expiresAt *jwt.NumericDate) *Identity {
	identity := &Identity{UserID: subject, TokenID: id}
	if issuedAt != nil {
		identity.IssuedAt = issuedAt.Time
	}
	if expiresAt != nil {
		identity.ExpiresAt = expiresAt.Time
	}
	return identity
}
