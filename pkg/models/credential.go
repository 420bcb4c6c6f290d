package models

import "time"

// CredentialPair is what a client holds to authenticate: a short-lived access
// token and a single-use refresh token.
type CredentialPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// RefreshToken is the server-side record of an outstanding refresh token.
// Only the SHA-256 hash of the token is stored.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the record is past its expiry at now.
func (r *RefreshToken) Expired(now time.Time) bool {
	return r == nil || !now.Before(r.ExpiresAt)
}
