package security

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client reads from its own access token. The signature is not
// checked: the server is the only verifier, the client only needs expiry and identity hints.
type Claims struct {
	Subject   string
	TenantID  string
	Role      string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// ParseClaims decodes token without verifying its signature.
// Opaque (non-JWT) tokens yield ErrInvalidToken.
func ParseClaims(token string) (*Claims, error) {
	var ac AccessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &ac); err != nil {
		return nil, ErrInvalidToken
	}
	c := &Claims{Subject: ac.Subject, TenantID: ac.TenantID, Role: ac.Role}
	if ac.ExpiresAt != nil {
		c.ExpiresAt = ac.ExpiresAt.Time
	}
	return c, nil
}

// ExpiresAt returns the token's exp claim, or issuedAt+fallbackTTL when the token is
// opaque or carries no exp.
func ExpiresAt(token string, issuedAt time.Time, fallbackTTL time.Duration) time.Time {
	c, err := ParseClaims(token)
	if err != nil || c.ExpiresAt.IsZero() {
		return issuedAt.Add(fallbackTTL)
	}
	return c.ExpiresAt
}
