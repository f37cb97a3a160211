package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// RefreshClaims holds JWT claims for the refresh token (jti binds it to one rotation).
type RefreshClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
}

// Issued is one signed token with its jti and expiry.
type Issued struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256.
type TokenProvider struct {
	key        crypto.Signer
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowF       func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with key.
// issuer and audience are set on claims and enforced on validation.
func NewTokenProvider(key crypto.Signer, issuer, audience string, accessTTL, refreshTTL time.Duration) (*TokenProvider, error) {
	var method jwt.SigningMethod
	switch KeyAlg(key.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		key:        key,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		nowF:       time.Now,
	}, nil
}

// IssueAccess issues a short-lived access JWT for userID in tenantID with role.
func (p *TokenProvider) IssueAccess(sessionID, userID, tenantID, role string) (Issued, error) {
	reg, out, err := p.registered(userID, p.accessTTL)
	if err != nil {
		return Issued{}, err
	}
	out.Token, err = jwt.NewWithClaims(p.method, AccessClaims{
		RegisteredClaims: reg,
		TenantID:         tenantID,
		Role:             role,
		SessionID:        sessionID,
	}).SignedString(p.key)
	return out, err
}

// IssueRefresh issues a long-lived refresh JWT. Callers keep a hash of the token for rotation.
func (p *TokenProvider) IssueRefresh(sessionID, userID, tenantID string) (Issued, error) {
	reg, out, err := p.registered(userID, p.refreshTTL)
	if err != nil {
		return Issued{}, err
	}
	out.Token, err = jwt.NewWithClaims(p.method, RefreshClaims{
		RegisteredClaims: reg,
		TenantID:         tenantID,
		SessionID:        sessionID,
	}).SignedString(p.key)
	return out, err
}

func (p *TokenProvider) registered(subject string, ttl time.Duration) (jwt.RegisteredClaims, Issued, error) {
	jti, err := generateJTI()
	if err != nil {
		return jwt.RegisteredClaims{}, Issued{}, err
	}
	now := p.nowF().UTC()
	exp := now.Add(ttl)
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   subject,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}, Issued{JTI: jti, ExpiresAt: exp}, nil
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud).
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ValidateRefresh parses and validates a refresh token (signature, exp, iss, aud).
func (p *TokenProvider) ValidateRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := p.parse(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.key.Public(), nil
	},
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithTimeFunc(p.nowF),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
