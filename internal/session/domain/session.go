package domain

import "time"

// Session is the authenticated state of this client. At most one is live per process
// and only the session manager creates, rotates or destroys it.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry
	UserID       string
	TenantID     string
	Role         string
	FullName     string
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (s *Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return s == nil || !now.Add(margin).Before(s.ExpiresAt)
}

// TokenPair is the credential pair returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Profile is the identity returned by GET /api/auth/me.
type Profile struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
	FullName string `json:"fullName"`
}
