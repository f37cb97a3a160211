package mockbackend

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/security"
)

var (
	errInvalidRefreshToken = errors.New("invalid or expired refresh token")
	errRefreshTokenReuse   = errors.New("refresh token reuse detected; all sessions revoked")
)

// authSession is one login. Only the hash and jti of its current refresh token are kept.
type authSession struct {
	ID          string
	UserID      string
	TenantID    string
	RefreshJTI  string
	RefreshHash string
	RevokedAt   *time.Time
	LastSeenAt  time.Time
}

// sessionTable holds every issued session in memory.
type sessionTable struct {
	mu   sync.Mutex
	byID map[string]*authSession
	nowF func() time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*authSession), nowF: time.Now}
}

// create starts a session for u and returns its id.
func (t *sessionTable) create(u *User) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.New().String()
	t.byID[id] = &authSession{ID: id, UserID: u.ID, TenantID: u.TenantID, LastSeenAt: t.nowF().UTC()}
	return id
}

// bindRefresh records the refresh token currently valid for sessionID.
func (t *sessionTable) bindRefresh(sessionID string, issued security.Issued) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byID[sessionID]; ok {
		s.RefreshJTI = issued.JTI
		s.RefreshHash = security.HashToken(issued.Token)
	}
}

// checkRefresh accepts only the latest refresh token of a live session. Presenting an older
// token of the session revokes every session of the user.
func (t *sessionTable) checkRefresh(claims *security.RefreshClaims, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[claims.SessionID]
	if !ok || s.RevokedAt != nil {
		return errInvalidRefreshToken
	}
	if s.RefreshJTI != claims.ID {
		t.revokeUserLocked(s.UserID)
		return errRefreshTokenReuse
	}
	if !security.TokenHashEqual(token, s.RefreshHash) {
		return errInvalidRefreshToken
	}
	s.LastSeenAt = t.nowF().UTC()
	return nil
}

func (t *sessionTable) active(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[sessionID]
	return ok && s.RevokedAt == nil
}

// revokeUser revokes every session of userID.
func (t *sessionTable) revokeUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.revokeUserLocked(userID)
}

func (t *sessionTable) revokeUserLocked(userID string) {
	now := t.nowF().UTC()
	for _, s := range t.byID {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
}
