package mockbackend

import (
	"context"
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// Roles known to the backend. Only admin and staff may acknowledge alerts.
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleViewer = "viewer"
)

func canAcknowledge(role string) bool {
	return role == RoleAdmin || role == RoleStaff
}

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// identity is the caller resolved from a valid access token.
type identity struct {
	UserID    string
	TenantID  string
	Role      string
	SessionID string
}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey).(identity)
	return id, ok
}

// requireAuth validates the Bearer access token and rejects the request with 401 otherwise.
// Tokens of revoked sessions are rejected too.
func (b *Backend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := b.authenticate(extractBearer(r.Header.Get("Authorization")))
		if !ok {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func (b *Backend) authenticate(token string) (identity, bool) {
	if token == "" {
		return identity{}, false
	}
	claims, err := b.tokens.ValidateAccess(token)
	// Refresh tokens carry no role.
	if err != nil || claims.Role == "" {
		return identity{}, false
	}
	if !b.sessions.active(claims.SessionID) {
		return identity{}, false
	}
	return identity{UserID: claims.Subject, TenantID: claims.TenantID, Role: claims.Role, SessionID: claims.SessionID}, true
}

// extractBearer returns the token of an "Authorization: Bearer <token>" value, or "".
func extractBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
