package mockbackend

import (
	"errors"
	"net/http"
	"strings"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	b.mu.Lock()
	b.counter.Logins++
	u := b.users[email]
	b.mu.Unlock()
	if u == nil || !b.hasher.Matches(u.hash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	sessionID := b.sessions.create(u)
	resp, err := b.issue(sessionID, u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue tokens")
		return
	}
	b.logger.Info("mockbackend: login", "user_id", u.ID, "tenant_id", u.TenantID)
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	b.mu.Lock()
	b.counter.Refreshes++
	b.mu.Unlock()

	if ac, err := b.tokens.ValidateAccess(req.RefreshToken); err == nil && ac.Role != "" {
		writeError(w, http.StatusUnauthorized, errInvalidRefreshToken.Error())
		return
	}
	claims, err := b.tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errInvalidRefreshToken.Error())
		return
	}
	if err := b.sessions.checkRefresh(claims, req.RefreshToken); err != nil {
		if errors.Is(err, errRefreshTokenReuse) {
			b.logger.Warn("mockbackend: refresh token reuse, sessions revoked", "user_id", claims.Subject)
		}
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	u := b.userByID(claims.Subject)
	if u == nil {
		writeError(w, http.StatusUnauthorized, errInvalidRefreshToken.Error())
		return
	}
	resp, err := b.issue(claims.SessionID, u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// issue mints a new access and refresh token for sessionID and binds the refresh token to it.
func (b *Backend) issue(sessionID string, u *User) (tokenResponse, error) {
	refresh, err := b.tokens.IssueRefresh(sessionID, u.ID, u.TenantID)
	if err != nil {
		return tokenResponse{}, err
	}
	b.sessions.bindRefresh(sessionID, refresh)
	access, err := b.tokens.IssueAccess(sessionID, u.ID, u.TenantID, u.Role)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{AccessToken: access.Token, RefreshToken: refresh.Token, TokenType: "bearer"}, nil
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	u := b.userByID(id.UserID)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userId":   u.ID,
		"tenantId": u.TenantID,
		"role":     u.Role,
		"fullName": u.FullName,
		"email":    u.Email,
	})
}

func (b *Backend) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := decodeBody(w, r, &req); err != nil || !strings.HasPrefix(req.Token, "ExponentPushToken") {
		writeError(w, http.StatusBadRequest, "invalid push token")
		return
	}
	id, _ := identityFrom(r.Context())
	b.pushTokens.Put(req.Token, id.UserID, b.nowF().Add(pushTokenTTL))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (b *Backend) handleUnregisterPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	id, _ := identityFrom(r.Context())
	if owner, ok := b.pushTokens.Get(req.Token); ok && owner == id.UserID {
		b.pushTokens.Delete(req.Token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
