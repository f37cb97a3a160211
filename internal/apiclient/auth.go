package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sessiondomain "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
)

// Login exchanges email and password for a token pair.
// 400 and 401 both mean the credentials were refused.
func (c *Client) Login(ctx context.Context, email, password string) (*sessiondomain.TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	var out sessiondomain.TokenPair
	err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/api/auth/login",
		Body:   map[string]string{"email": email, "password": password},
	}, &out)
	if err != nil {
		var se *StatusError
		if errors.Is(err, ErrUnauthenticated) || (errors.As(err, &se) && se.Code == http.StatusBadRequest) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, fmt.Errorf("login: response is missing tokens")
	}
	return &out, nil
}

// Refresh rotates the token pair. A rejected refresh token yields ErrUnauthenticated.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*sessiondomain.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrUnauthenticated
	}
	var out sessiondomain.TokenPair
	err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/api/auth/refresh",
		Body:   map[string]string{"refreshToken": refreshToken},
	}, &out)
	if err != nil {
		var se *StatusError
		if errors.Is(err, ErrForbidden) || (errors.As(err, &se) && se.Code == http.StatusBadRequest) {
			return nil, fmt.Errorf("refresh: %w", ErrUnauthenticated)
		}
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("refresh: response is missing tokens")
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return &out, nil
}

// Me returns the profile bound to accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (*sessiondomain.Profile, error) {
	var out sessiondomain.Profile
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/api/auth/me", Token: accessToken}, &out); err != nil {
		return nil, err
	}
	if out.UserID == "" || out.TenantID == "" {
		return nil, fmt.Errorf("me: response is missing user or tenant")
	}
	return &out, nil
}
