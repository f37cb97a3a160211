// Package push registers the device's notification token with the backend.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
)

// expoPrefix starts every Expo push token.
const expoPrefix = "ExponentPushToken"

// ErrInvalidToken is returned for tokens that are not Expo push tokens.
var ErrInvalidToken = errors.New("push: not an Expo push token")

// Doer sends one API request.
type Doer interface {
	Do(ctx context.Context, req apiclient.Request, out any) error
}

// Registrar registers and unregisters one device token. A Registrar with no token does nothing.
type Registrar struct {
	api      Doer
	token    string
	platform string
	logger   *slog.Logger
}

// NewRegistrar validates token and returns a Registrar for it. An empty token disables push.
func NewRegistrar(api Doer, token, platform string, logger *slog.Logger) (*Registrar, error) {
	token = strings.TrimSpace(token)
	if token != "" && !strings.HasPrefix(token, expoPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{api: api, token: token, platform: platform, logger: logger}, nil
}

// Enabled reports whether a device token is configured.
func (r *Registrar) Enabled() bool { return r.token != "" }

// Register binds the device token to the user owning accessToken.
func (r *Registrar) Register(ctx context.Context, accessToken string) error {
	if !r.Enabled() {
		return nil
	}
	err := r.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/api/push-tokens",
		Token:  accessToken,
		Body:   map[string]string{"token": r.token, "platform": r.platform},
	}, nil)
	if err != nil {
		return fmt.Errorf("push: register: %w", err)
	}
	r.logger.Debug("push: registered", "platform", r.platform)
	return nil
}

// Unregister unbinds the device token. Called during logout while the access token is still held.
func (r *Registrar) Unregister(ctx context.Context, accessToken string) error {
	if !r.Enabled() {
		return nil
	}
	err := r.api.Do(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   "/api/push-tokens",
		Token:  accessToken,
		Body:   map[string]string{"token": r.token},
	}, nil)
	if err != nil {
		return fmt.Errorf("push: unregister: %w", err)
	}
	return nil
}
