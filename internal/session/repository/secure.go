package repository

import (
	"context"
	"errors"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/securestore"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
)

// Fixed names the tokens are stored under.
const (
	KeyAccessToken  = "ohmguard.access_token"
	KeyRefreshToken = "ohmguard.refresh_token"
)

// SecureRepository stores the token pair in a securestore.Store.
type SecureRepository struct {
	store securestore.Store
}

// NewSecureRepository returns a repository backed by store.
func NewSecureRepository(store securestore.Store) *SecureRepository {
	return &SecureRepository{store: store}
}

// Load returns the stored pair, or nil if either token is missing.
func (r *SecureRepository) Load(ctx context.Context) (*domain.TokenPair, error) {
	refresh, err := r.store.Get(ctx, KeyRefreshToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	access, err := r.store.Get(ctx, KeyAccessToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Save writes the refresh token first so a crash between writes never pairs a new
// access token with a stale refresh token.
func (r *SecureRepository) Save(ctx context.Context, pair domain.TokenPair) error {
	if err := r.store.Set(ctx, KeyRefreshToken, pair.RefreshToken); err != nil {
		_ = r.Clear(context.WithoutCancel(ctx))
		return err
	}
	if err := r.store.Set(ctx, KeyAccessToken, pair.AccessToken); err != nil {
		_ = r.Clear(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Clear deletes both tokens, attempting both even if the first delete fails.
func (r *SecureRepository) Clear(ctx context.Context) error {
	return errors.Join(
		r.store.Delete(ctx, KeyAccessToken),
		r.store.Delete(ctx, KeyRefreshToken),
	)
}
