package repository

import (
	"context"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/session/domain"
)

// Repository persists the session's token pair across process restarts.
type Repository interface {
	// Load returns the stored pair, or nil when no complete pair is stored.
	Load(ctx context.Context) (*domain.TokenPair, error)
	// Save stores both tokens. On error no partial pair is left behind.
	Save(ctx context.Context, pair domain.TokenPair) error
	// Clear removes both tokens.
	Clear(ctx context.Context) error
}
