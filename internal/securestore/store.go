// Package securestore persists small secrets (the session tokens) in the platform keyring,
// or in an encrypted on-disk store where no keyring is available.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/config"
)

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = errors.New("securestore: not found")
	// ErrUnavailable is returned when the backing store cannot be used.
	ErrUnavailable = errors.New("securestore: unavailable")
)

// Store is a durable string key/value store for secrets. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the store. Further calls fail with ErrUnavailable.
	Close() error
}

// Open returns the store selected by cfg.CredentialStore. In auto mode the platform
// keyring is preferred and the encrypted file store is the fallback.
func Open(cfg *config.Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.CredentialStore {
	case config.StoreKeyring:
		return NewKeyringStore(DefaultService), nil
	case config.StoreFile:
		return OpenFileStore(cfg.CredentialDir, cfg.CredentialPassphrase, logger)
	case config.StoreMemory:
		logger.Warn("securestore: using in-memory credential store; tokens will not survive a restart")
		return NewMemoryStore(), nil
	case config.StoreAuto, "":
		ks := NewKeyringStore(DefaultService)
		err := ks.Probe()
		if err == nil {
			logger.Debug("securestore: using platform keyring")
			return ks, nil
		}
		logger.Info("securestore: platform keyring unavailable, using encrypted file store", "reason", err)
		return OpenFileStore(cfg.CredentialDir, cfg.CredentialPassphrase, logger)
	default:
		return nil, fmt.Errorf("securestore: unknown backend %q", cfg.CredentialStore)
	}
}
