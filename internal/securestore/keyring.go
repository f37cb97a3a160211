package securestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service name entries are filed under.
const DefaultService = "ohmguard"

const probeKey = "ohmguard.probe"

// KeyringStore keeps values in the OS keyring (Secret Service, macOS Keychain, Windows Credential Manager).
type KeyringStore struct {
	service string
	closed  atomic.Bool
}

// NewKeyringStore returns a store filing entries under service.
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

// Probe reports whether the keyring can be reached.
func (s *KeyringStore) Probe() error {
	_, err := keyring.Get(s.service, probeKey)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: keyring get: %v", ErrUnavailable, err)
	}
	return v, nil
}

func (s *KeyringStore) Set(ctx context.Context, key, value string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("%w: keyring set: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *KeyringStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: keyring delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *KeyringStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *KeyringStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	return ctx.Err()
}
