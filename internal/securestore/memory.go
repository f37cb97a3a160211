package securestore

import (
	"context"
	"sync"

	"github.com/awnumar/memguard"
)

// MemoryStore keeps values sealed in memguard enclaves for the life of the process.
// Nothing is written to disk; for tests and throwaway sessions.
type MemoryStore struct {
	mu     sync.Mutex
	m      map[string]*memguard.Enclave
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]*memguard.Enclave)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	enc, ok := s.m[key]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrUnavailable
	}
	if !ok {
		return "", ErrNotFound
	}
	buf, err := enc.Open()
	if err != nil {
		return "", ErrUnavailable
	}
	defer buf.Destroy()
	return buf.String(), nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	// NewEnclave wipes its argument, so hand it a private copy.
	s.m[key] = memguard.NewEnclave([]byte(value))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	delete(s.m, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.m = nil
	return nil
}
