package mockbackend

import (
	"sync"
	"time"
)

// ttlStore keeps values until their expiry. Expired entries are dropped on read.
type ttlStore struct {
	mu   sync.RWMutex
	m    map[string]ttlEntry
	nowF func() time.Time
}

type ttlEntry struct {
	value     string
	expiresAt time.Time
}

func newTTLStore() *ttlStore {
	return &ttlStore{m: make(map[string]ttlEntry), nowF: time.Now}
}

// Put stores value under key until expiresAt.
func (s *ttlStore) Put(key, value string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = ttlEntry{value: value, expiresAt: expiresAt}
}

// Get returns the value for key if present and not expired.
func (s *ttlStore) Get(key string) (string, bool) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(s.nowF()) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return "", false
	}
	return e.value, true
}

// Delete removes key.
func (s *ttlStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Keys returns the live keys whose value equals value.
func (s *ttlStore) Keys(value string) []string {
	now := s.nowF()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, e := range s.m {
		if e.value == value && e.expiresAt.After(now) {
			out = append(out, k)
		}
	}
	return out
}
