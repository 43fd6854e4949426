package auth

import (
	"context"
	"sync"
	"time"
)

type memoryToken struct {
	userID    string
	expiresAt time.Time
}

// MemoryTokenStore keeps token digests in-memory. Expired entries are dropped
// when read; there is no background sweep. It is intended for development and
// single-instance deployments.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]memoryToken
	now    func() time.Time
}

// NewMemoryTokenStore constructs an empty in-memory backend.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]memoryToken), now: time.Now}
}

// Set records userID under key until ttl elapses.
func (s *MemoryTokenStore) Set(_ context.Context, key, userID string, ttl time.Duration) error {
	s.mu.Lock()
	s.tokens[key] = memoryToken{userID: userID, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Get returns the user stored under key when it has not expired.
func (s *MemoryTokenStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[key]
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.tokens, key)
		return "", false, nil
	}
	return entry.userID, true, nil
}

// Delete removes key and reports whether a live entry existed.
func (s *MemoryTokenStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[key]
	if !ok {
		return false, nil
	}
	delete(s.tokens, key)
	return s.now().Before(entry.expiresAt), nil
}

// Len reports the number of stored entries, expired ones included.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Ping always reports success for the in-memory store.
func (s *MemoryTokenStore) Ping(context.Context) error {
	return nil
}
