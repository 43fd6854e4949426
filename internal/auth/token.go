package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTokenTTL bounds the lifetime of a session token.
const DefaultTokenTTL = 24 * time.Hour

// TokenBackend persists token digests against user identifiers. Expiry is the
// backend's own per-key TTL; callers never sweep.
type TokenBackend interface {
	Set(ctx context.Context, key, userID string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithBackend injects a custom TokenBackend implementation.
func WithBackend(backend TokenBackend) TokenOption {
	return func(m *TokenManager) {
		m.backend = backend
	}
}

// WithTokenLength sets the number of random bytes in newly issued tokens.
func WithTokenLength(length int) TokenOption {
	return func(m *TokenManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// TokenManager is the only component that maps opaque tokens to user
// identities.
type TokenManager struct {
	backend      TokenBackend
	ttl          time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
	now          func() time.Time
}

// NewTokenManager constructs a TokenManager with the provided TTL and options.
// It defaults to DefaultTokenTTL and an in-memory backend when none is given.
func NewTokenManager(ttl time.Duration, opts ...TokenOption) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	manager := &TokenManager{
		ttl:          ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.backend == nil {
		manager.backend = NewMemoryTokenStore()
	}
	return manager
}

// TTL reports the lifetime applied to issued tokens.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue generates a fresh token for userID and records it with the manager's TTL.
func (m *TokenManager) Issue(ctx context.Context, userID string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	key, err := tokenKey(token)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.now().Add(m.ttl)
	if err := m.backend.Set(ctx, key, userID, m.ttl); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Resolve returns the user bound to token. Unknown, expired and malformed
// tokens all report ok=false without an error.
func (m *TokenManager) Resolve(ctx context.Context, token string) (string, bool, error) {
	key, err := tokenKey(strings.TrimSpace(token))
	if err != nil {
		return "", false, nil
	}
	userID, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !ok || userID == "" {
		return "", false, nil
	}
	return userID, true, nil
}

// Revoke deletes the token mapping. Revoking a token that is already gone
// reports ok=false and no error.
func (m *TokenManager) Revoke(ctx context.Context, token string) (bool, error) {
	key, err := tokenKey(strings.TrimSpace(token))
	if err != nil {
		return false, nil
	}
	return m.backend.Delete(ctx, key)
}

// Ping verifies the backend is reachable when it exposes a ping method.
func (m *TokenManager) Ping(ctx context.Context) error {
	if m == nil || m.backend == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.backend.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrInvalidUserID is returned when issuing a token without a user identifier.
var ErrInvalidUserID = errors.New("userID is required")
