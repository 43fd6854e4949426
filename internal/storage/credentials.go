package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"files-manager/internal/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Credentials registers users and verifies email/password pairs.
type Credentials struct {
	users UserStore
	now   func() time.Time
}

// NewCredentials wraps the provided user store.
func NewCredentials(users UserStore) *Credentials {
	return &Credentials{
		users: users,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeEmail trims, NFC-normalises and case-folds an address so lookups
// and the uniqueness constraint agree on equivalent spellings.
func NormalizeEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return ""
	}
	return cases.Fold().String(norm.NFC.String(trimmed))
}

// Create stores a new user with a pbkdf2 digest of password.
func (c *Credentials) Create(ctx context.Context, email, password string) (models.User, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return models.User{}, ErrMissingEmail
	}
	if password == "" {
		return models.User{}, ErrMissingPassword
	}

	existing, ok, err := c.users.FindUserByEmail(ctx, normalized)
	if err != nil {
		return models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if ok && existing.ID != "" {
		return models.User{}, ErrAlreadyExists
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := c.users.InsertUser(ctx, models.User{
		Email:        normalized,
		PasswordHash: hashed,
		CreatedAt:    c.now(),
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return models.User{}, ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// Verify returns the user when password matches the stored digest. Unknown
// emails and wrong passwords both report ok=false without an error.
func (c *Credentials) Verify(ctx context.Context, email, password string) (models.User, bool, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" || password == "" {
		return models.User{}, false, nil
	}
	user, ok, err := c.users.FindUserByEmail(ctx, normalized)
	if err != nil {
		return models.User{}, false, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return models.User{}, false, nil
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, false, nil
		}
		return models.User{}, false, err
	}
	return user, true, nil
}

// User resolves an identity by id, as used after token resolution.
func (c *Credentials) User(ctx context.Context, id string) (models.User, bool, error) {
	if strings.TrimSpace(id) == "" {
		return models.User{}, false, nil
	}
	return c.users.FindUserByID(ctx, id)
}

// Count reports the number of registered users.
func (c *Credentials) Count(ctx context.Context) (int64, error) {
	return c.users.CountUsers(ctx)
}
