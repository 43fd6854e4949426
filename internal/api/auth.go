package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"files-manager/internal/models"
)

// TokenHeader carries the session token on authenticated requests.
const TokenHeader = "X-Token"

// ErrUnauthorized reports a missing, unknown or expired token.
var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const (
	userContextKey  contextKey = "authenticatedUser"
	tokenContextKey contextKey = "sessionToken"
)

// ContextWithUser stores the authenticated user and the token that proved it.
func ContextWithUser(ctx context.Context, user models.User, token string) context.Context {
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, tokenContextKey, token)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// ExtractToken returns the trimmed X-Token header value.
func ExtractToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(TokenHeader))
}

// AuthenticateRequest resolves the X-Token header to a user. It returns an
// error wrapping ErrUnauthorized when the caller is not authenticated; any
// other error is a backend failure.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, string, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	userID, ok, err := h.Tokens.Resolve(r.Context(), token)
	if err != nil {
		return models.User{}, "", fmt.Errorf("resolve token: %w", err)
	}
	if !ok {
		return models.User{}, "", fmt.Errorf("%w: invalid or expired token", ErrUnauthorized)
	}
	user, exists, err := h.Credentials.User(r.Context(), userID)
	if err != nil {
		return models.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !exists {
		return models.User{}, "", fmt.Errorf("%w: account not found", ErrUnauthorized)
	}
	return user, token, nil
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, msgUnauthorized)
		return models.User{}, false
	}
	return user, true
}
