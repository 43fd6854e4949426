package api

import (
	"errors"
	"net/http"

	"files-manager/internal/storage"
)

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	user, err := h.Credentials.Create(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, storage.ErrMissingEmail):
		writeMessage(w, http.StatusBadRequest, msgMissingEmail)
		return
	case errors.Is(err, storage.ErrMissingPassword):
		writeMessage(w, http.StatusBadRequest, msgMissingPassword)
		return
	case errors.Is(err, storage.ErrAlreadyExists):
		writeMessage(w, http.StatusBadRequest, msgAlreadyExist)
		return
	case err != nil:
		writeInternalError(w, h.requestLogger(r), "create user failed", err)
		return
	}
	h.metrics.ObserveAuthEvent("register")
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

// Connect handles GET /connect. Credentials arrive as HTTP Basic auth.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok || email == "" {
		h.metrics.ObserveAuthEvent("login_failure")
		writeMessage(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	user, found, err := h.Credentials.Verify(r.Context(), email, password)
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "verify credentials failed", err)
		return
	}
	if !found {
		h.metrics.ObserveAuthEvent("login_failure")
		writeMessage(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	token, _, err := h.Tokens.Issue(r.Context(), user.ID)
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "issue token failed", err)
		return
	}
	h.metrics.ObserveAuthEvent("login_success")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// Disconnect handles GET /disconnect by revoking the caller's token.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	revoked, err := h.Tokens.Revoke(r.Context(), tokenFromContext(r.Context()))
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "revoke token failed", err)
		return
	}
	if !revoked {
		writeMessage(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	h.metrics.ObserveAuthEvent("logout")
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /users/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}
