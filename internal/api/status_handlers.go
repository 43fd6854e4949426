package api

import (
	"net/http"
)

type statusResponse struct {
	Redis bool `json:"redis"`
	DB    bool `json:"db"`
}

type statsResponse struct {
	Users int64 `json:"users"`
	Files int64 `json:"files"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// Status handles GET /status: liveness of the token store and the metadata
// store.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Redis: h.Tokens.Ping(r.Context()) == nil,
		DB:    h.Repository.Ping(r.Context()) == nil,
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	users, err := h.Credentials.Count(r.Context())
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "count users failed", err)
		return
	}
	files, err := h.Files.Count(r.Context())
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "count files failed", err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Users: users, Files: files})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
