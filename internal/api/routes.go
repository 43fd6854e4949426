package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Register mounts every API endpoint on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	router.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
	router.HandleFunc("/users/me", h.Me).Methods(http.MethodGet)
	router.HandleFunc("/connect", h.Connect).Methods(http.MethodGet)
	router.HandleFunc("/disconnect", h.Disconnect).Methods(http.MethodGet)

	router.HandleFunc("/files", h.CreateFile).Methods(http.MethodPost)
	router.HandleFunc("/files", h.ListFiles).Methods(http.MethodGet)
	router.HandleFunc("/files/{id}", h.GetFile).Methods(http.MethodGet)
	router.HandleFunc("/files/{id}/publish", h.Publish).Methods(http.MethodPut)
	router.HandleFunc("/files/{id}/unpublish", h.Unpublish).Methods(http.MethodPut)
	router.HandleFunc("/files/{id}/data", h.FileData).Methods(http.MethodGet)
}
