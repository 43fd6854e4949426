package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"files-manager/internal/access"
	"files-manager/internal/auth"
	"files-manager/internal/blob"
	"files-manager/internal/observability/logging"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/storage"
	"files-manager/internal/thumbnail"
)

// DefaultMaxUploadBytes bounds request bodies when Config leaves it unset.
const DefaultMaxUploadBytes int64 = 32 << 20

// Pinger reports the liveness of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Tokens         *auth.TokenManager
	Repository     storage.Repository
	Blobs          blob.Store
	Queue          thumbnail.Queue
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	MaxUploadBytes int64
	// Extra components reported by /healthz, keyed by name.
	HealthChecks map[string]Pinger
}

type Handler struct {
	Tokens      *auth.TokenManager
	Repository  storage.Repository
	Credentials *storage.Credentials
	Files       *storage.Files
	Access      *access.Controller
	Blobs       blob.Store
	Queue       thumbnail.Queue

	metrics        *metrics.Recorder
	logger         *slog.Logger
	maxUploadBytes int64
	healthChecks   map[string]Pinger
	validate       *validator.Validate
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token manager is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("thumbnail queue is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	files := storage.NewFiles(cfg.Repository)
	return &Handler{
		Tokens:         cfg.Tokens,
		Repository:     cfg.Repository,
		Credentials:    storage.NewCredentials(cfg.Repository),
		Files:          files,
		Access:         access.NewController(files),
		Blobs:          cfg.Blobs,
		Queue:          cfg.Queue,
		metrics:        recorder,
		logger:         logger,
		maxUploadBytes: limit,
		healthChecks:   cfg.HealthChecks,
		validate:       newValidator(),
	}, nil
}

// MaxUploadBytes is the request body limit applied by the server.
func (h *Handler) MaxUploadBytes() int64 {
	return h.maxUploadBytes
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), h.logger)
}
