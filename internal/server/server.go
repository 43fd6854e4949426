package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"files-manager/internal/api"
	"files-manager/internal/observability/logging"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/storage"

	"github.com/gorilla/mux"
)

type Config struct {
	Addr         string
	TLS          bool
	RateLimit    RateLimitConfig
	Security     SecurityConfig
	Logger       *slog.Logger
	AuditLogger  *slog.Logger
	Metrics      *metrics.Recorder
	MaxBodyBytes int64
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = handler.MaxUploadBytes()
	}

	router := mux.NewRouter()
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	handler.Register(router)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(router)
	handlerChain = authMiddleware(handler, logger, handlerChain)
	handlerChain = bodyLimitMiddleware(maxBody, handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/healthz", "/metrics"},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{httpServer: httpServer, logger: logger, rateLimiter: rl}, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodGet && r.URL.Path == "/connect" {
			keys := []string{clientLoginKey(extractClientIP(r))}
			if email, _, ok := r.BasicAuth(); ok {
				keys = append(keys, accountLoginKey(storage.NormalizeEmail(email)))
			}
			allowed, retryAfter, err := rl.AllowLogin(r.Context(), keys...)
			if err != nil {
				loggerWithRequestContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

type auditKey struct{}

// auditSubject is filled in by the authentication middleware, which runs
// further down the chain than the audit middleware reading it.
type auditSubject struct {
	userID string
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldAudit(r) {
			next.ServeHTTP(w, r)
			return
		}
		subject := &auditSubject{}
		r = r.WithContext(context.WithValue(r.Context(), auditKey{}, subject))
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if subject.userID != "" {
			fields = append(fields, "user_id", subject.userID)
		}
		logging.WithContext(r.Context(), logger).Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions
}

func isPublicRoute(r *http.Request) bool {
	switch r.URL.Path {
	case "/connect", "/status", "/stats", "/healthz", "/metrics":
		return true
	case "/users":
		return r.Method == http.MethodPost
	}
	return false
}

func isOptionalAuthRoute(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	path := r.URL.Path
	return strings.HasPrefix(path, "/files/") && strings.HasSuffix(path, "/data")
}

func authMiddleware(handler *api.Handler, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}
		optional := isOptionalAuthRoute(r)
		if optional && api.ExtractToken(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, token, err := handler.AuthenticateRequest(r)
		if err != nil {
			if !errors.Is(err, api.ErrUnauthorized) {
				loggerWithRequestContext(r.Context(), logger).Error("authentication backend failure", "error", err)
				writeMiddlewareError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			if optional {
				next.ServeHTTP(w, r)
				return
			}
			writeMiddlewareError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if subject, ok := r.Context().Value(auditKey{}).(*auditSubject); ok {
			subject.userID = user.ID
		}
		ctx := api.ContextWithUser(r.Context(), user, token)
		ctx = logging.ContextWithUserID(ctx, user.ID)
		if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
			ctx = logging.ContextWithLogger(ctx, ctxLogger.With("user_id", user.ID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
