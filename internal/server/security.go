package server

import (
	"net/http"

	"files-manager/internal/api"
)

const (
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
	defaultResourcePolicy     = "same-origin"
	// User content is served from this origin, so nothing it contains may run.
	defaultContentSecurityPolicy = "default-src 'none'; img-src 'self' data:; frame-ancestors 'none'; sandbox"

	privateCacheControl = "private, no-store"
)

// SecurityConfig controls the hardening headers set on every response.
// Zero-valued fields fall back to the defaults.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	ResourcePolicy        string
}

type headerValue struct {
	name  string
	value string
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (cfg SecurityConfig) headers() []headerValue {
	return []headerValue{
		{"Content-Security-Policy", orDefault(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)},
		{"X-Frame-Options", orDefault(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", orDefault(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, defaultReferrerPolicy)},
		{"Permissions-Policy", orDefault(cfg.PermissionsPolicy, defaultPermissionsPolicy)},
		{"Cross-Origin-Resource-Policy", orDefault(cfg.ResourcePolicy, defaultResourcePolicy)},
	}
}

// securityHeadersMiddleware sets the hardening headers and marks responses to
// token-bearing requests as uncacheable by shared caches.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.headers()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for _, h := range headers {
			header.Set(h.name, h.value)
		}
		if r.Header.Get(api.TokenHeader) != "" {
			header.Set("Cache-Control", privateCacheControl)
		}
		next.ServeHTTP(w, r)
	})
}
