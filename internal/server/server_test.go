package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"files-manager/internal/api"
	"files-manager/internal/auth"
	"files-manager/internal/blob"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/storage"
	"files-manager/internal/thumbnail"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Tokens:     auth.NewTokenManager(time.Hour, auth.WithBackend(auth.NewMemoryTokenStore())),
		Repository: storage.NewMemoryRepository(),
		Blobs:      blobs,
		Queue:      thumbnail.NewMemoryQueue(8),
		Metrics:    metrics.New(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	return handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *api.Handler) {
	t.Helper()
	handler := newTestHandler(t)
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv, handler
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func registerAndConnect(t *testing.T, srv *Server, email string) string {
	t.Helper()
	body := strings.NewReader(`{"email":"` + email + `","password":"secret"}`)
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/users", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from POST /users, got %d: %s", rec.Code, rec.Body.String())
	}
	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req.SetBasicAuth(email, "secret")
	rec = serve(srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from GET /connect, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	if payload["token"] == "" {
		t.Fatal("expected token in connect response")
	}
	return payload["token"]
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error response %q: %v", rec.Body.String(), err)
	}
	return payload["error"]
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestAuthMiddlewareAcceptsToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	token := registerAndConnect(t, srv, "bob@example.com")

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set(api.TokenHeader, token)
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var me map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if me["email"] != "bob@example.com" {
		t.Fatalf("expected bob@example.com, got %q", me["email"])
	}
}

func TestAuthMiddlewareRejectsMissingAndUnknownTokens(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, tc := range []struct {
		name  string
		token string
	}{
		{name: "missing"},
		{name: "unknown", token: "not-a-token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/files", nil)
			if tc.token != "" {
				req.Header.Set(api.TokenHeader, tc.token)
			}
			rec := serve(srv, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rec.Code)
			}
			if got := errorBody(t, rec); got != "Unauthorized" {
				t.Fatalf("expected Unauthorized, got %q", got)
			}
		})
	}
}

func TestAuthMiddlewareRejectsRevokedToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	token := registerAndConnect(t, srv, "carol@example.com")

	req := httptest.NewRequest(http.MethodGet, "/disconnect", nil)
	req.Header.Set(api.TokenHeader, token)
	if rec := serve(srv, req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from disconnect, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set(api.TokenHeader, token)
	if rec := serve(srv, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after disconnect, got %d", rec.Code)
	}
}

func TestPublicRoutesSkipAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{"/status", "/stats", "/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200 for %s, got %d: %s", path, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOptionalAuthRouteFallsThroughWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, token := range []string{"", "stale-token"} {
		req := httptest.NewRequest(http.MethodGet, "/files/unknown/data", nil)
		if token != "" {
			req.Header.Set(api.TokenHeader, token)
		}
		rec := serve(srv, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("token %q: expected 404, got %d", token, rec.Code)
		}
		if got := errorBody(t, rec); got != "Not found" {
			t.Fatalf("token %q: expected Not found, got %q", token, got)
		}
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/status/extra", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if errorBody(t, rec) == "" {
		t.Fatal("expected error message in response")
	}
}

func TestLoginRateLimitReturnsRetryAfter(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute}})

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/connect", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		req.SetBasicAuth("nobody@example.com", "wrong")
		rec = serve(srv, req)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third attempt, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	other := httptest.NewRequest(http.MethodGet, "/connect", nil)
	other.RemoteAddr = "198.51.100.7:4242"
	other.SetBasicAuth("somebody@example.com", "wrong")
	if rec := serve(srv, other); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected other client to reach the handler, got %d", rec.Code)
	}
}

func TestLoginRateLimitFollowsAccountAcrossClients(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute}})

	addrs := []string{"203.0.113.1:1000", "203.0.113.2:1000", "203.0.113.3:1000"}
	var rec *httptest.ResponseRecorder
	for _, addr := range addrs {
		req := httptest.NewRequest(http.MethodGet, "/connect", nil)
		req.RemoteAddr = addr
		req.SetBasicAuth(" Target@Example.com", "guess")
		rec = serve(srv, req)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected account to be throttled across addresses, got %d", rec.Code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/status", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/status", nil)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestBodyLimitRejectsOversizedPayload(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxBodyBytes: 32})

	body := `{"email":"` + strings.Repeat("a", 64) + `@example.com","password":"secret"}`
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(body)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuditLogIncludesAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	audit := slog.New(slog.NewJSONHandler(&buf, nil))
	srv, handler := newTestServer(t, Config{AuditLogger: audit})
	token := registerAndConnect(t, srv, "dave@example.com")
	user, _, err := handler.Tokens.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	buf.Reset()

	req := httptest.NewRequest(http.MethodPost, "/files", strings.NewReader(`{"name":"docs","type":"folder"}`))
	req.Header.Set(api.TokenHeader, token)
	if rec := serve(srv, req); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry %q: %v", buf.String(), err)
	}
	if entry["msg"] != "audit" {
		t.Fatalf("expected audit message, got %v", entry["msg"])
	}
	if entry["user_id"] != user {
		t.Fatalf("expected user_id %q, got %v", user, entry["user_id"])
	}
	if entry["path"] != "/files" {
		t.Fatalf("expected path /files, got %v", entry["path"])
	}
	if entry["request_id"] == nil {
		t.Fatal("expected request_id on audit entry")
	}
}

func TestAuditSkipsReads(t *testing.T) {
	var buf bytes.Buffer
	srv, _ := newTestServer(t, Config{AuditLogger: slog.New(slog.NewJSONHandler(&buf, nil))})

	serve(srv, httptest.NewRequest(http.MethodGet, "/status", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected no audit output for GET, got %q", buf.String())
	}
}

func TestMetricsRecordRequests(t *testing.T) {
	recorder := metrics.New()
	srv, _ := newTestServer(t, Config{Metrics: recorder})

	serve(srv, httptest.NewRequest(http.MethodGet, "/status", nil))
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `path="/status"`) {
		t.Fatalf("expected /status to be recorded, got:\n%s", rec.Body.String())
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{name: "remote addr", remote: "192.0.2.1:1234", expected: "192.0.2.1"},
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remote: "10.0.0.1:1", expected: "203.0.113.5"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 198.51.100.2 "}, remote: "10.0.0.1:1", expected: "198.51.100.2"},
		{name: "no port", remote: "192.0.2.9", expected: "192.0.2.9"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := extractClientIP(req); got != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}
