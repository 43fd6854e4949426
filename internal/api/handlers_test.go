package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"files-manager/internal/auth"
	"files-manager/internal/blob"
	"files-manager/internal/models"
	"files-manager/internal/observability/metrics"
	"files-manager/internal/storage"
	"files-manager/internal/thumbnail"
)

type testAPI struct {
	handler *Handler
	server  http.Handler
	queue   *thumbnail.MemoryQueue
	blobs   *blob.LocalStore
	metrics *metrics.Recorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	queue := thumbnail.NewMemoryQueue(16)
	recorder := metrics.New()
	handler, err := NewHandler(Config{
		Tokens:     auth.NewTokenManager(auth.DefaultTokenTTL, auth.WithBackend(auth.NewMemoryTokenStore())),
		Repository: storage.NewMemoryRepository(),
		Blobs:      blobs,
		Queue:      queue,
		Metrics:    recorder,
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	handler.Register(router)
	authenticated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, token, err := handler.AuthenticateRequest(r); err == nil {
			r = r.WithContext(ContextWithUser(r.Context(), user, token))
		}
		router.ServeHTTP(w, r)
	})
	return &testAPI{handler: handler, server: authenticated, queue: queue, blobs: blobs, metrics: recorder}
}

type call struct {
	method string
	path   string
	token  string
	body   interface{}
	basic  [2]string
}

func (a *testAPI) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		payload, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}
	if c.basic[0] != "" {
		req.SetBasicAuth(c.basic[0], c.basic[1])
	}
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}

// login registers email and returns a fresh session token.
func (a *testAPI) login(t *testing.T, email string) string {
	t.Helper()
	rec := a.do(t, call{method: http.MethodPost, path: "/users", body: map[string]string{"email": email, "password": "pw"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = a.do(t, call{method: http.MethodGet, path: "/connect", basic: [2]string{email, "pw"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[map[string]string](t, rec)["token"]
}

func (a *testAPI) create(t *testing.T, token string, body map[string]interface{}) models.FileNode {
	t.Helper()
	rec := a.do(t, call{method: http.MethodPost, path: "/files", token: token, body: body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[models.FileNode](t, rec)
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestUserSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, call{method: http.MethodPost, path: "/users", body: map[string]string{"email": "a@x.com", "password": "pw"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "a@x.com", created["email"])
	assert.NotEmpty(t, created["id"])

	rec = api.do(t, call{method: http.MethodPost, path: "/users", body: map[string]string{"email": "a@x.com", "password": "pw"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Already exist", errorMessage(t, rec))

	rec = api.do(t, call{method: http.MethodGet, path: "/connect", basic: [2]string{"a@x.com", "wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, call{method: http.MethodGet, path: "/connect", basic: [2]string{"a@x.com", "pw"}})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody[map[string]string](t, rec)["token"]
	require.NotEmpty(t, token)

	rec = api.do(t, call{method: http.MethodGet, path: "/users/me", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"id": created["id"], "email": "a@x.com"}, decodeBody[map[string]string](t, rec))

	rec = api.do(t, call{method: http.MethodGet, path: "/disconnect", token: token})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, call{method: http.MethodGet, path: "/users/me", token: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(t, call{method: http.MethodGet, path: "/disconnect", token: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	events := api.metrics.AuthEventCounts()
	assert.Equal(t, uint64(1), events["login_success"])
	assert.Equal(t, uint64(1), events["login_failure"])
	assert.Equal(t, uint64(1), events["logout"])
}

func TestCreateUserValidation(t *testing.T) {
	api := newTestAPI(t)
	cases := []struct {
		name string
		body map[string]string
		want string
	}{
		{"missing email", map[string]string{"password": "pw"}, "Missing email"},
		{"blank email", map[string]string{"email": "   ", "password": "pw"}, "Missing email"},
		{"missing password", map[string]string{"email": "b@x.com"}, "Missing password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, call{method: http.MethodPost, path: "/users", body: tc.body})
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, errorMessage(t, rec))
		})
	}
}

func TestConnectRequiresBasicAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, call{method: http.MethodGet, path: "/connect"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", errorMessage(t, rec))
}

func TestCreateFolderAndFileThenReadContent(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")

	folder := api.create(t, token, map[string]interface{}{"name": "docs", "type": "folder"})
	assert.Equal(t, models.KindFolder, folder.Kind)
	assert.True(t, folder.ParentID.IsRoot())
	assert.Empty(t, folder.LocalPath)

	file := api.create(t, token, map[string]interface{}{"name": "a.txt", "type": "file", "parentId": folder.ID, "data": "aGVsbG8="})
	assert.Equal(t, folder.ID, file.ParentID.String())
	assert.NotEmpty(t, file.LocalPath)
	assert.False(t, file.IsPublic)

	rec := api.do(t, call{method: http.MethodGet, path: "/files/" + file.ID + "/data", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = api.do(t, call{method: http.MethodGet, path: "/files/" + folder.ID + "/data", token: token})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "A folder doesn't have content", errorMessage(t, rec))

	assert.Zero(t, api.queue.Pending(), "plain files are not queued for thumbnails")
}

func TestCreateFileValidation(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")
	plain := api.create(t, token, map[string]interface{}{"name": "plain.txt", "type": "file", "data": encode("x")})

	entriesBefore, err := os.ReadDir(api.blobs.Root())
	require.NoError(t, err)

	cases := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{"missing name", map[string]interface{}{"type": "folder"}, "Missing name"},
		{"blank name", map[string]interface{}{"name": "  ", "type": "folder"}, "Missing name"},
		{"missing type", map[string]interface{}{"name": "x"}, "Missing type"},
		{"unknown type", map[string]interface{}{"name": "x", "type": "video"}, "Missing type"},
		{"missing data", map[string]interface{}{"name": "x", "type": "file"}, "Missing data"},
		{"invalid data", map[string]interface{}{"name": "x", "type": "file", "data": "%%%"}, "Invalid data"},
		{"unknown parent", map[string]interface{}{"name": "x", "type": "file", "data": encode("x"), "parentId": "nope"}, "Parent not found"},
		{"file parent", map[string]interface{}{"name": "x", "type": "file", "data": encode("x"), "parentId": plain.ID}, "Parent is not a folder"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, call{method: http.MethodPost, path: "/files", token: token, body: tc.body})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tc.want, errorMessage(t, rec))
		})
	}

	entriesAfter, err := os.ReadDir(api.blobs.Root())
	require.NoError(t, err)
	assert.Len(t, entriesAfter, len(entriesBefore), "rejected uploads must not write blobs")

	rec := api.do(t, call{method: http.MethodPost, path: "/files", body: map[string]interface{}{"name": "x", "type": "folder"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateFileRejectsForeignParent(t *testing.T) {
	api := newTestAPI(t)
	owner := api.login(t, "a@x.com")
	intruder := api.login(t, "b@x.com")
	folder := api.create(t, owner, map[string]interface{}{"name": "private", "type": "folder"})

	rec := api.do(t, call{method: http.MethodPost, path: "/files", token: intruder, body: map[string]interface{}{"name": "x", "type": "folder", "parentId": folder.ID}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Parent not found", errorMessage(t, rec))
}

func TestCreateImageEnqueuesThumbnailJob(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")

	image := api.create(t, token, map[string]interface{}{"name": "pic.png", "type": "image", "data": encode("not really a png"), "isPublic": true})
	assert.True(t, image.IsPublic)
	assert.Equal(t, 1, api.queue.Pending())

	deliveries, err := api.queue.Subscribe(context.Background())
	require.NoError(t, err)
	d := <-deliveries
	assert.Equal(t, image.ID, d.Job.FileID)
	assert.Equal(t, image.OwnerID, d.Job.UserID)
}

func TestListFilesPagesAndFiltersByParent(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")
	folder := api.create(t, token, map[string]interface{}{"name": "nested", "type": "folder"})
	for i := 0; i < 24; i++ {
		api.create(t, token, map[string]interface{}{"name": fmt.Sprintf("f%02d", i), "type": "folder"})
	}
	api.create(t, token, map[string]interface{}{"name": "inside", "type": "folder", "parentId": folder.ID})

	list := func(query string) []models.FileNode {
		rec := api.do(t, call{method: http.MethodGet, path: "/files" + query, token: token})
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeBody[[]models.FileNode](t, rec)
	}

	first := list("")
	second := list("?page=1")
	assert.Len(t, first, 20)
	assert.Len(t, second, 5)
	seen := make(map[string]bool)
	for _, node := range append(first, second...) {
		assert.False(t, seen[node.ID], "pages must not overlap")
		seen[node.ID] = true
		assert.True(t, node.ParentID.IsRoot())
	}
	assert.Empty(t, list("?page=2"))
	assert.Len(t, list("?page=bogus"), 20)

	inside := list("?parentId=" + folder.ID)
	require.Len(t, inside, 1)
	assert.Equal(t, "inside", inside[0].Name)
}

func TestGetFileIsScopedToOwner(t *testing.T) {
	api := newTestAPI(t)
	owner := api.login(t, "a@x.com")
	other := api.login(t, "b@x.com")
	node := api.create(t, owner, map[string]interface{}{"name": "docs", "type": "folder", "isPublic": true})

	rec := api.do(t, call{method: http.MethodGet, path: "/files/" + node.ID, token: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, node.ID, decodeBody[models.FileNode](t, rec).ID)

	rec = api.do(t, call{method: http.MethodGet, path: "/files/" + node.ID, token: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, call{method: http.MethodGet, path: "/files/unknown", token: owner})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", errorMessage(t, rec))
}

func TestVisibilityControlsContentAccess(t *testing.T) {
	api := newTestAPI(t)
	owner := api.login(t, "a@x.com")
	other := api.login(t, "b@x.com")
	file := api.create(t, owner, map[string]interface{}{"name": "secret.txt", "type": "file", "data": encode("s3cr3t")})
	dataPath := "/files/" + file.ID + "/data"

	assert.Equal(t, http.StatusOK, api.do(t, call{method: http.MethodGet, path: dataPath, token: owner}).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, call{method: http.MethodGet, path: dataPath, token: other}).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, call{method: http.MethodGet, path: dataPath}).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, call{method: http.MethodGet, path: dataPath, token: "bogus"}).Code)

	rec := api.do(t, call{method: http.MethodPut, path: "/files/" + file.ID + "/publish", token: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, call{method: http.MethodPut, path: "/files/" + file.ID + "/publish", token: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[models.FileNode](t, rec).IsPublic)
	rec = api.do(t, call{method: http.MethodPut, path: "/files/" + file.ID + "/publish", token: owner})
	require.Equal(t, http.StatusOK, rec.Code, "publishing twice still succeeds")

	rec = api.do(t, call{method: http.MethodGet, path: dataPath})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s3cr3t", rec.Body.String())

	rec = api.do(t, call{method: http.MethodPut, path: "/files/" + file.ID + "/unpublish", token: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[models.FileNode](t, rec).IsPublic)
	assert.Equal(t, http.StatusNotFound, api.do(t, call{method: http.MethodGet, path: dataPath}).Code)
}

func TestFileDataServesVariants(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")
	image := api.create(t, token, map[string]interface{}{"name": "pic.png", "type": "image", "data": encode("original")})
	dataPath := "/files/" + image.ID + "/data"

	rec := api.do(t, call{method: http.MethodGet, path: dataPath + "?size=250", token: token})
	assert.Equal(t, http.StatusNotFound, rec.Code, "variant not generated yet")

	require.NoError(t, api.blobs.Overwrite(context.Background(), blob.VariantPath(image.LocalPath, 250), []byte("small")))
	rec = api.do(t, call{method: http.MethodGet, path: dataPath + "?size=250", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "small", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = api.do(t, call{method: http.MethodGet, path: dataPath + "?size=42", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "original", rec.Body.String())
}

func TestStatusStatsAndHealth(t *testing.T) {
	api := newTestAPI(t)
	token := api.login(t, "a@x.com")
	api.create(t, token, map[string]interface{}{"name": "docs", "type": "folder"})

	rec := api.do(t, call{method: http.MethodGet, path: "/status"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"redis": true, "db": true}, decodeBody[map[string]bool](t, rec))

	rec = api.do(t, call{method: http.MethodGet, path: "/stats"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int64{"users": 1, "files": 1}, decodeBody[map[string]int64](t, rec))

	rec = api.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[healthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.Components, 3)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("queue unreachable") }

func TestHealthReportsDegradedComponents(t *testing.T) {
	api := newTestAPI(t)
	api.handler.healthChecks = map[string]Pinger{"queue": failingPinger{}}

	rec := api.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health := decodeBody[healthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	require.Len(t, health.Components, 4)
	assert.Equal(t, "queue", health.Components[3].Component)
	assert.Equal(t, "queue unreachable", health.Components[3].Error)
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}
