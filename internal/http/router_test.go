package httpx

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/repository"
	"github.com/marqly/studio/internal/service/deploy"
	"github.com/marqly/studio/internal/service/files"
	"github.com/marqly/studio/internal/ws"
	"github.com/marqly/studio/pkg/config"
)

const testSecret = "test-secret"

type stubFileRepo struct {
	records map[string]domain.FileRecord
}

func (s *stubFileRepo) ListFiles(_ context.Context, projectID string) ([]domain.FileRecord, error) {
	var out []domain.FileRecord
	for _, rec := range s.records {
		if rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubFileRepo) GetFile(_ context.Context, projectID, path string) (*domain.FileRecord, error) {
	rec, ok := s.records[projectID+"/"+path]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (s *stubFileRepo) CreateFile(_ context.Context, record *domain.FileRecord) error {
	key := record.ProjectID + "/" + record.Path
	if _, exists := s.records[key]; exists {
		return repository.ErrConflict
	}
	s.records[key] = *record
	return nil
}

func (s *stubFileRepo) UpdateFileContent(_ context.Context, projectID, path, content string) error {
	key := projectID + "/" + path
	rec, ok := s.records[key]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Content = content
	s.records[key] = rec
	return nil
}

func (s *stubFileRepo) RenamePath(_ context.Context, projectID, oldPath, newPath string) error {
	oldKey := projectID + "/" + oldPath
	rec, ok := s.records[oldKey]
	if !ok {
		return repository.ErrNotFound
	}
	if _, exists := s.records[projectID+"/"+newPath]; exists {
		return repository.ErrConflict
	}
	delete(s.records, oldKey)
	rec.Path = newPath
	s.records[projectID+"/"+newPath] = rec
	return nil
}

func (s *stubFileRepo) DeletePath(_ context.Context, projectID, path string) (int, error) {
	key := projectID + "/" + path
	if _, ok := s.records[key]; !ok {
		return 0, repository.ErrNotFound
	}
	delete(s.records, key)
	return 1, nil
}

type stubDeploymentRepo struct {
	deployments map[string]domain.Deployment
}

func (s *stubDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.deployments[d.ID] = *d
	return nil
}

func (s *stubDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	d, ok := s.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = update.Status
	d.BuildLogs += update.LogChunk
	if update.LiveURL != "" {
		d.LiveURL = update.LiveURL
	}
	s.deployments[update.DeploymentID] = d
	return nil
}

func (s *stubDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *stubDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubDeploymentRepo) SnapshotFiles(_ context.Context, _, _ string) error { return nil }

func (s *stubDeploymentRepo) RestoreSnapshot(_ context.Context, _, _ string) error { return nil }

type stubSuggester struct {
	suggestions []string
	err         error
}

func (s stubSuggester) GetSuggestions(_ context.Context, _ string) ([]string, error) {
	return s.suggestions, s.err
}

func newTestRouter(t *testing.T, fileRepo *stubFileRepo, depRepo *stubDeploymentRepo) *Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.StudioConfig{BuilderURL: "http://unused", DeployHistoryLimit: 50}
	filesSvc := files.New(fileRepo, log)
	deploySvc := deploy.New(depRepo, nil, log, cfg)
	router := NewRouter(log, filesSvc, deploySvc, stubSuggester{suggestions: []string{"candidate"}}, nil, NewMemoryRateLimiter(), testSecret, "builder-token", nil)
	t.Cleanup(router.Close)
	return router
}

func signTestToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router *Router, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestFilesRequireAuth(t *testing.T) {
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, &stubDeploymentRepo{deployments: map[string]domain.Deployment{}})
	rec := doRequest(t, router, http.MethodGet, "/files?project_id=p1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateThenListFiles(t *testing.T) {
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, &stubDeploymentRepo{deployments: map[string]domain.Deployment{}})
	token := signTestToken(t)

	rec := doRequest(t, router, http.MethodPost, "/files", token, map[string]any{
		"project_id": "p1", "path": "a/b.txt", "content": "x",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/files?project_id=p1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var listed []fileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Path != "a/b.txt" || listed[0].Content != "x" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestRenameConflictReturns409(t *testing.T) {
	fileRepo := &stubFileRepo{records: map[string]domain.FileRecord{
		"p1/old.js": {ProjectID: "p1", Path: "old.js", Content: "old"},
		"p1/new.js": {ProjectID: "p1", Path: "new.js", Content: "new"},
	}}
	router := newTestRouter(t, fileRepo, &stubDeploymentRepo{deployments: map[string]domain.Deployment{}})
	token := signTestToken(t)

	rec := doRequest(t, router, http.MethodPost, "/files/rename", token, map[string]string{
		"project_id": "p1", "old_path": "old.js", "new_path": "new.js",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if _, ok := fileRepo.records["p1/old.js"]; !ok {
		t.Fatalf("old.js vanished after failed rename")
	}
}

func TestRollbackOfFailedDeploymentReturns422(t *testing.T) {
	depRepo := &stubDeploymentRepo{deployments: map[string]domain.Deployment{
		"dep-1": {ID: "dep-1", ProjectID: "p1", Status: deploy.StatusFailed},
	}}
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, depRepo)
	token := signTestToken(t)

	rec := doRequest(t, router, http.MethodPost, "/deployments/dep-1/rollback", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuilderCallbackUpdatesStatus(t *testing.T) {
	depRepo := &stubDeploymentRepo{deployments: map[string]domain.Deployment{
		"dep-1": {ID: "dep-1", ProjectID: "p1", Status: deploy.StatusPending},
	}}
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, depRepo)

	rec := doRequest(t, router, http.MethodPost, "/builder/callback", "builder-token", map[string]any{
		"deployment_id": "dep-1", "status": deploy.StatusBuilding, "log_chunk": "cloning\n",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if depRepo.deployments["dep-1"].Status != deploy.StatusBuilding {
		t.Fatalf("status not updated: %+v", depRepo.deployments["dep-1"])
	}
}

func TestBuilderCallbackRejectsBadToken(t *testing.T) {
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, &stubDeploymentRepo{deployments: map[string]domain.Deployment{}})
	rec := doRequest(t, router, http.MethodPost, "/builder/callback", "wrong-token", map[string]any{
		"deployment_id": "dep-1", "status": deploy.StatusBuilding,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDeploymentStreamOverWebsocket(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.StudioConfig{BuilderURL: "http://unused", DeployHistoryLimit: 50}
	hub := ws.NewHub()
	filesSvc := files.New(&stubFileRepo{records: map[string]domain.FileRecord{}}, log)
	deploySvc := deploy.New(&stubDeploymentRepo{deployments: map[string]domain.Deployment{}}, hub, log, cfg)
	router := NewRouter(log, filesSvc, deploySvc, stubSuggester{}, hub, NewMemoryRateLimiter(), testSecret, "builder-token", nil)
	t.Cleanup(router.Close)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments?project_id=p1"
	header := http.Header{"Authorization": []string{"Bearer " + signTestToken(t)}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	// registration happens after the upgrade; keep broadcasting until the
	// subscriber is wired up
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				hub.Broadcast("p1", []byte(`{"deployment_id":"dep-1","status":"building"}`))
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream event: %v", err)
	}
	var event struct {
		DeploymentID string `json:"deployment_id"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.DeploymentID != "dep-1" || event.Status != "building" {
		t.Fatalf("unexpected event: %s", msg)
	}
}

func TestSuggestionsEndpoint(t *testing.T) {
	router := newTestRouter(t, &stubFileRepo{records: map[string]domain.FileRecord{}}, &stubDeploymentRepo{deployments: map[string]domain.Deployment{}})
	token := signTestToken(t)

	rec := doRequest(t, router, http.MethodPost, "/suggestions", token, map[string]string{"content": "let x = 1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Suggestions) != 1 || payload.Suggestions[0] != "candidate" {
		t.Fatalf("unexpected suggestions: %v", payload.Suggestions)
	}
}
