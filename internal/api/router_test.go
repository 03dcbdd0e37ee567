package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/config"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/services"
)

type fakeAuth struct{}

func (fakeAuth) Issue(ctx context.Context, id models.Identity) (auth.Credential, error) {
	if id.RecipientID == "intruder" {
		return auth.Credential{}, &auth.Error{Status: http.StatusForbidden, Code: "forbidden", Message: "not a member"}
	}
	return auth.Credential{AccessToken: "access-" + id.RecipientID}, nil
}

func (fakeAuth) Refresh(ctx context.Context, refreshToken string) (auth.Credential, error) {
	return auth.Credential{}, errors.New("not used")
}

func (fakeAuth) Confirm(ctx context.Context, accessToken string) (models.Identity, error) {
	if accessToken == "access-op-1" {
		return models.Identity{TenantID: "plant-1", RecipientID: "op-1"}, nil
	}
	return models.Identity{}, errors.New("invalid token")
}

type fakeSource struct {
	mu      sync.Mutex
	batches []feed.BatchFunc
}

func (f *fakeSource) Subscribe(q feed.Query, onBatch feed.BatchFunc, onError feed.ErrorFunc) feed.CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, onBatch)
	return func() {}
}

func (f *fakeSource) Mutate(ctx context.Context, id string, patch feed.Patch) error { return nil }

func (f *fakeSource) push(batch []models.Notification) {
	f.mu.Lock()
	fn := f.batches[len(f.batches)-1]
	f.mu.Unlock()
	fn(batch)
}

type fakeIngester struct {
	got []models.Notification
}

func (f *fakeIngester) Ingest(ctx context.Context, n models.Notification) error {
	f.got = append(f.got, n)
	return nil
}

type testServer struct {
	router   *gin.Engine
	source   *fakeSource
	ingester *fakeIngester
	svc      *services.Service
}

func newTestServer(t *testing.T, verifier Verifier) *testServer {
	gin.SetMode(gin.TestMode)
	src := &fakeSource{}
	svc := services.New(services.Options{Source: src, Auth: fakeAuth{}, BaseDelay: time.Millisecond, Logger: logging.Discard()})
	t.Cleanup(svc.Close)
	ing := &fakeIngester{}

	var cfg config.Config
	cfg.API.BasePath = "/api/v0"
	cfg.API.Key = "secret"
	h := NewHandler(svc, ing, verifier, logging.Discard())
	return &testServer{router: NewRouter(logging.Discard(), cfg, h), source: src, ingester: ing, svc: svc}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

var operator = map[string]string{"X-API-Key": "secret"}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	w := s.do(http.MethodPost, "/api/v0/sessions", gin.H{"tenant_id": "plant-1", "recipient_id": "op-1"}, operator)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.SessionID == "" {
		t.Fatalf("bad create response %s: %v", w.Body.String(), err)
	}
	return resp.SessionID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
}

func TestOperatorRoutesRequireAPIKey(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/v0/sessions", gin.H{"tenant_id": "plant-1", "recipient_id": "op-1"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	w = s.do(http.MethodPost, "/api/v0/sessions", gin.H{"tenant_id": "plant-1", "recipient_id": "intruder"}, operator)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", w.Code)
	}
	w = s.do(http.MethodPost, "/api/v0/sessions", gin.H{"tenant_id": "plant-1"}, operator)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing recipient, got %d", w.Code)
	}
}

func TestNotificationFlow(t *testing.T) {
	s := newTestServer(t, nil)
	sid := s.createSession(t)
	base := "/api/v0/sessions/" + sid

	now := time.Now()
	s.source.push([]models.Notification{
		{ID: "n1", TenantID: "plant-1", RecipientID: "op-1", CreatedAt: now, Kind: models.KindFault},
		{ID: "n2", TenantID: "plant-1", RecipientID: "op-1", CreatedAt: now.Add(-time.Minute), Kind: models.KindComment},
	})

	w := s.do(http.MethodGet, base+"/state", nil, nil)
	var state struct {
		State string `json:"state"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &state)
	if w.Code != http.StatusOK || state.State != "live" {
		t.Fatalf("expected live state, got %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPost, base+"/notifications/n1/read", nil, nil)
	var snap struct {
		Records     []models.Notification `json:"records"`
		UnreadCount int                   `json:"unread_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil || w.Code != http.StatusOK {
		t.Fatalf("mark read returned %d: %s", w.Code, w.Body.String())
	}
	if snap.UnreadCount != 1 || len(snap.Records) != 2 || snap.Records[0].ID != "n1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if w := s.do(http.MethodPost, base+"/notifications/missing/read", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown notification, got %d", w.Code)
	}

	w = s.do(http.MethodPost, base+"/notifications/read-all", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read-all returned %d", w.Code)
	}
	var all struct {
		Marked      []string `json:"marked"`
		UnreadCount int      `json:"unread_count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &all)
	if len(all.Marked) != 1 || all.Marked[0] != "n2" || all.UnreadCount != 0 {
		t.Fatalf("unexpected read-all response %s", w.Body.String())
	}

	w = s.do(http.MethodPost, base+"/alerts/permission", gin.H{"granted": true}, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("granted")) {
		t.Fatalf("permission returned %d: %s", w.Code, w.Body.String())
	}

	if w := s.do(http.MethodDelete, base+"/identity", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("sign out returned %d", w.Code)
	}
	if w := s.do(http.MethodPost, base+"/notifications/read-all", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 after sign out, got %d", w.Code)
	}

	if w := s.do(http.MethodDelete, base, nil, operator); w.Code != http.StatusNoContent {
		t.Fatalf("close returned %d", w.Code)
	}
	if w := s.do(http.MethodGet, base+"/notifications", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for closed session, got %d", w.Code)
	}
}

func TestSessionRoutesCheckBearerToken(t *testing.T) {
	s := newTestServer(t, fakeAuth{})
	sid := s.createSession(t)
	path := "/api/v0/sessions/" + sid + "/notifications"

	if w := s.do(http.MethodGet, path, nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w := s.do(http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer access-op-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestIngestNotification(t *testing.T) {
	s := newTestServer(t, nil)
	body := gin.H{"request_id": "r-1", "tenant_id": "plant-1", "recipient_id": "op-1", "kind": "fault", "title": "Tracker stalled"}
	w := s.do(http.MethodPost, "/api/v0/notifications", body, operator)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest returned %d: %s", w.Code, w.Body.String())
	}
	if len(s.ingester.got) != 1 || s.ingester.got[0].Payload.Title != "Tracker stalled" {
		t.Fatalf("unexpected ingested %+v", s.ingester.got)
	}

	w = s.do(http.MethodPost, "/api/v0/notifications", gin.H{"tenant_id": "plant-1", "recipient_id": "op-1", "kind": "bogus"}, operator)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", w.Code)
	}
}
