package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tallenb/remedy/internal/models"
)

type fakePipeline struct {
	mu        sync.Mutex
	envelopes []models.WebhookEnvelope
	degraded  bool
}

func (f *fakePipeline) HandleEnvelope(_ context.Context, env models.WebhookEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
}

func (f *fakePipeline) Degraded() bool { return f.degraded }

type fakeAdminStore struct {
	windows    []models.MaintenanceWindow
	startErr   error
	endErr     error
	lastHost   string
	lastReason string
	endedID    int64
}

func (f *fakeAdminStore) StartMaintenance(_ context.Context, host, reason, _ string) (int64, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.lastHost, f.lastReason = host, reason
	return 7, nil
}

func (f *fakeAdminStore) EndMaintenance(_ context.Context, id int64) error {
	f.endedID = id
	return f.endErr
}

func (f *fakeAdminStore) ActiveMaintenanceWindows(context.Context) ([]models.MaintenanceWindow, error) {
	return f.windows, nil
}

func (f *fakeAdminStore) RecentAttempts(context.Context, int) ([]models.Attempt, error) {
	return []models.Attempt{{ID: "a1", Alertname: "DiskFull"}}, nil
}

func (f *fakeAdminStore) PatternsForAlert(context.Context, string, int) ([]models.Pattern, error) {
	return nil, nil
}

func (f *fakeAdminStore) HostStatuses(context.Context) ([]models.HostStatus, error) {
	return []models.HostStatus{{Host: "nexus", State: models.HostOnline}}, nil
}

func testServer(pipeline *fakePipeline, store *fakeAdminStore) *Server {
	return New(Config{ListenAddr: ":0", User: "alertmanager", Pass: "secret"}, pipeline, store)
}

func do(t *testing.T, s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.SetBasicAuth("alertmanager", "secret")
	}
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func firingEnvelope() string {
	return `{
		"status": "firing",
		"alerts": [{
			"status": "firing",
			"labels": {"alertname": "DiskFull", "instance": "nexus:9100"},
			"fingerprint": "fp1"
		}]
	}`
}

func TestWebhookRequiresAuth(t *testing.T) {
	pipeline := &fakePipeline{}
	s := testServer(pipeline, &fakeAdminStore{})

	rec := do(t, s, http.MethodPost, "/webhook", firingEnvelope(), false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry a WWW-Authenticate challenge")
	}
	if len(pipeline.envelopes) != 0 {
		t.Error("unauthenticated request must not reach the pipeline")
	}
}

func TestWebhookWrongPassword(t *testing.T) {
	s := testServer(&fakePipeline{}, &fakeAdminStore{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(firingEnvelope()))
	req.SetBasicAuth("alertmanager", "wrong")
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookAccepts(t *testing.T) {
	pipeline := &fakePipeline{}
	s := testServer(pipeline, &fakeAdminStore{})

	rec := do(t, s, http.MethodPost, "/webhook", firingEnvelope(), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["accepted"] != 1 {
		t.Errorf("accepted = %d, want 1", resp["accepted"])
	}
	if len(pipeline.envelopes) != 1 {
		t.Fatalf("envelopes = %d, want 1", len(pipeline.envelopes))
	}
	if pipeline.envelopes[0].Alerts[0].Alertname() != "DiskFull" {
		t.Errorf("alert = %+v", pipeline.envelopes[0].Alerts[0])
	}
}

func TestWebhookMalformedBody(t *testing.T) {
	pipeline := &fakePipeline{}
	s := testServer(pipeline, &fakeAdminStore{})

	rec := do(t, s, http.MethodPost, "/webhook", "{not json", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(pipeline.envelopes) != 0 {
		t.Error("malformed envelope must not reach the pipeline")
	}
}

func TestWebhookUnknownStatus(t *testing.T) {
	s := testServer(&fakePipeline{}, &fakeAdminStore{})

	rec := do(t, s, http.MethodPost, "/webhook", `{"status": "flapping", "alerts": []}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookEmptyAlertsIsNoOp(t *testing.T) {
	pipeline := &fakePipeline{}
	s := testServer(pipeline, &fakeAdminStore{})

	rec := do(t, s, http.MethodPost, "/webhook", `{"status": "firing", "alerts": []}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(pipeline.envelopes) != 0 {
		t.Error("empty alerts array should not invoke the pipeline")
	}
}

func TestHealthz(t *testing.T) {
	pipeline := &fakePipeline{}
	s := testServer(pipeline, &fakeAdminStore{})

	rec := do(t, s, http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s", rec.Body.String())
	}

	pipeline.degraded = true
	rec = do(t, s, http.MethodGet, "/healthz", "", false)
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	store := &fakeAdminStore{}
	s := testServer(&fakePipeline{}, store)

	rec := do(t, s, http.MethodPost, "/api/maintenance",
		`{"host": "nexus", "reason": "disk swap", "createdBy": "ops"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if store.lastHost != "nexus" || store.lastReason != "disk swap" {
		t.Errorf("stored %q/%q", store.lastHost, store.lastReason)
	}

	// Conflicting second window.
	store.startErr = errors.New("an active maintenance window already exists")
	rec = do(t, s, http.MethodPost, "/api/maintenance", `{"host": "nexus"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	rec = do(t, s, http.MethodDelete, "/api/maintenance/7", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.endedID != 7 {
		t.Errorf("ended id = %d, want 7", store.endedID)
	}

	rec = do(t, s, http.MethodDelete, "/api/maintenance/notanumber", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPatternsRequiresAlertname(t *testing.T) {
	s := testServer(&fakePipeline{}, &fakeAdminStore{})

	rec := do(t, s, http.MethodGet, "/api/patterns", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/patterns?alertname=DiskFull", "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAdminEndpointsReturnJSON(t *testing.T) {
	s := testServer(&fakePipeline{}, &fakeAdminStore{})

	for _, path := range []string{"/api/attempts", "/api/hosts", "/api/maintenance"} {
		rec := do(t, s, http.MethodGet, path, "", true)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s content type = %q", path, ct)
		}
	}
}
