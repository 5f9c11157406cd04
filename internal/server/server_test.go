package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

type stubTurns struct {
	events []any
	text   string
}

func (s *stubTurns) RunTurn(_ context.Context, _ *orchestrator.TurnRequest, events chan<- any) (string, error) {
	for _, e := range s.events {
		events <- e
	}
	return s.text, nil
}

type stubProviders struct{}

func (stubProviders) Specs() []models.ProviderSpec {
	return []models.ProviderSpec{{
		Key: "gmail", DisplayName: "Gmail",
		Transport: models.TransportSubprocess, Auth: models.AuthOAuthGoogle,
		Visibility: models.VisibilityUserVisible, Command: "secret-cmd",
	}}
}

type recordingCleaner struct {
	userID string
	roleID string
	calls  int
}

func (c *recordingCleaner) CleanupRole(_ context.Context, userID, roleID string) error {
	c.userID, c.roleID = userID, roleID
	c.calls++
	return nil
}

func testServer(t *testing.T, turns TurnRunner) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(turns, st, stubProviders{}, nil, nil), st
}

func TestChatStreamsSSE(t *testing.T) {
	turns := &stubTurns{
		events: []any{
			orchestrator.ContentEvent{Content: "Hello"},
			orchestrator.ContentEvent{Content: " world"},
		},
		text: "Hello world",
	}
	srv, _ := testServer(t, turns)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hello"}`) {
		t.Errorf("missing content frame:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("missing terminal frame:\n%s", body)
	}
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	srv, _ := testServer(t, &stubTurns{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRoleCRUDOverHTTP(t *testing.T) {
	srv, _ := testServer(t, &stubTurns{})

	req := httptest.NewRequest(http.MethodPost, "/api/roles",
		strings.NewReader(`{"name":"Researcher"}`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Researcher") {
		t.Errorf("list = %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteRoleTearsDownRoleState(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cleaner := &recordingCleaner{}
	srv := New(&stubTurns{}, st, stubProviders{}, cleaner, nil)

	role := &models.Role{UserID: "u1", Name: "Researcher"}
	if err := st.CreateRole(context.Background(), role); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/roles/"+role.ID, nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if cleaner.calls != 1 {
		t.Fatalf("cleanup called %d times, want 1", cleaner.calls)
	}
	if cleaner.userID != "u1" || cleaner.roleID != role.ID {
		t.Errorf("cleanup got (%s, %s), want (u1, %s)", cleaner.userID, cleaner.roleID, role.ID)
	}

	// A missing role must not reach the cleaner.
	req = httptest.NewRequest(http.MethodDelete, "/api/roles/absent", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if cleaner.calls != 1 {
		t.Errorf("cleanup called for a missing role")
	}
}

func TestJobCreateValidatesCadence(t *testing.T) {
	srv, _ := testServer(t, &stubTurns{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"description":"digest","cadence":"every blue moon"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/jobs",
		strings.NewReader(`{"description":"digest","cadence":"every day at 8am"}`))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"cron_spec":"0 8 * * *"`) {
		t.Errorf("job body = %s", rec.Body.String())
	}
}

func TestProvidersHideDeploymentDetail(t *testing.T) {
	srv, _ := testServer(t, &stubTurns{})

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "secret-cmd") {
		t.Errorf("provider listing leaks command: %s", body)
	}
	if !strings.Contains(body, "oauth_google") {
		t.Errorf("provider listing missing auth kind: %s", body)
	}
}
