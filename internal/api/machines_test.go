package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentcloud/agentcloud/internal/auth"
)

func testServer() *Server {
	return NewServer(Options{
		Issuer: auth.NewTokenIssuer("test-secret"),
		APIKey: "test-key",
	})
}

func TestCreateMachine_RejectsInvalidProjectID(t *testing.T) {
	s := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/machines",
		strings.NewReader(`{"projectId": "not-a-uuid"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMachine_RequiresAPIKey(t *testing.T) {
	s := testServer()

	req := httptest.NewRequest(http.MethodPost, "/api/machines", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without API key, got %d", rec.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	s := testServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMachineTokenMiddleware(t *testing.T) {
	issuer := auth.NewTokenIssuer("test-secret")
	s := testServer()

	machineID := uuid.New()
	projectID := uuid.New()
	token, err := issuer.IssueMachineToken(projectID, machineID, time.Hour)
	if err != nil {
		t.Fatalf("IssueMachineToken() error: %v", err)
	}

	post := func(id, authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/machines/"+id+"/daemon-status",
			strings.NewReader(`{"status": "ready"}`))
		req.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		return rec
	}

	if rec := post(machineID.String(), ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := post(machineID.String(), "Bearer garbage"); rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid token: expected 401, got %d", rec.Code)
	}
	if rec := post(uuid.NewString(), "Bearer "+token); rec.Code != http.StatusForbidden {
		t.Errorf("token for another machine: expected 403, got %d", rec.Code)
	}

	wrongIssuer := auth.NewTokenIssuer("other-secret")
	forged, _ := wrongIssuer.IssueMachineToken(projectID, machineID, time.Hour)
	if rec := post(machineID.String(), "Bearer "+forged); rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token: expected 401, got %d", rec.Code)
	}
}
