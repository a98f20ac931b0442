package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Kind("vsphere"), Config{})
	if err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestNew_DaytonaRequiresKey(t *testing.T) {
	_, err := New(KindDaytona, Config{DaytonaAPIURL: "https://example.com/api"})
	if err == nil {
		t.Fatal("expected error when daytona API key is missing")
	}
}

func TestDaytonaCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandbox" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body struct {
			Name string            `json:"name"`
			Env  map[string]string `json:"env"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Env["FOO"] != "bar" {
			t.Errorf("env not forwarded, got %v", body.Env)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "sb-123", "state": "started"}`))
	}))
	defer srv.Close()

	p, err := NewDaytonaProvider(srv.URL, "test-key")
	if err != nil {
		t.Fatalf("NewDaytonaProvider() error: %v", err)
	}

	result, err := p.Create(context.Background(), CreateOpts{
		MachineID: "m-1",
		Name:      "test-machine",
		EnvVars:   map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if result.ExternalID != "sb-123" {
		t.Errorf("expected external ID sb-123, got %s", result.ExternalID)
	}
	if len(result.Metadata) == 0 {
		t.Error("expected provider metadata to be captured")
	}
}

func TestDaytonaCreate_QuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": "sandbox quota exceeded"}`))
	}))
	defer srv.Close()

	p, _ := NewDaytonaProvider(srv.URL, "test-key")
	_, err := p.Create(context.Background(), CreateOpts{Name: "m"})
	if err == nil {
		t.Fatal("expected error for quota response")
	}
	if Retryable(err) {
		t.Error("quota error (403) must not be retryable")
	}
}

func TestDaytonaCreate_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := NewDaytonaProvider(srv.URL, "test-key")
	_, err := p.Create(context.Background(), CreateOpts{Name: "m"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !Retryable(err) {
		t.Error("502 must be retryable")
	}
}

func TestDaytonaBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandbox/sb-123/ports/4000/preview-url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"url": "https://4000-sb-123.preview.example.com"}`))
	}))
	defer srv.Close()

	p, _ := NewDaytonaProvider(srv.URL, "test-key")
	baseURL, err := p.BaseURL(context.Background(), "sb-123", 4000)
	if err != nil {
		t.Fatalf("BaseURL() error: %v", err)
	}
	if baseURL != "https://4000-sb-123.preview.example.com" {
		t.Errorf("unexpected base URL %s", baseURL)
	}
}

func TestDockerCreateAndBaseURL(t *testing.T) {
	started := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/containers/create":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"Id": "abc123"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/containers/abc123/start":
			started = true
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/containers/abc123/json":
			w.Write([]byte(`{"NetworkSettings": {"Ports": {"4000/tcp": [{"HostIp": "0.0.0.0", "HostPort": "49153"}]}}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewDockerProvider(srv.URL, "")
	result, err := p.Create(context.Background(), CreateOpts{MachineID: "m-1", Name: "test"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !started {
		t.Error("expected container to be started")
	}
	if result.ExternalID != "abc123" {
		t.Errorf("expected external ID abc123, got %s", result.ExternalID)
	}

	baseURL, err := p.BaseURL(context.Background(), "abc123", 4000)
	if err != nil {
		t.Fatalf("BaseURL() error: %v", err)
	}
	if baseURL != "http://localhost:49153" {
		t.Errorf("unexpected base URL %s", baseURL)
	}
}

func TestDockerCreate_StartFailureCleansUp(t *testing.T) {
	var deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/containers/create":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"Id": "abc123"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/containers/abc123/start":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message": "oom"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/containers/abc123":
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	p := NewDockerProvider(srv.URL, "")
	_, err := p.Create(context.Background(), CreateOpts{Name: "test"})
	if err == nil {
		t.Fatal("expected error when start fails")
	}
	if !deleted {
		t.Error("expected failed container to be removed")
	}
}
