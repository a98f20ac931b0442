package machine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/agentcloud/agentcloud/internal/auth"
	"github.com/agentcloud/agentcloud/internal/config"
	"github.com/agentcloud/agentcloud/internal/db"
	"github.com/agentcloud/agentcloud/internal/outbox"
	"github.com/agentcloud/agentcloud/internal/provider"
)

// fakeStore is an in-memory stand-in for the machine slice of the database.
type fakeStore struct {
	machines          map[uuid.UUID]*db.Machine
	provisionErr      error
	readinessRequests int
	failed            map[uuid.UUID]string
}

func newFakeStore(machines ...*db.Machine) *fakeStore {
	fs := &fakeStore{
		machines: make(map[uuid.UUID]*db.Machine),
		failed:   make(map[uuid.UUID]string),
	}
	for _, m := range machines {
		fs.machines[m.ID] = m
	}
	return fs
}

func (f *fakeStore) CreateMachine(_ context.Context, projectID uuid.UUID, name, prov string) (*db.Machine, error) {
	m := &db.Machine{ID: uuid.New(), ProjectID: projectID, Name: name, Provider: prov, State: db.MachineStateStarting}
	f.machines[m.ID] = m
	return m, nil
}

func (f *fakeStore) GetMachine(_ context.Context, id uuid.UUID) (*db.Machine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, errors.New("machine not found")
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) ListActiveMachines(_ context.Context, projectID uuid.UUID) ([]db.Machine, error) {
	var out []db.Machine
	for _, m := range f.machines {
		if m.ProjectID == projectID && m.State == db.MachineStateActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) SetMachineProvisioned(_ context.Context, id uuid.UUID, externalID string, _ json.RawMessage) (*db.Machine, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	m := f.machines[id]
	if m.ExternalID != "" {
		return nil, errors.New("machine already provisioned")
	}
	m.ExternalID = externalID
	copied := *m
	return &copied, nil
}

func (f *fakeStore) SetMachineDaemonStatus(_ context.Context, id uuid.UUID, status string) (*db.Machine, error) {
	m := f.machines[id]
	m.DaemonStatus = &status
	copied := *m
	return &copied, nil
}

func (f *fakeStore) RequestReadinessCheck(_ context.Context, id uuid.UUID) (bool, error) {
	m, ok := f.machines[id]
	if !ok || m.ReadinessRequested || m.ExternalID == "" || m.State != db.MachineStateStarting {
		return false, nil
	}
	m.ReadinessRequested = true
	f.readinessRequests++
	return true, nil
}

func (f *fakeStore) PromoteMachine(_ context.Context, id uuid.UUID) (*db.Machine, error) {
	m := f.machines[id]
	m.State = db.MachineStateActive
	copied := *m
	return &copied, nil
}

func (f *fakeStore) MarkMachineFailed(_ context.Context, id uuid.UUID, detail string) (*db.Machine, error) {
	m := f.machines[id]
	m.State = db.MachineStateFailed
	f.failed[id] = detail
	copied := *m
	return &copied, nil
}

func (f *fakeStore) ArchiveMachine(_ context.Context, id uuid.UUID) (*db.Machine, error) {
	m := f.machines[id]
	m.State = db.MachineStateArchived
	copied := *m
	return &copied, nil
}

func (f *fakeStore) CountMachinesByState(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (f *fakeStore) GetOrCreateMachineToken(_ context.Context, _ uuid.UUID, mint func() (string, error)) (string, error) {
	return mint()
}

func (f *fakeStore) GetProjectEnvVars(context.Context, uuid.UUID) (map[string]string, error) {
	return map[string]string{"APP_SETTING": "1"}, nil
}

func (f *fakeStore) GetProjectRepos(context.Context, uuid.UUID) ([]db.Repo, error) {
	return nil, nil
}

// fakeProvider counts resource operations.
type fakeProvider struct {
	creates int
	deletes []string
}

func (p *fakeProvider) Create(context.Context, provider.CreateOpts) (*provider.CreateResult, error) {
	p.creates++
	return &provider.CreateResult{ExternalID: "ext-1", Metadata: json.RawMessage(`{"zone":"a"}`)}, nil
}

func (p *fakeProvider) Delete(_ context.Context, externalID string) error {
	p.deletes = append(p.deletes, externalID)
	return nil
}

func (p *fakeProvider) BaseURL(context.Context, string, int) (string, error) {
	return "http://127.0.0.1:9", nil
}

func (p *fakeProvider) Client() *http.Client {
	return http.DefaultClient
}

func newTestService(fs *fakeStore, fp *fakeProvider) *Service {
	s := NewService(fs, auth.NewTokenIssuer("test-secret"), nil, &config.Config{
		APIBaseURL:      "https://api.agentcloud.dev",
		DefaultProvider: "daytona",
	})
	s.providers = func(string) (provider.Provider, error) { return fp, nil }
	return s
}

func provisionPayload(t *testing.T, m *db.Machine) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(db.ProvisionPayload{
		MachineID: m.ID,
		ProjectID: m.ProjectID,
		OrgSlug:   "acme",
		ProjSlug:  "web",
		Name:      m.Name,
		Provider:  m.Provider,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func startingMachine() *db.Machine {
	return &db.Machine{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Name:      "m1",
		Provider:  "daytona",
		State:     db.MachineStateStarting,
	}
}

func TestHandleProvision_CreatesResourceAndRecordsHandle(t *testing.T) {
	m := startingMachine()
	fs := newFakeStore(m)
	fp := &fakeProvider{}
	s := newTestService(fs, fp)

	result := s.HandleProvision(context.Background(), provisionPayload(t, m))
	if result.Kind != outbox.KindDone {
		t.Fatalf("expected Done, got %v (%s)", result.Kind, result.Detail)
	}
	if fp.creates != 1 {
		t.Errorf("expected 1 create, got %d", fp.creates)
	}
	if fs.machines[m.ID].ExternalID != "ext-1" {
		t.Errorf("external id not recorded: %q", fs.machines[m.ID].ExternalID)
	}
}

func TestHandleProvision_RedeliveryCreatesNoSecondResource(t *testing.T) {
	m := startingMachine()
	m.ExternalID = "ext-already"
	fs := newFakeStore(m)
	fp := &fakeProvider{}
	s := newTestService(fs, fp)

	result := s.HandleProvision(context.Background(), provisionPayload(t, m))
	if result.Kind != outbox.KindDone {
		t.Fatalf("redelivery must be Done, got %v (%s)", result.Kind, result.Detail)
	}
	if fp.creates != 0 {
		t.Errorf("redelivery created %d extra resources", fp.creates)
	}
}

func TestHandleProvision_RedeliveryTriggersOwedReadinessCheck(t *testing.T) {
	ready := DaemonStatusReady
	m := startingMachine()
	m.ExternalID = "ext-already"
	m.DaemonStatus = &ready
	fs := newFakeStore(m)
	s := newTestService(fs, &fakeProvider{})

	if result := s.HandleProvision(context.Background(), provisionPayload(t, m)); result.Kind != outbox.KindDone {
		t.Fatalf("expected Done, got %v", result.Kind)
	}
	if fs.readinessRequests != 1 {
		t.Errorf("expected 1 readiness request, got %d", fs.readinessRequests)
	}
}

func TestHandleProvision_ReadyDaemonAfterProvisionRequestsReadiness(t *testing.T) {
	// The daemon reported ready before provisioning finished writing the
	// external id; the consumer's re-check must pick that up.
	ready := DaemonStatusReady
	m := startingMachine()
	m.DaemonStatus = &ready
	fs := newFakeStore(m)
	fp := &fakeProvider{}
	s := newTestService(fs, fp)

	if result := s.HandleProvision(context.Background(), provisionPayload(t, m)); result.Kind != outbox.KindDone {
		t.Fatalf("expected Done, got %v", result.Kind)
	}
	if fp.creates != 1 {
		t.Errorf("expected 1 create, got %d", fp.creates)
	}
	if fs.readinessRequests != 1 {
		t.Errorf("expected 1 readiness request, got %d", fs.readinessRequests)
	}
}

func TestHandleProvision_CompensatesWhenRecordFails(t *testing.T) {
	m := startingMachine()
	fs := newFakeStore(m)
	fs.provisionErr = errors.New("connection reset")
	fp := &fakeProvider{}
	s := newTestService(fs, fp)

	result := s.HandleProvision(context.Background(), provisionPayload(t, m))
	if result.Kind != outbox.KindRetry {
		t.Fatalf("expected Retry when the record write fails, got %v (%s)", result.Kind, result.Detail)
	}
	if len(fp.deletes) != 1 || fp.deletes[0] != "ext-1" {
		t.Errorf("orphaned resource not released: deletes = %v", fp.deletes)
	}
}

func TestHandleProvision_SkipsSupersededMachine(t *testing.T) {
	m := startingMachine()
	m.State = db.MachineStateDetached
	fs := newFakeStore(m)
	fp := &fakeProvider{}
	s := newTestService(fs, fp)

	if result := s.HandleProvision(context.Background(), provisionPayload(t, m)); result.Kind != outbox.KindDone {
		t.Fatalf("superseded machine must be Done, got %v", result.Kind)
	}
	if fp.creates != 0 {
		t.Errorf("superseded machine must not get a resource, got %d creates", fp.creates)
	}
}

func TestBuildMachineEnv_IdentityWinsOverProjectVars(t *testing.T) {
	cfg := &config.Config{APIBaseURL: "https://api.agentcloud.dev"}
	p := db.ProvisionPayload{
		MachineID: uuid.New(),
		ProjectID: uuid.New(),
		OrgSlug:   "acme",
		ProjSlug:  "web",
	}

	env := buildMachineEnv(cfg, p, "tok-123", map[string]string{
		"DATABASE_URL":            "postgres://project-configured",
		"AGENTCLOUD_MACHINE_ID":   "spoofed",
		"AGENTCLOUD_API_BASE_URL": "https://evil.example.com",
	})

	if env["DATABASE_URL"] != "postgres://project-configured" {
		t.Errorf("project var dropped: %q", env["DATABASE_URL"])
	}
	if env["AGENTCLOUD_MACHINE_ID"] != p.MachineID.String() {
		t.Errorf("identity var overridden by project config: %q", env["AGENTCLOUD_MACHINE_ID"])
	}
	if env["AGENTCLOUD_API_BASE_URL"] != "https://api.agentcloud.dev" {
		t.Errorf("API base URL overridden by project config: %q", env["AGENTCLOUD_API_BASE_URL"])
	}
	if env["AGENTCLOUD_MACHINE_TOKEN"] != "tok-123" {
		t.Errorf("machine token missing: %q", env["AGENTCLOUD_MACHINE_TOKEN"])
	}
}

func TestBuildMachineEnv_ProxyOnlyWhenConfigured(t *testing.T) {
	p := db.ProvisionPayload{MachineID: uuid.New(), ProjectID: uuid.New()}

	env := buildMachineEnv(&config.Config{}, p, "tok", nil)
	if _, ok := env["HTTPS_PROXY"]; ok {
		t.Error("proxy vars set without an egress proxy configured")
	}

	env = buildMachineEnv(&config.Config{EgressProxyURL: "http://proxy:3128"}, p, "tok", nil)
	if env["HTTPS_PROXY"] != "http://proxy:3128" || env["HTTP_PROXY"] != "http://proxy:3128" {
		t.Errorf("proxy vars not injected: %v", env)
	}
	if env["NO_PROXY"] == "" {
		t.Error("NO_PROXY must exempt loopback so the daemon can reach itself")
	}
}
