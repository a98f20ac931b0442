// Package machine implements the lifecycle orchestration: creating machine
// records, consuming provision events, verifying readiness, and pushing
// setup to machines that passed.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentcloud/agentcloud/internal/auth"
	"github.com/agentcloud/agentcloud/internal/config"
	"github.com/agentcloud/agentcloud/internal/daemon"
	"github.com/agentcloud/agentcloud/internal/db"
	"github.com/agentcloud/agentcloud/internal/metrics"
	"github.com/agentcloud/agentcloud/internal/outbox"
	"github.com/agentcloud/agentcloud/internal/provider"
	"github.com/agentcloud/agentcloud/internal/readiness"
	"github.com/agentcloud/agentcloud/internal/registry"
	"github.com/agentcloud/agentcloud/internal/setup"
)

// machineAppPort is the port the machine's application listens on. Both the
// readiness probe and the daemon RPC endpoint are served there.
const machineAppPort = 4000

// machineTokenTTL bounds the machine access token injected at provision time.
const machineTokenTTL = 90 * 24 * time.Hour

// DaemonStatusReady is the status a machine's daemon reports once its
// application is up.
const DaemonStatusReady = "ready"

// Store is the slice of the database layer the lifecycle service drives.
// *db.Store satisfies it.
type Store interface {
	CreateMachine(ctx context.Context, projectID uuid.UUID, name, provider string) (*db.Machine, error)
	GetMachine(ctx context.Context, id uuid.UUID) (*db.Machine, error)
	ListActiveMachines(ctx context.Context, projectID uuid.UUID) ([]db.Machine, error)
	SetMachineProvisioned(ctx context.Context, id uuid.UUID, externalID string, metadata json.RawMessage) (*db.Machine, error)
	SetMachineDaemonStatus(ctx context.Context, id uuid.UUID, status string) (*db.Machine, error)
	RequestReadinessCheck(ctx context.Context, id uuid.UUID) (bool, error)
	PromoteMachine(ctx context.Context, id uuid.UUID) (*db.Machine, error)
	MarkMachineFailed(ctx context.Context, id uuid.UUID, detail string) (*db.Machine, error)
	ArchiveMachine(ctx context.Context, id uuid.UUID) (*db.Machine, error)
	CountMachinesByState(ctx context.Context) (map[string]int, error)
	GetOrCreateMachineToken(ctx context.Context, projectID uuid.UUID, mint func() (string, error)) (string, error)
	GetProjectEnvVars(ctx context.Context, projectID uuid.UUID) (map[string]string, error)
	GetProjectRepos(ctx context.Context, projectID uuid.UUID) ([]db.Repo, error)
}

// Service owns the machine lifecycle. All slow work runs through the outbox;
// the exported methods called from the API do only transactional database
// writes plus best-effort registry updates.
type Service struct {
	store     Store
	issuer    *auth.TokenIssuer
	registry  *registry.Registry
	cfg       *config.Config
	providers func(kind string) (provider.Provider, error)
}

// NewService creates the lifecycle service.
func NewService(store Store, issuer *auth.TokenIssuer, reg *registry.Registry, cfg *config.Config) *Service {
	s := &Service{store: store, issuer: issuer, registry: reg, cfg: cfg}
	s.providers = func(kind string) (provider.Provider, error) {
		return provider.New(provider.Kind(kind), provider.Config{
			DaytonaAPIURL: cfg.DaytonaAPIURL,
			DaytonaAPIKey: cfg.DaytonaAPIKey,
			DockerHost:    cfg.DockerHost,
			DockerImage:   cfg.DockerImage,
		})
	}
	return s
}

// RegisterHandlers binds the lifecycle event handlers and failure hooks to
// the dispatcher.
func (s *Service) RegisterHandlers(d *outbox.Dispatcher) {
	d.Register(db.EventProvision, s.HandleProvision)
	d.Register(db.EventVerifyReadiness, s.HandleVerifyReadiness)
	d.Register(db.EventPushSetup, s.HandlePushSetup)

	d.OnExhausted(db.EventProvision, s.failMachineHook("provisioning failed"))
	d.OnExhausted(db.EventVerifyReadiness, s.failMachineHook("readiness verification failed"))
	// Push-setup exhaustion does not fail the machine: it is already active
	// and serving, and the next env push retries delivery.
	d.OnExhausted(db.EventPushSetup, func(_ context.Context, payload json.RawMessage, detail string) {
		log.Printf("machine: setup push gave up: %s (payload %s)", detail, payload)
	})
}

// Create inserts a new machine record and enqueues its provision event.
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, name, providerKind string) (*db.Machine, error) {
	if providerKind == "" {
		providerKind = s.cfg.DefaultProvider
	}
	if _, err := s.newProvider(providerKind); err != nil {
		return nil, err
	}
	if name == "" {
		name = "machine-" + uuid.NewString()[:8]
	}
	return s.store.CreateMachine(ctx, projectID, name, providerKind)
}

func (s *Service) newProvider(kind string) (provider.Provider, error) {
	return s.providers(kind)
}

// HandleProvision consumes a machine:provision event: it creates the provider
// resource, records the external id, and triggers the readiness check when
// the machine's daemon already reported in. Safe under redelivery: a machine
// with an external id is left alone.
func (s *Service) HandleProvision(ctx context.Context, payload json.RawMessage) outbox.Result {
	var p db.ProvisionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.Fatal("malformed provision payload: " + err.Error())
	}

	m, err := s.store.GetMachine(ctx, p.MachineID)
	if err != nil {
		return outbox.Retry("failed to load machine: " + err.Error())
	}
	if m.ExternalID != "" {
		// A previous delivery already provisioned; only the readiness
		// recheck might still be owed.
		s.maybeRequestReadiness(ctx, m)
		return outbox.Done()
	}
	if m.State != db.MachineStateStarting {
		// Detached or failed before provisioning started; never create the
		// provider resource.
		return outbox.Done()
	}

	prov, err := s.newProvider(p.Provider)
	if err != nil {
		return outbox.Fatal(err.Error())
	}

	token, err := s.store.GetOrCreateMachineToken(ctx, p.ProjectID, func() (string, error) {
		return s.issuer.IssueMachineToken(p.ProjectID, p.MachineID, machineTokenTTL)
	})
	if err != nil {
		return outbox.Retry(err.Error())
	}

	projectVars, err := s.store.GetProjectEnvVars(ctx, p.ProjectID)
	if err != nil {
		return outbox.Retry(err.Error())
	}
	envVars := buildMachineEnv(s.cfg, p, token, projectVars)

	start := time.Now()
	created, err := prov.Create(ctx, provider.CreateOpts{
		MachineID: p.MachineID.String(),
		Name:      fmt.Sprintf("%s-%s-%s", p.OrgSlug, p.ProjSlug, p.Name),
		EnvVars:   envVars,
	})
	if err != nil {
		metrics.ProvisionDuration.WithLabelValues(p.Provider, "error").Observe(time.Since(start).Seconds())
		if provider.Retryable(err) {
			return outbox.Retry("provider create failed: " + err.Error())
		}
		return outbox.Fatal("provider rejected create: " + err.Error())
	}
	metrics.ProvisionDuration.WithLabelValues(p.Provider, "ok").Observe(time.Since(start).Seconds())

	m, err = s.store.SetMachineProvisioned(ctx, p.MachineID, created.ExternalID, created.Metadata)
	if err != nil {
		// The resource exists but the record does not know it. Release the
		// resource so the retry provisions cleanly instead of leaking one
		// per delivery.
		if delErr := prov.Delete(ctx, created.ExternalID); delErr != nil {
			log.Printf("machine: failed to release orphaned resource %s: %v", created.ExternalID, delErr)
		}
		if current, getErr := s.store.GetMachine(ctx, p.MachineID); getErr == nil && current.ExternalID != "" {
			// Lost a redelivery race; the winner's resource stands.
			s.maybeRequestReadiness(ctx, current)
			return outbox.Done()
		}
		return outbox.Retry("failed to record provisioned machine: " + err.Error())
	}

	log.Printf("machine: provisioned %s as %s on %s", p.MachineID, created.ExternalID, p.Provider)
	s.maybeRequestReadiness(ctx, m)
	return outbox.Done()
}

// maybeRequestReadiness triggers the readiness check when the machine's
// daemon has already reported ready. The daemon callback and this recheck
// race for the same trigger; RequestReadinessCheck lets exactly one win.
func (s *Service) maybeRequestReadiness(ctx context.Context, m *db.Machine) {
	if m.DaemonStatus == nil || *m.DaemonStatus != DaemonStatusReady {
		return
	}
	won, err := s.store.RequestReadinessCheck(ctx, m.ID)
	if err != nil {
		log.Printf("machine: failed to request readiness check for %s: %v", m.ID, err)
		return
	}
	if won {
		log.Printf("machine: readiness check requested for %s", m.ID)
	}
}

// HandleVerifyReadiness consumes a machine:verify-readiness event: it probes
// the machine end-to-end and promotes it on success.
func (s *Service) HandleVerifyReadiness(ctx context.Context, payload json.RawMessage) outbox.Result {
	var p db.MachinePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.Fatal("malformed readiness payload: " + err.Error())
	}

	m, err := s.store.GetMachine(ctx, p.MachineID)
	if err != nil {
		return outbox.Retry("failed to load machine: " + err.Error())
	}
	if m.State == db.MachineStateActive {
		// Redelivery after promotion.
		return outbox.Done()
	}
	if m.State != db.MachineStateStarting {
		return outbox.Done()
	}
	if m.ExternalID == "" {
		return outbox.Retry("machine has no provider resource yet")
	}

	prov, err := s.newProvider(m.Provider)
	if err != nil {
		return outbox.Fatal(err.Error())
	}
	baseURL, err := prov.BaseURL(ctx, m.ExternalID, machineAppPort)
	if err != nil {
		return outbox.Retry("failed to resolve machine URL: " + err.Error())
	}

	result := readiness.Probe(ctx, readiness.Config{
		BaseURL:           baseURL,
		Client:            prov.Client(),
		SendTimeout:       time.Duration(s.cfg.ProbeSendTimeoutSec) * time.Second,
		SendRetryInterval: 3 * time.Second,
		SendDeadline:      time.Duration(s.cfg.ProbeSendDeadlineSec) * time.Second,
		PollInterval:      2 * time.Second,
		PollDeadline:      time.Duration(s.cfg.ProbePollDeadlineSec) * time.Second,
	})

	switch result.Status {
	case readiness.StatusPassed:
		promoted, err := s.store.PromoteMachine(ctx, m.ID)
		if err != nil {
			if errors.Is(err, db.ErrActiveConflict) {
				return outbox.Fatal("promotion conflict: " + err.Error())
			}
			return outbox.Retry("failed to promote machine: " + err.Error())
		}
		log.Printf("machine: %s passed readiness, promoted to %s", m.ID, promoted.State)
		return outbox.Done()

	case readiness.StatusTimeout:
		return outbox.Fatal("readiness probe timed out: " + result.Detail)

	default: // wrong_answer, send_failed
		return outbox.Fatal(fmt.Sprintf("readiness probe %s: %s", result.Status, result.Detail))
	}
}

// HandlePushSetup consumes a machine:push-setup event for a newly promoted
// machine.
func (s *Service) HandlePushSetup(ctx context.Context, payload json.RawMessage) outbox.Result {
	var p db.MachinePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outbox.Fatal("malformed push-setup payload: " + err.Error())
	}

	m, err := s.store.GetMachine(ctx, p.MachineID)
	if err != nil {
		return outbox.Retry("failed to load machine: " + err.Error())
	}
	if m.State != db.MachineStateActive {
		// Detached or archived before the push ran; setup belongs to the
		// current active machine only.
		return outbox.Done()
	}

	intent, err := s.resolveIntent(ctx, p.ProjectID)
	if err != nil {
		return outbox.Retry(err.Error())
	}

	skipped, err := s.pushToMachine(ctx, m, intent)
	if err != nil {
		return outbox.Retry("setup push failed: " + err.Error())
	}
	if skipped {
		log.Printf("machine: setup already current on %s", m.ID)
	} else {
		log.Printf("machine: setup pushed to %s", m.ID)
	}
	return outbox.Done()
}

// resolveIntent renders the project's current setup exactly once so every
// machine in one push round receives the same content.
func (s *Service) resolveIntent(ctx context.Context, projectID uuid.UUID) (setup.Intent, error) {
	vars, err := s.store.GetProjectEnvVars(ctx, projectID)
	if err != nil {
		return setup.Intent{}, err
	}
	repos, err := s.store.GetProjectRepos(ctx, projectID)
	if err != nil {
		return setup.Intent{}, err
	}

	intent := setup.Intent{EnvText: setup.RenderEnvFile(vars)}
	for _, r := range repos {
		intent.Repos = append(intent.Repos, setup.Repo{URL: r.URL, Branch: r.Branch, Path: r.Path})
	}
	return intent, nil
}

func (s *Service) pushToMachine(ctx context.Context, m *db.Machine, intent setup.Intent) (bool, error) {
	prov, err := s.newProvider(m.Provider)
	if err != nil {
		return false, err
	}
	baseURL, err := prov.BaseURL(ctx, m.ExternalID, machineAppPort)
	if err != nil {
		return false, fmt.Errorf("failed to resolve machine URL: %w", err)
	}

	token, err := s.store.GetOrCreateMachineToken(ctx, m.ProjectID, func() (string, error) {
		return s.issuer.IssueMachineToken(m.ProjectID, m.ID, machineTokenTTL)
	})
	if err != nil {
		return false, err
	}

	rpc := daemon.NewRPC(baseURL, token, prov.Client())
	return setup.Push(ctx, rpc, intent)
}

// PushToActive pushes the project's current setup to each active machine
// immediately, outside the outbox. Used when an operator edits env vars or
// repos and wants them delivered now.
func (s *Service) PushToActive(ctx context.Context, projectID uuid.UUID) (pushed, skipped int, err error) {
	machines, err := s.store.ListActiveMachines(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	if len(machines) == 0 {
		return 0, 0, nil
	}

	intent, err := s.resolveIntent(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}

	var firstErr error
	for i := range machines {
		wasSkipped, pushErr := s.pushToMachine(ctx, &machines[i], intent)
		if pushErr != nil {
			log.Printf("machine: push to %s failed: %v", machines[i].ID, pushErr)
			if firstErr == nil {
				firstErr = pushErr
			}
			continue
		}
		if wasSkipped {
			skipped++
		} else {
			pushed++
		}
	}
	return pushed, skipped, firstErr
}

// DaemonReport records a status self-reported by a machine's daemon. A ready
// report triggers the readiness check when provisioning already recorded the
// external id; otherwise the provisioning consumer's recheck picks it up.
func (s *Service) DaemonReport(ctx context.Context, machineID uuid.UUID, status string) (*db.Machine, error) {
	m, err := s.store.SetMachineDaemonStatus(ctx, machineID, status)
	if err != nil {
		return nil, err
	}

	s.registry.Report(ctx, registry.StatusEntry{
		MachineID: m.ID.String(),
		ProjectID: m.ProjectID.String(),
		Status:    status,
	})

	if status == DaemonStatusReady {
		s.maybeRequestReadiness(ctx, m)
	}
	return m, nil
}

// Archive retires a machine and releases its provider resource best-effort.
func (s *Service) Archive(ctx context.Context, machineID uuid.UUID) (*db.Machine, error) {
	m, err := s.store.ArchiveMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m.ExternalID != "" {
		if prov, provErr := s.newProvider(m.Provider); provErr == nil {
			if delErr := prov.Delete(ctx, m.ExternalID); delErr != nil {
				log.Printf("machine: failed to delete resource %s for archived %s: %v", m.ExternalID, m.ID, delErr)
			}
		}
	}
	return m, nil
}

// failMachineHook builds a dispatcher failure hook that moves the affected
// machine to failed with the dispatch detail.
func (s *Service) failMachineHook(prefix string) outbox.ExhaustedHook {
	return func(ctx context.Context, payload json.RawMessage, detail string) {
		var p db.MachinePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.MachineID == uuid.Nil {
			log.Printf("machine: cannot fail machine for payload %s: %v", payload, err)
			return
		}
		if _, err := s.store.MarkMachineFailed(ctx, p.MachineID, prefix+": "+detail); err != nil {
			log.Printf("machine: failed to mark %s failed: %v", p.MachineID, err)
		}
	}
}

// StartStateGauge refreshes the machines-by-state metric until ctx ends.
func (s *Service) StartStateGauge(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				counts, err := s.store.CountMachinesByState(ctx)
				if err != nil {
					continue
				}
				for _, state := range []string{
					db.MachineStateStarting, db.MachineStateActive,
					db.MachineStateDetached, db.MachineStateArchived, db.MachineStateFailed,
				} {
					metrics.MachinesByState.WithLabelValues(state).Set(float64(counts[state]))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// buildMachineEnv assembles the environment injected into a new machine.
// Identity variables win over project-configured ones.
func buildMachineEnv(cfg *config.Config, p db.ProvisionPayload, token string, projectVars map[string]string) map[string]string {
	env := make(map[string]string, len(projectVars)+8)
	for k, v := range projectVars {
		env[k] = v
	}

	env["AGENTCLOUD_API_BASE_URL"] = cfg.APIBaseURL
	env["AGENTCLOUD_MACHINE_TOKEN"] = token
	env["AGENTCLOUD_MACHINE_ID"] = p.MachineID.String()
	env["AGENTCLOUD_PROJECT_ID"] = p.ProjectID.String()
	env["AGENTCLOUD_ORG_SLUG"] = p.OrgSlug
	env["AGENTCLOUD_PROJECT_SLUG"] = p.ProjSlug

	if cfg.EgressProxyURL != "" {
		env["HTTP_PROXY"] = cfg.EgressProxyURL
		env["HTTPS_PROXY"] = cfg.EgressProxyURL
		env["NO_PROXY"] = "localhost,127.0.0.1"
	}
	return env
}
