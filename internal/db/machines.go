package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Machine lifecycle states.
const (
	MachineStateStarting = "starting"
	MachineStateActive   = "active"
	MachineStateDetached = "detached"
	MachineStateArchived = "archived"
	MachineStateFailed   = "failed"
)

// Outbox event names.
const (
	EventProvision       = "machine:provision"
	EventVerifyReadiness = "machine:verify-readiness"
	EventPushSetup       = "machine:push-setup"
)

// Machine is one row of the machine record store. ProviderMetadata is opaque
// provider data passed through untouched; the orchestration bookkeeping
// (daemon status, readiness timestamps, last error) lives in explicit columns.
type Machine struct {
	ID                 uuid.UUID       `json:"id"`
	ProjectID          uuid.UUID       `json:"projectId"`
	Name               string          `json:"name"`
	Provider           string          `json:"provider"`
	State              string          `json:"state"`
	ExternalID         string          `json:"externalId"`
	ProviderMetadata   json.RawMessage `json:"providerMetadata,omitempty"`
	DaemonStatus       *string         `json:"daemonStatus,omitempty"`
	ReadinessRequested bool            `json:"readinessRequested"`
	ReadyAt            *time.Time      `json:"readyAt,omitempty"`
	LastError          *string         `json:"lastError,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

const machineColumns = `id, project_id, name, provider, state, external_id, provider_metadata,
	daemon_status, readiness_requested, ready_at, last_error, created_at, updated_at`

func scanMachine(row pgx.Row) (*Machine, error) {
	m := &Machine{}
	err := row.Scan(
		&m.ID, &m.ProjectID, &m.Name, &m.Provider, &m.State, &m.ExternalID, &m.ProviderMetadata,
		&m.DaemonStatus, &m.ReadinessRequested, &m.ReadyAt, &m.LastError, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// ProvisionPayload is the payload of a machine:provision event.
type ProvisionPayload struct {
	MachineID uuid.UUID `json:"machineId"`
	ProjectID uuid.UUID `json:"projectId"`
	OrgID     uuid.UUID `json:"organizationId"`
	OrgSlug   string    `json:"organizationSlug"`
	ProjSlug  string    `json:"projectSlug"`
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
}

// MachinePayload is the payload of machine:verify-readiness and
// machine:push-setup events.
type MachinePayload struct {
	MachineID uuid.UUID `json:"machineId"`
	ProjectID uuid.UUID `json:"projectId"`
}

// CreateMachine performs the "create machine for project P" transition in one
// transaction: every existing starting machine of the project is detached, the
// new row is inserted as starting with an empty external_id, and a
// machine:provision event is enqueued. No provider resource exists until the
// provisioning consumer picks the event up after commit.
func (s *Store) CreateMachine(ctx context.Context, projectID uuid.UUID, name, provider string) (*Machine, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	proj, err := scanProject(tx.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects p JOIN orgs o ON o.id = p.org_id WHERE p.id = $1`, projectID))
	if err != nil {
		return nil, fmt.Errorf("project not found: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE machines SET state = $1, updated_at = now()
		 WHERE project_id = $2 AND state = $3`,
		MachineStateDetached, projectID, MachineStateStarting)
	if err != nil {
		return nil, fmt.Errorf("failed to detach starting machines: %w", err)
	}

	m, err := scanMachine(tx.QueryRow(ctx,
		`INSERT INTO machines (project_id, name, provider) VALUES ($1, $2, $3)
		 RETURNING `+machineColumns,
		projectID, name, provider))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveConflict
		}
		return nil, fmt.Errorf("failed to insert machine: %w", err)
	}

	err = s.Enqueue(ctx, tx, EventProvision, ProvisionPayload{
		MachineID: m.ID,
		ProjectID: projectID,
		OrgID:     proj.OrgID,
		OrgSlug:   proj.OrgSlug,
		ProjSlug:  proj.Slug,
		Name:      name,
		Provider:  provider,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit machine creation: %w", err)
	}
	return m, nil
}

func (s *Store) GetMachine(ctx context.Context, id uuid.UUID) (*Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("machine not found: %w", err)
	}
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context, projectID uuid.UUID) ([]Machine, error) {
	return s.listMachines(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
}

// ListActiveMachines returns the project's machines in state active (at most
// one by the partial unique index, but callers range over the slice).
func (s *Store) ListActiveMachines(ctx context.Context, projectID uuid.UUID) ([]Machine, error) {
	return s.listMachines(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE project_id = $1 AND state = $2`,
		projectID, MachineStateActive)
}

func (s *Store) listMachines(ctx context.Context, query string, args ...any) ([]Machine, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// SetMachineProvisioned records the provider-assigned handle and merges
// provider-returned metadata. The external_id = '' guard makes redelivered
// provision events observable: no row comes back when another delivery
// already wrote the handle.
func (s *Store) SetMachineProvisioned(ctx context.Context, id uuid.UUID, externalID string, metadata json.RawMessage) (*Machine, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`UPDATE machines
		 SET external_id = $2, provider_metadata = provider_metadata || $3, updated_at = now()
		 WHERE id = $1 AND external_id = ''
		 RETURNING `+machineColumns,
		id, externalID, metadata))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("machine %s already provisioned", id)
		}
		return nil, fmt.Errorf("failed to record provisioned machine: %w", err)
	}
	return m, nil
}

// SetMachineDaemonStatus stores the status the machine's daemon self-reported.
func (s *Store) SetMachineDaemonStatus(ctx context.Context, id uuid.UUID, status string) (*Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`UPDATE machines SET daemon_status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+machineColumns,
		id, status))
	if err != nil {
		return nil, fmt.Errorf("failed to update daemon status: %w", err)
	}
	return m, nil
}

// RequestReadinessCheck enqueues a machine:verify-readiness event exactly once
// per machine. Two triggers race for this: the daemon's own ready callback and
// the provisioning consumer's re-check after writing external_id. The
// readiness_requested column flip and the enqueue commit atomically, so
// whichever trigger loses becomes a no-op. Returns true when this call won.
func (s *Store) RequestReadinessCheck(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var projectID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE machines SET readiness_requested = true, updated_at = now()
		 WHERE id = $1 AND NOT readiness_requested AND state = $2 AND external_id <> ''
		 RETURNING project_id`,
		id, MachineStateStarting).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to request readiness check: %w", err)
	}

	if err := s.Enqueue(ctx, tx, EventVerifyReadiness, MachinePayload{MachineID: id, ProjectID: projectID}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit readiness request: %w", err)
	}
	return true, nil
}

// PromoteMachine moves a starting machine to active after a readiness probe
// passed. The previously active machine of the project, if any, is detached in
// the same transaction — not earlier — and the setup push is enqueued with the
// promotion so it survives a crash between the two.
func (s *Store) PromoteMachine(ctx context.Context, id uuid.UUID) (*Machine, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanMachine(tx.QueryRow(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("machine not found: %w", err)
	}
	if current.State == MachineStateActive {
		// Redelivered readiness event after a promoted machine — nothing to do.
		return current, nil
	}
	if current.State != MachineStateStarting {
		return nil, fmt.Errorf("machine %s is %s, not %s", id, current.State, MachineStateStarting)
	}

	_, err = tx.Exec(ctx,
		`UPDATE machines SET state = $1, updated_at = now()
		 WHERE project_id = $2 AND state = $3 AND id <> $4`,
		MachineStateDetached, current.ProjectID, MachineStateActive, id)
	if err != nil {
		return nil, fmt.Errorf("failed to detach previous active machine: %w", err)
	}

	m, err := scanMachine(tx.QueryRow(ctx,
		`UPDATE machines SET state = $2, ready_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+machineColumns,
		id, MachineStateActive))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveConflict
		}
		return nil, fmt.Errorf("failed to promote machine: %w", err)
	}

	if err := s.Enqueue(ctx, tx, EventPushSetup, MachinePayload{MachineID: id, ProjectID: m.ProjectID}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveConflict
		}
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}
	return m, nil
}

// MarkMachineFailed moves a machine to the terminal failed state and records
// the failure detail for operator visibility.
func (s *Store) MarkMachineFailed(ctx context.Context, id uuid.UUID, detail string) (*Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`UPDATE machines SET state = $2, last_error = $3, updated_at = now()
		 WHERE id = $1 AND state IN ($4, $5, $6)
		 RETURNING `+machineColumns,
		id, MachineStateFailed, detail,
		MachineStateStarting, MachineStateActive, MachineStateDetached))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.GetMachine(ctx, id)
		}
		return nil, fmt.Errorf("failed to mark machine failed: %w", err)
	}
	return m, nil
}

// ArchiveMachine retires an active or detached machine.
func (s *Store) ArchiveMachine(ctx context.Context, id uuid.UUID) (*Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`UPDATE machines SET state = $2, updated_at = now()
		 WHERE id = $1 AND state IN ($3, $4)
		 RETURNING `+machineColumns,
		id, MachineStateArchived, MachineStateActive, MachineStateDetached))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("machine %s is not archivable", id)
		}
		return nil, fmt.Errorf("failed to archive machine: %w", err)
	}
	return m, nil
}

// CountMachinesByState returns machine counts keyed by state, for metrics.
func (s *Store) CountMachinesByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM machines GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count machines: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
