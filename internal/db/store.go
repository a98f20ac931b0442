package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrActiveConflict is returned when a transition would leave two active
// machines for the same project. It signals a genuine concurrent-creation
// race that the caller should surface, not retry silently.
var ErrActiveConflict = errors.New("another machine is already active for this project")

// Store provides data access to the PostgreSQL database. It is the single
// source of truth for machine state; every mutation happens inside a
// transaction, and the outbox is the only channel by which a transaction
// hands off work to be completed after commit.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Project operations ---

type Project struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"orgId"`
	OrgSlug   string    `json:"orgSlug"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}

const projectColumns = `p.id, p.org_id, o.slug, p.name, p.slug, p.created_at`

func scanProject(row pgx.Row) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.OrgID, &p.OrgSlug, &p.Name, &p.Slug, &p.CreatedAt)
	return p, err
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects p JOIN orgs o ON o.id = p.org_id WHERE p.id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("project not found: %w", err)
	}
	return p, nil
}

// GetProjectEnvVars returns the project's plain-text environment variables as
// a flat key/value map.
func (s *Store) GetProjectEnvVars(ctx context.Context, projectID uuid.UUID) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM project_env_vars WHERE project_id = $1 ORDER BY key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list env vars: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		vars[k] = v
	}
	return vars, rows.Err()
}

// Repo describes a source repository linked to a project.
type Repo struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// GetProjectRepos returns the repositories to clone into a project's machines.
func (s *Store) GetProjectRepos(ctx context.Context, projectID uuid.UUID) ([]Repo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url, branch, path FROM project_repos WHERE project_id = $1 ORDER BY path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.URL, &r.Branch, &r.Path); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// --- Machine token operations ---

// GetOrCreateMachineToken returns the project's current machine access token,
// minting one via mint only when no non-revoked token exists. Safe under
// concurrent calls: the partial unique index makes the insert race lose
// cleanly, after which the winner's token is re-read.
func (s *Store) GetOrCreateMachineToken(ctx context.Context, projectID uuid.UUID, mint func() (string, error)) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx,
		`SELECT token FROM machine_tokens WHERE project_id = $1 AND NOT revoked
		 ORDER BY created_at DESC LIMIT 1`, projectID,
	).Scan(&token)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to look up machine token: %w", err)
	}

	minted, err := mint()
	if err != nil {
		return "", fmt.Errorf("failed to mint machine token: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO machine_tokens (project_id, token) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, projectID, minted)
	if err != nil {
		return "", fmt.Errorf("failed to store machine token: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT token FROM machine_tokens WHERE project_id = $1 AND NOT revoked
		 ORDER BY created_at DESC LIMIT 1`, projectID,
	).Scan(&token)
	if err != nil {
		return "", fmt.Errorf("failed to re-read machine token: %w", err)
	}
	return token, nil
}

// RevokeMachineTokens revokes every machine token of a project.
func (s *Store) RevokeMachineTokens(ctx context.Context, projectID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE machine_tokens SET revoked = true WHERE project_id = $1 AND NOT revoked`, projectID)
	if err != nil {
		return fmt.Errorf("failed to revoke machine tokens: %w", err)
	}
	return nil
}
