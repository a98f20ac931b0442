// Package setup seeds a machine with environment configuration and source
// repositories after it boots. Pushes are idempotent: a content fingerprint
// stored as a sentinel file on the machine itself short-circuits repeats, and
// every step is safe to re-run after a partial failure.
package setup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/agentcloud/agentcloud/internal/daemon"
	"github.com/agentcloud/agentcloud/internal/metrics"
)

const (
	// EnvFilePath is where the rendered environment file lands on a machine.
	EnvFilePath = "/home/agent/.agentcloud/env"
	// SentinelPath holds the fingerprint of the last completed setup push.
	SentinelPath = "/home/agent/.agentcloud/setup-fingerprint"

	cloneTimeoutSec = 300
)

// MachineRPC is the slice of the daemon client the pusher needs.
type MachineRPC interface {
	WriteFile(ctx context.Context, path, content, mode string) error
	ReadFile(ctx context.Context, path string) (*daemon.ReadFileResult, error)
	ExecCommand(ctx context.Context, command string, timeoutSec int) (*daemon.ExecResult, error)
}

// Repo describes one repository to clone into the machine.
type Repo struct {
	URL    string
	Branch string
	Path   string
}

// Intent is one distinct setup to deliver: the rendered environment file text
// and the repositories to clone.
type Intent struct {
	EnvText string
	Repos   []Repo
}

// Fingerprint hashes the rendered env file text and the sorted repo path list.
// Sorting makes the fingerprint independent of repo ordering.
func Fingerprint(envText string, repoPaths []string) string {
	paths := append([]string(nil), repoPaths...)
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(envText))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(paths, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// RenderEnvFile renders a key/value map as sorted KEY=VALUE lines.
func RenderEnvFile(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(vars[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Push delivers the intent to one machine. The sentinel is written last, so a
// crash at any earlier point leaves it absent or stale and forces a full
// re-run on retry; individual steps tolerate partially completed prior runs.
// Returns true when the push was skipped because the machine is already set up.
func Push(ctx context.Context, rpc MachineRPC, intent Intent) (skipped bool, err error) {
	paths := make([]string, len(intent.Repos))
	for i, r := range intent.Repos {
		paths[i] = r.Path
	}
	fp := Fingerprint(intent.EnvText, paths)

	sentinel, err := rpc.ReadFile(ctx, SentinelPath)
	if err != nil {
		return false, fmt.Errorf("failed to read setup sentinel: %w", err)
	}
	if sentinel.Exists && strings.TrimSpace(sentinel.Content) == fp {
		metrics.SetupPushesTotal.WithLabelValues("skipped").Inc()
		return true, nil
	}

	// A stale sentinel (crashed prior push) does not mean the env file is
	// stale too; rewriting identical content restarts the in-machine
	// supervisor for nothing, so compare before writing.
	current, err := rpc.ReadFile(ctx, EnvFilePath)
	if err != nil {
		return false, fmt.Errorf("failed to read env file: %w", err)
	}
	if !current.Exists || current.Content != intent.EnvText {
		if err := rpc.WriteFile(ctx, EnvFilePath, intent.EnvText, "0600"); err != nil {
			metrics.SetupPushesTotal.WithLabelValues("failed").Inc()
			return false, fmt.Errorf("failed to write env file: %w", err)
		}
	}

	for _, repo := range intent.Repos {
		if err := cloneRepo(ctx, rpc, repo); err != nil {
			metrics.SetupPushesTotal.WithLabelValues("failed").Inc()
			return false, err
		}
	}

	if err := rpc.WriteFile(ctx, SentinelPath, fp, "0600"); err != nil {
		metrics.SetupPushesTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("failed to write setup sentinel: %w", err)
	}

	metrics.SetupPushesTotal.WithLabelValues("pushed").Inc()
	return false, nil
}

// cloneRepo clones one repository, skipping work a prior attempt completed.
func cloneRepo(ctx context.Context, rpc MachineRPC, repo Repo) error {
	parent := path.Dir(repo.Path)
	if _, err := rpc.ExecCommand(ctx, "mkdir -p "+shellQuote(parent), 30); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	// A .git directory means a prior attempt already cloned this repo.
	check, err := rpc.ExecCommand(ctx, "test -d "+shellQuote(repo.Path+"/.git"), 30)
	if err != nil {
		return fmt.Errorf("failed to check for existing clone at %s: %w", repo.Path, err)
	}
	if check.ExitCode == 0 {
		return nil
	}

	cmd := fmt.Sprintf("git clone --branch %s %s %s",
		shellQuote(repo.Branch), shellQuote(repo.URL), shellQuote(repo.Path))
	result, err := rpc.ExecCommand(ctx, cmd, cloneTimeoutSec)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", repo.URL, err)
	}
	if result.ExitCode == 0 {
		return nil
	}

	// Branch-qualified clone fails on empty repositories with no default
	// branch yet; fall back to an un-branched clone.
	log.Printf("setup: branch clone of %s failed (exit %d), retrying without branch", repo.URL, result.ExitCode)
	fallback := fmt.Sprintf("git clone %s %s", shellQuote(repo.URL), shellQuote(repo.Path))
	result, err = rpc.ExecCommand(ctx, fallback, cloneTimeoutSec)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", repo.URL, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("git clone of %s exited %d", repo.URL, result.ExitCode)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
