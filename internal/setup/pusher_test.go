package setup

import (
	"context"
	"strings"
	"testing"

	"github.com/agentcloud/agentcloud/internal/daemon"
)

// fakeRPC simulates a machine's daemon: an in-memory filesystem plus a
// scripted response for exec commands.
type fakeRPC struct {
	files    map[string]string
	writes   []string
	commands []string
	execFunc func(command string) int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{files: make(map[string]string)}
}

func (f *fakeRPC) WriteFile(_ context.Context, path, content, _ string) error {
	f.files[path] = content
	f.writes = append(f.writes, path)
	return nil
}

func (f *fakeRPC) ReadFile(_ context.Context, path string) (*daemon.ReadFileResult, error) {
	content, ok := f.files[path]
	return &daemon.ReadFileResult{Exists: ok, Content: content}, nil
}

func (f *fakeRPC) ExecCommand(_ context.Context, command string, _ int) (*daemon.ExecResult, error) {
	f.commands = append(f.commands, command)
	code := 0
	if f.execFunc != nil {
		code = f.execFunc(command)
	}
	return &daemon.ExecResult{ExitCode: code}, nil
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := Fingerprint("A=1\n", []string{"/r2", "/r1"})
	b := Fingerprint("A=1\n", []string{"/r1", "/r2"})
	if a != b {
		t.Errorf("fingerprint depends on repo path order: %s != %s", a, b)
	}
}

func TestFingerprint_SensitiveToContent(t *testing.T) {
	a := Fingerprint("A=1\n", []string{"/r1"})
	b := Fingerprint("A=2\n", []string{"/r1"})
	if a == b {
		t.Error("fingerprint did not change with env content")
	}
	c := Fingerprint("A=1\n", []string{"/r1", "/r2"})
	if a == c {
		t.Error("fingerprint did not change with repo list")
	}
}

func TestRenderEnvFile_Sorted(t *testing.T) {
	text := RenderEnvFile(map[string]string{"B": "2", "A": "1"})
	if text != "A=1\nB=2\n" {
		t.Errorf("unexpected env file text %q", text)
	}
}

func TestPush_FullRun(t *testing.T) {
	rpc := newFakeRPC()
	// No .git directory exists yet.
	rpc.execFunc = func(cmd string) int {
		if strings.HasPrefix(cmd, "test -d") {
			return 1
		}
		return 0
	}

	intent := Intent{
		EnvText: "A=1\n",
		Repos:   []Repo{{URL: "https://example.com/repo.git", Branch: "main", Path: "/home/agent/repo"}},
	}
	skipped, err := Push(context.Background(), rpc, intent)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if skipped {
		t.Fatal("first push must not be skipped")
	}

	if rpc.files[EnvFilePath] != "A=1\n" {
		t.Errorf("env file not written, got %q", rpc.files[EnvFilePath])
	}
	if rpc.files[SentinelPath] != Fingerprint("A=1\n", []string{"/home/agent/repo"}) {
		t.Errorf("sentinel content mismatch: %q", rpc.files[SentinelPath])
	}

	var cloned bool
	for _, cmd := range rpc.commands {
		if strings.HasPrefix(cmd, "git clone --branch 'main'") {
			cloned = true
		}
	}
	if !cloned {
		t.Errorf("expected a branch-qualified clone, commands: %v", rpc.commands)
	}
}

func TestPush_IdempotentShortCircuit(t *testing.T) {
	rpc := newFakeRPC()
	intent := Intent{EnvText: "A=1\n"}
	rpc.files[SentinelPath] = Fingerprint("A=1\n", nil)

	skipped, err := Push(context.Background(), rpc, intent)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if !skipped {
		t.Fatal("push with matching sentinel must be skipped")
	}
	if len(rpc.commands) != 0 {
		t.Errorf("skipped push must perform zero writes, ran: %v", rpc.commands)
	}
	if _, ok := rpc.files[EnvFilePath]; ok {
		t.Error("skipped push must not write the env file")
	}
}

func TestPush_SkipsEnvWriteWhenContentMatches(t *testing.T) {
	// A crashed prior push left the env file current but the sentinel stale;
	// the retry must not rewrite identical content.
	rpc := newFakeRPC()
	rpc.files[EnvFilePath] = "A=1\n"
	rpc.files[SentinelPath] = "stale-fingerprint"

	intent := Intent{EnvText: "A=1\n"}
	skipped, err := Push(context.Background(), rpc, intent)
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if skipped {
		t.Fatal("stale sentinel must force a full run, not a skip")
	}

	for _, path := range rpc.writes {
		if path == EnvFilePath {
			t.Error("identical env file content must not be rewritten")
		}
	}
	if rpc.files[SentinelPath] != Fingerprint("A=1\n", nil) {
		t.Errorf("sentinel not repaired: %q", rpc.files[SentinelPath])
	}
}

func TestPush_SkipsExistingClone(t *testing.T) {
	rpc := newFakeRPC()
	rpc.execFunc = func(cmd string) int {
		if strings.HasPrefix(cmd, "test -d") {
			return 0 // .git already present from a prior partial run
		}
		return 0
	}

	intent := Intent{
		EnvText: "A=1\n",
		Repos:   []Repo{{URL: "https://example.com/repo.git", Branch: "main", Path: "/home/agent/repo"}},
	}
	if _, err := Push(context.Background(), rpc, intent); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	for _, cmd := range rpc.commands {
		if strings.HasPrefix(cmd, "git clone") {
			t.Errorf("must not re-clone an existing repo, ran: %s", cmd)
		}
	}
	// Sentinel still written so the next push short-circuits.
	if _, ok := rpc.files[SentinelPath]; !ok {
		t.Error("sentinel missing after successful push")
	}
}

func TestPush_BranchCloneFallsBack(t *testing.T) {
	rpc := newFakeRPC()
	rpc.execFunc = func(cmd string) int {
		switch {
		case strings.HasPrefix(cmd, "test -d"):
			return 1
		case strings.HasPrefix(cmd, "git clone --branch"):
			return 128 // empty repository, no default branch
		default:
			return 0
		}
	}

	intent := Intent{
		EnvText: "A=1\n",
		Repos:   []Repo{{URL: "https://example.com/empty.git", Branch: "main", Path: "/home/agent/empty"}},
	}
	if _, err := Push(context.Background(), rpc, intent); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	var fallback bool
	for _, cmd := range rpc.commands {
		if strings.HasPrefix(cmd, "git clone '") {
			fallback = true
		}
	}
	if !fallback {
		t.Errorf("expected un-branched fallback clone, commands: %v", rpc.commands)
	}
}

func TestPush_SentinelWrittenLast(t *testing.T) {
	rpc := newFakeRPC()
	rpc.execFunc = func(cmd string) int {
		if strings.HasPrefix(cmd, "test -d") {
			return 1
		}
		if strings.HasPrefix(cmd, "git clone") {
			return 1 // every clone attempt fails
		}
		return 0
	}

	intent := Intent{
		EnvText: "A=1\n",
		Repos:   []Repo{{URL: "https://example.com/repo.git", Branch: "main", Path: "/home/agent/repo"}},
	}
	if _, err := Push(context.Background(), rpc, intent); err == nil {
		t.Fatal("expected push to fail when cloning fails")
	}
	if _, ok := rpc.files[SentinelPath]; ok {
		t.Error("sentinel must not be written after a failed step")
	}
}
