// Package daemon is the RPC client for the supervisor daemon running inside a
// machine. It exposes the small tool surface the orchestrator needs: file
// reads/writes and shell commands.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RPC issues JSON-RPC calls against a machine's daemon endpoint.
type RPC struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRPC creates a client for the daemon reachable at baseURL. The token is
// the machine access token injected at provision time.
func NewRPC(baseURL, token string, client *http.Client) *RPC {
	if client == nil {
		client = http.DefaultClient
	}
	return &RPC{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// ReadFileResult is the response of tool.readFile.
type ReadFileResult struct {
	Exists  bool   `json:"exists"`
	Content string `json:"content"`
}

// ExecResult is the response of tool.execCommand.
type ExecResult struct {
	ExitCode int `json:"exitCode"`
}

// WriteFile writes content to a path on the machine with the given mode.
func (r *RPC) WriteFile(ctx context.Context, path, content string, mode string) error {
	return r.call(ctx, "tool.writeFile", map[string]string{
		"path": path, "content": content, "mode": mode,
	}, nil)
}

// ReadFile reads a file from the machine. A missing file is not an error;
// the result reports Exists=false.
func (r *RPC) ReadFile(ctx context.Context, path string) (*ReadFileResult, error) {
	var result ReadFileResult
	if err := r.call(ctx, "tool.readFile", map[string]string{"path": path}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecCommand runs a shell command on the machine and returns its exit code.
// A non-zero exit code is not an RPC error; callers decide what it means.
func (r *RPC) ExecCommand(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	var result ExecResult
	err := r.call(ctx, "tool.execCommand", map[string]interface{}{
		"command": command, "timeout": timeoutSec,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *RPC) call(ctx context.Context, method string, params interface{}, dest interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon RPC %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon RPC %s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("daemon RPC %s: %s", method, *envelope.Error)
	}
	if dest != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, dest); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}
