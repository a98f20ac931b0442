// Package client is a Go client for the agentcloud control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Machine mirrors the API's machine representation.
type Machine struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Name         string     `json:"name"`
	Provider     string     `json:"provider"`
	State        string     `json:"state"`
	ExternalID   string     `json:"externalId"`
	DaemonStatus *string    `json:"daemonStatus,omitempty"`
	ReadyAt      *time.Time `json:"readyAt,omitempty"`
	LastError    *string    `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// PushResult reports a push-env round.
type PushResult struct {
	Pushed  int `json:"pushed"`
	Skipped int `json:"skipped"`
}

// Client talks to the control plane API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// CreateMachine requests a new machine for a project.
func (c *Client) CreateMachine(ctx context.Context, projectID, name, provider string) (*Machine, error) {
	var m Machine
	err := c.do(ctx, "POST", "/api/machines", map[string]string{
		"projectId": projectID,
		"name":      name,
		"provider":  provider,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMachines lists a project's machines, newest first.
func (c *Client) ListMachines(ctx context.Context, projectID string) ([]Machine, error) {
	var resp struct {
		Machines []Machine `json:"machines"`
	}
	if err := c.do(ctx, "GET", "/api/machines?projectId="+projectID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Machines, nil
}

// GetMachine fetches one machine.
func (c *Client) GetMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "GET", "/api/machines/"+id, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ArchiveMachine retires a machine.
func (c *Client) ArchiveMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "POST", "/api/machines/"+id+"/archive", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PushEnv pushes the project's current env and repos to its active machines.
func (c *Client) PushEnv(ctx context.Context, projectID string) (*PushResult, error) {
	var result PushResult
	if err := c.do(ctx, "POST", "/api/projects/"+projectID+"/push-env", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest != nil {
		return json.NewDecoder(resp.Body).Decode(dest)
	}
	return nil
}
