package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DaytonaProvider provisions machines as Daytona sandboxes over its REST API.
type DaytonaProvider struct {
	apiURL string
	apiKey string
	client *http.Client
}

// NewDaytonaProvider creates a Daytona-backed provider.
func NewDaytonaProvider(apiURL, apiKey string) (*DaytonaProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("daytona API key is required")
	}
	return &DaytonaProvider{
		apiURL: apiURL,
		apiKey: apiKey,
		client: defaultHTTPClient(),
	}, nil
}

func (p *DaytonaProvider) Create(ctx context.Context, opts CreateOpts) (*CreateResult, error) {
	body := map[string]interface{}{
		"name": opts.Name,
		"env":  opts.EnvVars,
		"labels": map[string]string{
			"agentcloud.machine_id": opts.MachineID,
		},
	}

	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", p.apiURL+"/sandbox", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daytona API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read daytona response: %w", err)
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode daytona response: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("daytona response missing sandbox id")
	}

	return &CreateResult{ExternalID: result.ID, Metadata: raw}, nil
}

func (p *DaytonaProvider) Delete(ctx context.Context, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", p.apiURL+"/sandbox/"+externalID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("daytona API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// BaseURL resolves the preview URL for a port inside the sandbox.
func (p *DaytonaProvider) BaseURL(ctx context.Context, externalID string, port int) (string, error) {
	url := fmt.Sprintf("%s/sandbox/%s/ports/%d/preview-url", p.apiURL, externalID, port)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daytona API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode preview URL response: %w", err)
	}
	return result.URL, nil
}

func (p *DaytonaProvider) Client() *http.Client {
	return p.client
}
