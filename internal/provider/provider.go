// Package provider adapts heterogeneous compute backends behind a uniform
// interface: create a machine, delete it, and obtain a network path into it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags a compute backend. Providers are resolved through New with an
// explicit kind — there is no ambient registration.
type Kind string

const (
	KindDaytona Kind = "daytona"
	KindDocker  Kind = "docker"
)

// CreateOpts are the inputs to provisioning one machine.
type CreateOpts struct {
	MachineID string
	Name      string
	EnvVars   map[string]string
}

// CreateResult is the provider's handle for a created machine plus any
// provider-specific metadata, passed through opaquely to the machine record.
type CreateResult struct {
	ExternalID string
	Metadata   json.RawMessage
}

// Provider is the contract consumed by the orchestrator. Create is the only
// call allowed to be slow or flaky; Delete is best-effort at call sites.
type Provider interface {
	Create(ctx context.Context, opts CreateOpts) (*CreateResult, error)
	Delete(ctx context.Context, externalID string) error
	BaseURL(ctx context.Context, externalID string, port int) (string, error)
	Client() *http.Client
}

// Config carries the credentials for all supported backends.
type Config struct {
	DaytonaAPIURL string
	DaytonaAPIKey string
	DockerHost    string
	DockerImage   string
}

// New resolves a provider by kind.
func New(kind Kind, cfg Config) (Provider, error) {
	switch kind {
	case KindDaytona:
		return NewDaytonaProvider(cfg.DaytonaAPIURL, cfg.DaytonaAPIKey)
	case KindDocker:
		return NewDockerProvider(cfg.DockerHost, cfg.DockerImage), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}

// APIError is a non-2xx response from a provider API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a provider error is worth retrying: network
// failures and 5xx/408/429 are transient; any other API status (quota, auth,
// bad request) is permanent.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
