package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const dockerAppPort = "4000/tcp"

// DockerProvider provisions machines as containers via the Docker Engine API.
// Intended for local development and single-host deployments.
type DockerProvider struct {
	host   string // e.g. "http://localhost:2375"
	image  string
	client *http.Client
}

// NewDockerProvider creates a Docker-backed provider.
func NewDockerProvider(host, image string) *DockerProvider {
	if image == "" {
		image = "agentcloud/machine:latest"
	}
	return &DockerProvider{
		host:   strings.TrimRight(host, "/"),
		image:  image,
		client: defaultHTTPClient(),
	}
}

func (p *DockerProvider) Create(ctx context.Context, opts CreateOpts) (*CreateResult, error) {
	env := make([]string, 0, len(opts.EnvVars))
	for k, v := range opts.EnvVars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	body := map[string]interface{}{
		"Image": p.image,
		"Env":   env,
		"Labels": map[string]string{
			"agentcloud.machine_id": opts.MachineID,
		},
		"ExposedPorts": map[string]struct{}{dockerAppPort: {}},
		"HostConfig": map[string]interface{}{
			"PublishAllPorts": true,
		},
	}
	data, _ := json.Marshal(body)

	createURL := fmt.Sprintf("%s/containers/create?name=%s", p.host, url.QueryEscape(opts.Name))
	var created struct {
		ID string `json:"Id"`
	}
	if err := p.do(ctx, "POST", createURL, data, &created); err != nil {
		return nil, err
	}

	if err := p.do(ctx, "POST", fmt.Sprintf("%s/containers/%s/start", p.host, created.ID), nil, nil); err != nil {
		// The container exists but never started; remove it so retries don't
		// collide on the name.
		_ = p.Delete(ctx, created.ID)
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]string{"image": p.image})
	return &CreateResult{ExternalID: created.ID, Metadata: metadata}, nil
}

func (p *DockerProvider) Delete(ctx context.Context, externalID string) error {
	return p.do(ctx, "DELETE", fmt.Sprintf("%s/containers/%s?force=true", p.host, externalID), nil, nil)
}

// BaseURL inspects the container and returns the host-mapped address of the
// requested port.
func (p *DockerProvider) BaseURL(ctx context.Context, externalID string, port int) (string, error) {
	var inspect struct {
		NetworkSettings struct {
			Ports map[string][]struct {
				HostIP   string `json:"HostIp"`
				HostPort string `json:"HostPort"`
			} `json:"Ports"`
		} `json:"NetworkSettings"`
	}
	if err := p.do(ctx, "GET", fmt.Sprintf("%s/containers/%s/json", p.host, externalID), nil, &inspect); err != nil {
		return "", err
	}

	bindings := inspect.NetworkSettings.Ports[fmt.Sprintf("%d/tcp", port)]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container %s has no binding for port %d", externalID, port)
	}

	hostIP := bindings[0].HostIP
	if hostIP == "" || hostIP == "0.0.0.0" || hostIP == "::" {
		hostIP = "localhost"
	}
	return fmt.Sprintf("http://%s:%s", hostIP, bindings[0].HostPort), nil
}

func (p *DockerProvider) Client() *http.Client {
	return p.client
}

func (p *DockerProvider) do(ctx context.Context, method, reqURL string, body []byte, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("docker API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("failed to parse docker response: %w", err)
		}
	}
	return nil
}
