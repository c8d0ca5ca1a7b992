package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/orchestrator"
)

// Client provides typed access to the racer API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8001"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status   int
	Category string
	Message  string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		category, msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Category: category, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	if body == nil {
		return "", ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		msg = strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(payload.Error), msg
}

// Run deploys a project from a local path or git URL.
func (c *Client) Run(ctx context.Context, req orchestrator.RunRequest) (orchestrator.RunResult, error) {
	var resp orchestrator.RunResult
	if err := c.do(ctx, http.MethodPost, "/containers/run", req, &resp); err != nil {
		return orchestrator.RunResult{}, err
	}
	return resp, nil
}

// Containers lists every tracked instance, refreshed against the runtime.
func (c *Client) Containers(ctx context.Context) ([]domain.Instance, error) {
	var resp struct {
		Containers []domain.Instance `json:"containers"`
	}
	if err := c.do(ctx, http.MethodGet, "/containers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// Stop halts a deployment by project id, project name, or container id.
func (c *Client) Stop(ctx context.Context, identifier string) (orchestrator.OpResult, error) {
	path := fmt.Sprintf("/containers/%s/stop", url.PathEscape(identifier))
	var resp orchestrator.OpResult
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return orchestrator.OpResult{}, err
	}
	return resp, nil
}

// Remove force-removes a deployment's container and registry record.
func (c *Client) Remove(ctx context.Context, identifier string) (orchestrator.OpResult, error) {
	path := fmt.Sprintf("/containers/%s", url.PathEscape(identifier))
	var resp orchestrator.OpResult
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return orchestrator.OpResult{}, err
	}
	return resp, nil
}

// Status reports the live state of a deployment.
func (c *Client) Status(ctx context.Context, identifier string) (orchestrator.StatusResult, error) {
	body := map[string]string{"identifier": identifier}
	var resp orchestrator.StatusResult
	if err := c.do(ctx, http.MethodPost, "/project/status", body, &resp); err != nil {
		return orchestrator.StatusResult{}, err
	}
	return resp, nil
}

// Logs fetches up to tail lines of instance output.
func (c *Client) Logs(ctx context.Context, identifier string, tail int) (orchestrator.LogsResult, error) {
	path := fmt.Sprintf("/containers/%s/logs", url.PathEscape(identifier))
	if tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	var resp orchestrator.LogsResult
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return orchestrator.LogsResult{}, err
	}
	return resp, nil
}

// Rerun stops a deployment and starts a fresh instance of it.
func (c *Client) Rerun(ctx context.Context, identifier string, rebuild bool) (orchestrator.RerunResult, error) {
	body := map[string]any{"identifier": identifier, "rebuild": rebuild}
	var resp orchestrator.RerunResult
	if err := c.do(ctx, http.MethodPost, "/project/rerun", body, &resp); err != nil {
		return orchestrator.RerunResult{}, err
	}
	return resp, nil
}

// Scale sets the absolute replica count for a deployment.
func (c *Client) Scale(ctx context.Context, req orchestrator.ScaleRequest) (orchestrator.ScaleResult, error) {
	var resp orchestrator.ScaleResult
	if err := c.do(ctx, http.MethodPost, "/project/scale", req, &resp); err != nil {
		return orchestrator.ScaleResult{}, err
	}
	return resp, nil
}

// ScaleUp raises a replica group's count by delta.
func (c *Client) ScaleUp(ctx context.Context, name string, delta int) (orchestrator.ScaleResult, error) {
	body := map[string]any{"name": name, "delta": delta}
	var resp orchestrator.ScaleResult
	if err := c.do(ctx, http.MethodPost, "/project/scale-up", body, &resp); err != nil {
		return orchestrator.ScaleResult{}, err
	}
	return resp, nil
}

// ScaleDown lowers a replica group's count by delta.
func (c *Client) ScaleDown(ctx context.Context, name string, delta int) (orchestrator.ScaleResult, error) {
	body := map[string]any{"name": name, "delta": delta}
	var resp orchestrator.ScaleResult
	if err := c.do(ctx, http.MethodPost, "/project/scale-down", body, &resp); err != nil {
		return orchestrator.ScaleResult{}, err
	}
	return resp, nil
}

// Cleanup removes every tracked instance that is no longer running.
func (c *Client) Cleanup(ctx context.Context) (orchestrator.CleanupResult, error) {
	var resp orchestrator.CleanupResult
	if err := c.do(ctx, http.MethodPost, "/containers/cleanup", nil, &resp); err != nil {
		return orchestrator.CleanupResult{}, err
	}
	return resp, nil
}

// List returns the merged deployment view of instances and replica groups.
func (c *Client) List(ctx context.Context) (orchestrator.ListResult, error) {
	var resp orchestrator.ListResult
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &resp); err != nil {
		return orchestrator.ListResult{}, err
	}
	return resp, nil
}

// Services lists the live state of every replica group.
func (c *Client) Services(ctx context.Context) ([]domain.GroupState, error) {
	var resp struct {
		Services []domain.GroupState `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/swarm/services", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// ServiceStatus returns the live state of one replica group.
func (c *Client) ServiceStatus(ctx context.Context, name string) (domain.GroupState, error) {
	path := fmt.Sprintf("/swarm/service/%s/status", url.PathEscape(name))
	var resp struct {
		Service domain.GroupState `json:"service"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.GroupState{}, err
	}
	return resp.Service, nil
}

// ServiceLogs fetches aggregated output across a group's replicas.
func (c *Client) ServiceLogs(ctx context.Context, name string, tail int) (orchestrator.LogsResult, error) {
	path := fmt.Sprintf("/swarm/service/%s/logs", url.PathEscape(name))
	if tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	var resp orchestrator.LogsResult
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return orchestrator.LogsResult{}, err
	}
	return resp, nil
}

// ServiceRemove deletes a replica group.
func (c *Client) ServiceRemove(ctx context.Context, name string) (orchestrator.OpResult, error) {
	path := fmt.Sprintf("/swarm/service/%s", url.PathEscape(name))
	var resp orchestrator.OpResult
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return orchestrator.OpResult{}, err
	}
	return resp, nil
}

// Validate checks a project directory without deploying it.
func (c *Client) Validate(ctx context.Context, path string) (manifest.Result, error) {
	body := map[string]string{"path": path}
	var resp struct {
		Result manifest.Result `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/validate", body, &resp); err != nil {
		return manifest.Result{}, err
	}
	return resp.Result, nil
}

// Dockerfile renders the build spec the server would generate for a project.
func (c *Client) Dockerfile(ctx context.Context, path string, customSteps []string) (string, error) {
	body := map[string]any{"path": path, "custom_steps": customSteps}
	var resp struct {
		Dockerfile string `json:"dockerfile"`
	}
	if err := c.do(ctx, http.MethodPost, "/dockerfile", body, &resp); err != nil {
		return "", err
	}
	return resp.Dockerfile, nil
}

// Health reports server component health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		var apiErr APIError
		// A degraded server answers 503 with the same payload shape.
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
			return map[string]any{"status": "degraded", "message": apiErr.Message}, nil
		}
		return nil, err
	}
	return resp, nil
}
