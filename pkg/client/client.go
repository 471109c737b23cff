package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client provides HTTP client functionality to communicate with a vigil daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8245/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new vigil API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8245/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Status returns the daemon's current snapshot of the backend
func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, c.baseURL+"/status", &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Start asks the daemon to start the backend
func (c *Client) Start(ctx context.Context) error {
	c.logger.Debug("Starting backend")
	return c.doRequest(ctx, "POST", c.baseURL+"/start")
}

// Stop asks the daemon to stop the backend. A positive wait bounds how long
// the daemon holds the reply while the backend shuts down.
func (c *Client) Stop(ctx context.Context, wait time.Duration) error {
	c.logger.Debug("Stopping backend", "wait", wait)

	url := c.baseURL + "/stop"
	if wait > 0 {
		url += "?wait=" + wait.String()
	}
	return c.doRequest(ctx, "POST", url)
}

// Restart asks the daemon to restart the backend
func (c *Client) Restart(ctx context.Context) error {
	c.logger.Debug("Restarting backend")
	return c.doRequest(ctx, "POST", c.baseURL+"/restart")
}

// CheckUpdate asks the daemon to query the update feed. The outcome lands in
// the snapshot's update field; poll Status to observe it.
func (c *Client) CheckUpdate(ctx context.Context) error {
	c.logger.Debug("Requesting update check")
	return c.doRequest(ctx, "POST", c.baseURL+"/update/check")
}

// DownloadUpdate asks the daemon to download the available update artifact
func (c *Client) DownloadUpdate(ctx context.Context) error {
	c.logger.Debug("Requesting update download")
	return c.doRequest(ctx, "POST", c.baseURL+"/update/download")
}

// ApplyUpdate asks the daemon to stop the backend and hand the downloaded
// artifact to the installer
func (c *Client) ApplyUpdate(ctx context.Context) error {
	c.logger.Debug("Requesting update apply")
	return c.doRequest(ctx, "POST", c.baseURL+"/update/apply")
}

// Resources returns the daemon's resource usage of the backend. The endpoint
// exists only when the daemon runs with resource sampling enabled.
func (c *Client) Resources(ctx context.Context) (Resources, error) {
	var res Resources
	if err := c.getJSON(ctx, c.baseURL+"/resources", &res); err != nil {
		return Resources{}, err
	}
	return res, nil
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, method, url string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleErrorResponse(resp)
}

// getJSON performs a GET request and decodes the response body
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
