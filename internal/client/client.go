// Package client talks to a running countersync over its HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"countersync/internal/engine"
)

// Config for the API client.
type Config struct {
	// Addr is the countersync HTTP address (e.g., "localhost:8093").
	// If the value does not start with "http", it is prefixed with "http://".
	Addr string

	// Timeout bounds each call (default 10s).
	Timeout time.Duration
}

// Client queries the countersync HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an API client.
func New(cfg Config) (*Client, error) {
	addr := cfg.Addr
	if addr == "" {
		return nil, fmt.Errorf("Addr is required")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Snapshot returns the cached snapshot, last valid snapshot, and scope.
func (c *Client) Snapshot(ctx context.Context) (*engine.SnapshotResponse, error) {
	var resp engine.SnapshotResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/snapshot", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting snapshot: %w", err)
	}
	return &resp, nil
}

// Refresh invalidates the cache so the next tick fetches.
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/refresh", nil, nil); err != nil {
		return fmt.Errorf("requesting refresh: %w", err)
	}
	return nil
}

// Scope returns the selected group ID (0 is global scope).
func (c *Client) Scope(ctx context.Context) (uint32, error) {
	var resp engine.ScopeRequest
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/scope", nil, &resp); err != nil {
		return 0, fmt.Errorf("getting scope: %w", err)
	}
	return resp.GroupID, nil
}

// SetScope selects a group.
func (c *Client) SetScope(ctx context.Context, groupID uint32) (uint32, error) {
	var resp engine.ScopeRequest
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/scope", engine.ScopeRequest{GroupID: groupID}, &resp); err != nil {
		return 0, fmt.Errorf("setting scope: %w", err)
	}
	return resp.GroupID, nil
}

// ClearScope switches back to global scope.
func (c *Client) ClearScope(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/scope", nil, nil); err != nil {
		return fmt.Errorf("clearing scope: %w", err)
	}
	return nil
}

// SetEngaged sets the engaged flag.
func (c *Client) SetEngaged(ctx context.Context, engaged bool) error {
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/engaged", engine.EngagedRequest{Engaged: engaged}, nil); err != nil {
		return fmt.Errorf("setting engaged: %w", err)
	}
	return nil
}

// APIError represents an error response from the countersync API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response into result when it is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
