// Package workapi calls the work-tracking service's REST API via HTTP/JSON.
//
// Every call is a GET against {baseURL}{webhookPath}{method}?{query}; the
// webhook path carries the credentials, so it is never logged in full.
// Request returns the raw response body, or "" on any transport failure,
// timeout, or non-2xx status. Callers never see status codes.
package workapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoConnectivity is returned by Get when the service host is unreachable.
var ErrNoConnectivity = errors.New("workapi: no connectivity")

// errOffline is returned without a network call while a recent observation
// within ProbeTTL says the host is down.
var errOffline = fmt.Errorf("%w: host recently unreachable, call skipped", ErrNoConnectivity)

// Config for the work-tracking API client.
type Config struct {
	// BaseURL is the scheme and host, e.g. "https://corp.bitrix24.ru".
	BaseURL string

	// WebhookPath is the credentialed path prefix, e.g. "/rest/356/abcdef/".
	WebhookPath string

	// Timeout bounds a single call (default 5s).
	Timeout time.Duration

	// ProbeTTL is how long a connectivity probe result is reused (default 5s).
	ProbeTTL time.Duration

	Logger *slog.Logger
}

// Client queries the work-tracking service.
type Client struct {
	mu          sync.RWMutex
	baseURL     string
	webhookPath string

	httpClient *http.Client
	probeTTL   time.Duration
	logger     *slog.Logger

	online    atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the last connectivity observation
}

// New creates a client for the work-tracking service.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		baseURL:     normalizeBaseURL(cfg.BaseURL),
		webhookPath: cfg.WebhookPath,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		probeTTL:    cfg.ProbeTTL,
		logger:      cfg.Logger,
	}
	return c, nil
}

// Reload swaps the service address and credentials. In-flight calls finish
// against the old address.
func (c *Client) Reload(baseURL, webhookPath string) {
	c.mu.Lock()
	c.baseURL = normalizeBaseURL(baseURL)
	c.webhookPath = webhookPath
	c.mu.Unlock()
	c.lastProbe.Store(0)
	c.logger.Info("work API credentials reloaded", "base_url", c.baseURL, "webhook", maskPath(webhookPath))
}

// Request issues GET {method}?{query} and returns the body, or "" on failure.
func (c *Client) Request(ctx context.Context, method string, query url.Values) string {
	body, err := c.Get(ctx, method, query)
	if errors.Is(err, errOffline) {
		c.logger.Debug("work API request skipped", "method", method, "error", err)
		return ""
	}
	if err != nil {
		c.logger.Warn("work API request failed", "method", method, "error", err)
		return ""
	}
	return string(body)
}

// Get issues GET {method}?{query} and returns the body or an error.
// Errors never carry the webhook path unmasked.
func (c *Client) Get(ctx context.Context, method string, query url.Values) ([]byte, error) {
	c.mu.RLock()
	base, path := c.baseURL, c.webhookPath
	c.mu.RUnlock()

	if c.recentlyOffline() {
		return nil, errOffline
	}

	reqURL := base + path + method
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	target := base + maskPath(path) + method

	c.logger.Debug("work API call", "method", method, "base_url", base, "webhook", maskPath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %v", target, withoutURL(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cause := withoutURL(err)
		if ctx.Err() == nil && unreachable(cause) {
			c.observe(false)
			return nil, fmt.Errorf("%w: GET %s: %v", ErrNoConnectivity, target, cause)
		}
		return nil, fmt.Errorf("GET %s: %w", target, cause)
	}
	defer resp.Body.Close()
	c.observe(true)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s (expected URL shape {host}/rest/{user}/{code}/{method})",
			method, resp.StatusCode, truncate(string(respBody), 256))
	}
	return respBody, nil
}

// Online reports whether the service host is reachable. A recent request
// outcome is reused for ProbeTTL; otherwise a TCP dial is attempted.
func (c *Client) Online(ctx context.Context) bool {
	last := c.lastProbe.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < c.probeTTL {
		return c.online.Load()
	}

	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()

	addr, err := dialAddr(base)
	if err != nil {
		c.observe(false)
		return false
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Debug("work API host unreachable", "addr", addr, "error", err)
		c.observe(false)
		return false
	}
	_ = conn.Close()
	c.observe(true)
	return true
}

func (c *Client) recentlyOffline() bool {
	last := c.lastProbe.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < c.probeTTL && !c.online.Load()
}

// withoutURL drops the *url.Error wrapper, whose text embeds the full
// request URL and with it the webhook secret.
func withoutURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// unreachable reports whether err means the host could not be reached:
// a dial or socket failure, or a timeout. TLS and protocol errors come
// from a reachable host.
func unreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) observe(online bool) {
	c.online.Store(online)
	c.lastProbe.Store(time.Now().UnixNano())
}

func dialAddr(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", base)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return net.JoinHostPort(u.Hostname(), "443"), nil
}

func normalizeBaseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "https://" + addr
	}
	return addr
}

// maskPath hides the webhook secret, keeping only enough to tell paths apart.
func maskPath(p string) string {
	if len(p) > 15 {
		return p[:8] + "...[masked]"
	}
	return "[webhook]"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
