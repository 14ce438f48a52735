package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/supreme-majesty/siteward/pkg/adapters"
	"github.com/supreme-majesty/siteward/pkg/daemon/metrics"
	"github.com/supreme-majesty/siteward/pkg/healer"
	"github.com/supreme-majesty/siteward/pkg/lifecycle"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Remediation != "" {
		return fmt.Sprintf("%s (try: %s)", e.ErrorResponse.Error, e.Remediation)
	}
	return e.ErrorResponse.Error
}

// Client talks to a running daemon.
type Client struct {
	BaseURL string
	http    *http.Client
}

// NewClient accepts a bare host:port or a URL.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL: strings.TrimRight(addr, "/"),
		// Create clones and installs; give it room.
		http: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sitePath(domain, action string) string {
	p := "/api/sites/" + url.PathEscape(domain)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) Sites(ctx context.Context) ([]lifecycle.SiteStatus, error) {
	var out []lifecycle.SiteStatus
	err := c.do(ctx, http.MethodGet, "/api/sites", nil, &out)
	return out, err
}

func (c *Client) Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.Result, error) {
	var out lifecycle.Result
	if err := c.do(ctx, http.MethodPost, "/api/sites", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, domain string) (*lifecycle.Result, error) {
	var out lifecycle.Result
	if err := c.do(ctx, http.MethodPost, sitePath(domain, "update"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, domain string, purge bool) (*lifecycle.Result, error) {
	path := sitePath(domain, "")
	if purge {
		path += "?purge=1"
	}
	var out lifecycle.Result
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Run(ctx context.Context, domain, command string) (*lifecycle.Result, error) {
	var out lifecycle.Result
	if err := c.do(ctx, http.MethodPost, sitePath(domain, "run"), RunRequest{Command: command}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stop(ctx context.Context, domain string) (*lifecycle.Result, error) {
	var out lifecycle.Result
	if err := c.do(ctx, http.MethodPost, sitePath(domain, "stop"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, domain string) (*lifecycle.SiteStatus, error) {
	var out lifecycle.SiteStatus
	if err := c.do(ctx, http.MethodGet, sitePath(domain, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Config(ctx context.Context, domain string) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, sitePath(domain, "config"), nil, &out); err != nil {
		return "", err
	}
	return out["config"], nil
}

func (c *Client) Logs(ctx context.Context, domain string, lines int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	path := sitePath(domain, "logs") + "?lines=" + strconv.Itoa(lines)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

func (c *Client) Metrics(ctx context.Context) (*metrics.Stats, error) {
	var out metrics.Stats
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*adapters.SystemHealth, error) {
	var out adapters.SystemHealth
	if err := c.do(ctx, http.MethodGet, "/api/system/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Issues(ctx context.Context, domain string) ([]healer.Issue, error) {
	path := "/api/issues"
	if domain != "" {
		path += "?domain=" + url.QueryEscape(domain)
	}
	var out []healer.Issue
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) DismissIssue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/issues/"+url.PathEscape(id)+"/dismiss", nil, nil)
}
