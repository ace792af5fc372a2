package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dopejs/bgproxy/internal/proxy"
)

// Client reads the admin API. Loopback callers need no session.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the admin API at baseURL
// (e.g. "http://127.0.0.1:19850").
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Get decodes the JSON body of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", path, e.Error)
		}
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

// Pool fetches the live pool snapshot.
func (c *Client) Pool(ctx context.Context) (*PoolResponse, error) {
	var resp PoolResponse
	if err := c.Get(ctx, "/api/v1/pool", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events fetches the recent in-memory events.
func (c *Client) Events(ctx context.Context) ([]proxy.Event, error) {
	var events []proxy.Event
	if err := c.Get(ctx, "/api/v1/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Metrics fetches per-backend aggregates over the last hours.
func (c *Client) Metrics(ctx context.Context, hours int) (map[string]*proxy.BackendMetrics, error) {
	var m map[string]*proxy.BackendMetrics
	q := url.Values{"hours": {fmt.Sprint(hours)}}
	if err := c.Get(ctx, "/api/v1/metrics?"+q.Encode(), &m); err != nil {
		return nil, err
	}
	return m, nil
}
