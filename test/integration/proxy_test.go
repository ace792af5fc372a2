//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func (tc *TestConfig) proxyURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", tc.ProxyPort, path)
}

func (tc *TestConfig) adminGet(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", tc.AdminPort, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: %d %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

// =============================================================================
// Test: Basic Proxy Routing
// =============================================================================

// TestProxy_ShouldRouteToPrimary verifies that a healthy primary receives the
// request unchanged along with the forwarding headers.
func TestProxy_ShouldRouteToPrimary(t *testing.T) {
	tc := setupTest(t)

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/items" || r.URL.RawQuery != "page=2" {
			t.Errorf("unexpected target: %s", r.URL)
		}
		if r.Header.Get("X-Forwarded-For") == "" || r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing forwarding headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer primary.Close()

	tc.writeConfig(t, primary.URL, "http://127.0.0.1:2", "")
	cmd := tc.startForeground(t)
	defer cmd.Process.Kill()

	resp, err := http.Post(tc.proxyURL("/v1/items?page=2"), "application/json", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != `{"a":1}` {
		t.Errorf("got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Upstream-Backend") != "blue" {
		t.Errorf("X-Upstream-Backend = %q", resp.Header.Get("X-Upstream-Backend"))
	}
}

// =============================================================================
// Test: Failover
// =============================================================================

// TestProxy_ShouldFailoverToBackup verifies that a failing primary is marked
// down and skipped until its cool-down elapses.
func TestProxy_ShouldFailoverToBackup(t *testing.T) {
	tc := setupTest(t)

	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("backup:"), body...))
	}))
	defer backup.Close()

	tc.writeConfig(t, primary.URL, backup.URL, "health: {fail_timeout: 30s}\n")
	cmd := tc.startForeground(t)
	defer cmd.Process.Kill()

	for i := 0; i < 3; i++ {
		resp, err := http.Post(tc.proxyURL("/"), "text/plain", bytes.NewReader([]byte("hi")))
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "backup:hi" {
			t.Fatalf("request %d: got %d %q", i, resp.StatusCode, body)
		}
	}
	if n := primaryHits.Load(); n != 1 {
		t.Errorf("primary hit %d times, want 1 (down after first failure)", n)
	}

	var pool struct {
		Backends []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"backends"`
	}
	tc.adminGet(t, "/api/v1/pool", &pool)
	if len(pool.Backends) != 2 || pool.Backends[0].Status != "down" || pool.Backends[1].Status != "healthy" {
		t.Errorf("pool = %+v", pool)
	}

	// Wait for flush
	time.Sleep(700 * time.Millisecond)
	var events []struct {
		Type string `json:"type"`
	}
	tc.adminGet(t, "/api/v1/events?hours=1", &events)
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	if !seen["backend_down"] || !seen["failover"] {
		t.Errorf("events = %+v", events)
	}
}

// =============================================================================
// Test: All Backends Fail
// =============================================================================

// TestProxy_ShouldReturnBadGatewayWhenAllFail verifies that exhaustion
// yields a generic 502 without identity headers.
func TestProxy_ShouldReturnBadGatewayWhenAllFail(t *testing.T) {
	tc := setupTest(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream detail"))
	}))
	defer failing.Close()

	tc.writeConfig(t, failing.URL, failing.URL+"/b", "")
	cmd := tc.startForeground(t)
	defer cmd.Process.Kill()

	resp, err := http.Get(tc.proxyURL("/"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if strings.Contains(string(body), "upstream detail") {
		t.Error("upstream body leaked into the failure response")
	}
	if resp.Header.Get("X-Upstream-Backend") != "" {
		t.Error("identity header set on failure")
	}
}

// TestProxy_ShouldPassThroughNonRetryableStatus verifies that a 404 from the
// primary is returned as-is without failover.
func TestProxy_ShouldPassThroughNonRetryableStatus(t *testing.T) {
	tc := setupTest(t)

	var backupHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupHits.Add(1)
	}))
	defer backup.Close()

	tc.writeConfig(t, primary.URL, backup.URL, "")
	cmd := tc.startForeground(t)
	defer cmd.Process.Kill()

	resp, err := http.Get(tc.proxyURL("/missing"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if backupHits.Load() != 0 {
		t.Error("backup should not be tried for a 404")
	}
}

// TestProxy_ShouldHandleStreamingResponse verifies that chunked responses
// are streamed through.
func TestProxy_ShouldHandleStreamingResponse(t *testing.T) {
	tc := setupTest(t)

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: %d\n\n", i)
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer primary.Close()

	tc.writeConfig(t, primary.URL, "http://127.0.0.1:2", "")
	cmd := tc.startForeground(t)
	defer cmd.Process.Kill()

	resp, err := http.Get(tc.proxyURL("/stream"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if got := strings.Count(string(body), "data: "); got != 3 {
		t.Errorf("got %d events: %q", got, body)
	}
}
