package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

func newTestProxy(t *testing.T, backends ...*Backend) (*ProxyServer, *testPool) {
	t.Helper()
	tp := newTestSetup(t, testDispatcherConfig(), 1, backends...)
	return NewProxyServer(tp.dispatcher, discardLogger()), tp
}

// TestServeHTTPSuccess tests a successful proxy request.
func TestServeHTTPSuccess(t *testing.T) {
	backend := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"order":7}` {
			t.Errorf("backend got body %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-App-Version", "blue-1.4")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	})

	srv, _ := newTestProxy(t, newTestBackend(t, "blue", backend.URL, config.RolePrimary))

	req := httptest.NewRequest("POST", "/orders", strings.NewReader(`{"order":7}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-App-Version") != "blue-1.4" {
		t.Error("backend headers should be copied")
	}
	if w.Header().Get(HeaderUpstreamBackend) != "blue" ||
		w.Header().Get(HeaderUpstreamRole) != "primary" ||
		w.Header().Get(HeaderUpstreamPool) != "app" {
		t.Errorf("identity headers = %q/%q/%q",
			w.Header().Get(HeaderUpstreamBackend), w.Header().Get(HeaderUpstreamRole), w.Header().Get(HeaderUpstreamPool))
	}
}

func TestServeHTTPFailoverToBackup(t *testing.T) {
	a := newCountingBackend(t, statusHandler(500, "primary exploded"))
	b := newCountingBackend(t, statusHandler(200, "green ok"))
	srv, _ := newTestProxy(t,
		newTestBackend(t, "blue", a.URL, config.RolePrimary),
		newTestBackend(t, "green", b.URL, config.RoleBackup))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 || w.Body.String() != "green ok" {
		t.Fatalf("got %d %q, want 200 from green", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderUpstreamBackend) != "green" || w.Header().Get(HeaderUpstreamRole) != "backup" {
		t.Errorf("identity = %q/%q", w.Header().Get(HeaderUpstreamBackend), w.Header().Get(HeaderUpstreamRole))
	}
}

func TestServeHTTPAllFail(t *testing.T) {
	a := newCountingBackend(t, statusHandler(500, "secret stack trace"))
	b := newCountingBackend(t, statusHandler(503, ""))
	srv, _ := newTestProxy(t,
		newTestBackend(t, "blue", a.URL, config.RolePrimary),
		newTestBackend(t, "green", b.URL, config.RoleBackup))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("502 body not JSON: %v", err)
	}
	if body.Error.Type != "bad_gateway" || body.Error.Message != "upstream unavailable" {
		t.Errorf("error body = %+v", body.Error)
	}
	for _, leak := range []string{"blue", "green", "secret", a.URL} {
		if strings.Contains(w.Body.String(), leak) {
			t.Errorf("502 body leaks %q", leak)
		}
	}
	if w.Header().Get(HeaderUpstreamBackend) != "" {
		t.Error("identity headers must not be set on 502")
	}
}

func TestServeHTTPBodyTooLarge(t *testing.T) {
	backend := newCountingBackend(t, statusHandler(200, "ok"))
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))
	srv.MaxBodyBytes = 8

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader("0123456789")))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if backend.hits.Load() != 0 {
		t.Error("oversized request must not reach a backend")
	}
}

func TestServeHTTPIdentityHeadersDisabled(t *testing.T) {
	backend := newCountingBackend(t, statusHandler(200, "ok"))
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))
	srv.IdentityHeaders = false

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get(HeaderUpstreamBackend) != "" {
		t.Error("identity headers should be omitted when disabled")
	}
}

func TestServeHTTPStripsHopHeadersFromResponse(t *testing.T) {
	backend := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "X-Internal")
		w.Header().Set("X-Internal", "hop")
		w.Header().Set("X-Public", "end")
		w.Write([]byte("ok"))
	})
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get("X-Internal") != "" {
		t.Error("header named in Connection should be stripped")
	}
	if w.Header().Get("X-Public") != "end" {
		t.Error("end-to-end header should be kept")
	}
}

// TestServeHTTPStreaming checks that SSE chunks reach the client before the
// backend finishes.
func TestServeHTTPStreaming(t *testing.T) {
	release := make(chan struct{})
	backend := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "data: second\n\n")
	})
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))
	front := httptest.NewServer(srv)
	defer front.Close()

	resp, err := http.Get(front.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != "data: first\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	close(release)

	rest, _ := io.ReadAll(reader)
	if !strings.Contains(string(rest), "data: second") {
		t.Errorf("rest = %q, want second event", rest)
	}
}

func TestServeHTTPAbortsOnBrokenUpstreamBody(t *testing.T) {
	backend := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(200)
		w.Write([]byte("only part"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))
	front := httptest.NewServer(srv)
	defer front.Close()

	resp, err := http.Get(front.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("client should see a truncated response, not a clean end")
	}
}

func TestServeHTTPClientGoneIsSilent(t *testing.T) {
	entered := make(chan struct{})
	backend := newCountingBackend(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})
	backendA := newTestBackend(t, "a", backend.URL, config.RolePrimary)
	srv, _ := newTestProxy(t, backendA)
	front := httptest.NewServer(srv)
	defer front.Close()

	client := &http.Client{Timeout: 200 * time.Millisecond}
	if _, err := client.Get(front.URL); err == nil {
		t.Fatal("expected client timeout")
	}
	<-entered

	// Give the proxy a moment to observe the disconnect.
	time.Sleep(100 * time.Millisecond)
	if backendA.Status() != HealthStatusHealthy {
		t.Error("client disconnect must not mark the backend unhealthy")
	}
}

func TestStartProxy(t *testing.T) {
	backend := newCountingBackend(t, statusHandler(200, "hi"))
	srv, _ := newTestProxy(t, newTestBackend(t, "a", backend.URL, config.RolePrimary))

	httpSrv, addr, err := StartProxy(srv, "127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	defer httpSrv.Close()
	if strings.HasSuffix(addr, ":0") {
		t.Fatalf("expected a bound port, got %s", addr)
	}

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Errorf("body = %q", body)
	}
}
