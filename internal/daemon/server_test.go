package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/dopejs/bgproxy/internal/proxy"
)

func testConfig(t *testing.T, primary, backup string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Listen: "127.0.0.1:0",
		Pool: config.PoolConfig{
			Name: "app",
			Backends: []*config.BackendConfig{
				{Name: "blue", Address: primary, Role: config.RolePrimary},
				{Name: "green", Address: backup, Role: config.RoleBackup},
			},
		},
		Admin: config.AdminConfig{Listen: "127.0.0.1:0"},
		Store: config.StoreConfig{Path: t.TempDir()},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func startTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := NewDaemon(cfg, "test", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func TestDaemonProxiesAndFailsOver(t *testing.T) {
	blue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer blue.Close()
	green := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("green"))
	}))
	defer green.Close()

	d := startTestDaemon(t, testConfig(t, blue.URL, green.URL))

	resp, err := http.Get("http://" + d.ProxyAddr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "green" {
		t.Fatalf("got %d %q, want 200 green", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.HeaderUpstreamBackend) != "green" {
		t.Errorf("identity header = %q", resp.Header.Get(proxy.HeaderUpstreamBackend))
	}

	b, _ := d.Pool().Lookup("blue")
	if b.Status() != proxy.HealthStatusDown {
		t.Errorf("blue status = %s, want down", b.Status())
	}
}

func TestDaemonStatusAPI(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	d := startTestDaemon(t, testConfig(t, backend.URL, backend.URL+"/b"))
	if d.AdminAddr() == "" {
		t.Fatal("admin should be listening")
	}

	resp, err := http.Get("http://" + d.AdminAddr() + "/api/v1/daemon/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "running" || status.Version != "test" {
		t.Errorf("status = %+v", status)
	}
	if status.Pool != "app" || status.Backends != 2 || status.Down != 0 {
		t.Errorf("pool fields = %+v", status)
	}
	if !status.Store || status.HealthChecks {
		t.Errorf("store=%v health_checks=%v", status.Store, status.HealthChecks)
	}
	if status.ProxyAddr != d.ProxyAddr() {
		t.Errorf("proxy_addr = %q, want %q", status.ProxyAddr, d.ProxyAddr())
	}
}

func TestDaemonRecordsAttemptsAndEvents(t *testing.T) {
	blue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer blue.Close()
	green := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer green.Close()

	d := startTestDaemon(t, testConfig(t, blue.URL, green.URL))

	resp, err := http.Get("http://" + d.ProxyAddr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Wait for flush
	time.Sleep(700 * time.Millisecond)

	resp, err = http.Get("http://" + d.AdminAddr() + "/api/v1/attempts")
	if err != nil {
		t.Fatal(err)
	}
	var attempts []proxy.AttemptRecord
	json.NewDecoder(resp.Body).Decode(&attempts)
	resp.Body.Close()
	if len(attempts) != 2 {
		t.Fatalf("stored attempts = %d, want 2", len(attempts))
	}

	resp, err = http.Get("http://" + d.AdminAddr() + "/api/v1/events?hours=1")
	if err != nil {
		t.Fatal(err)
	}
	var events []proxy.Event
	json.NewDecoder(resp.Body).Decode(&events)
	resp.Body.Close()

	seen := map[proxy.EventType]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	if !seen[proxy.EventBackendDown] || !seen[proxy.EventFailover] {
		t.Errorf("stored events = %+v, want backend_down and failover", events)
	}
}

func TestDaemonSendsWebhooks(t *testing.T) {
	var mu sync.Mutex
	var got []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, string(body))
		mu.Unlock()
	}))
	defer hook.Close()

	blue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer blue.Close()
	green := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer green.Close()

	cfg := testConfig(t, blue.URL, green.URL)
	cfg.Webhooks = []*config.WebhookConfig{{
		Name: "ops", URL: hook.URL, Enabled: true,
		Events: []config.WebhookEvent{config.WebhookEventBackendDown},
	}}
	d := startTestDaemon(t, cfg)

	// Let the notifier subscribe.
	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://" + d.ProxyAddr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !strings.Contains(got[0], `"backend_down"`) || !strings.Contains(got[0], `"blue"`) {
		t.Errorf("webhook deliveries = %q", got)
	}
}

func TestDaemonAdminDisabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL, backend.URL+"/b")
	cfg.Admin.Disabled = true
	cfg.Store.Path = ""
	d := startTestDaemon(t, cfg)

	if d.AdminAddr() != "" {
		t.Errorf("admin addr = %q, want none", d.AdminAddr())
	}
	if st := d.Status(); st.Store {
		t.Error("store should be off")
	}
}

func TestDaemonShutdownIsIdempotent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	d, err := NewDaemon(testConfig(t, backend.URL, backend.URL+"/b"), "test", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	addr := d.ProxyAddr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := d.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/"); err == nil {
		t.Error("proxy should stop accepting after shutdown")
	}
}

func TestDaemonRunStopsOnContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	d, err := NewDaemon(testConfig(t, backend.URL, backend.URL+"/b"), "test", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, time.Second) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewDaemonRejectsBadPool(t *testing.T) {
	cfg := &config.Config{Pool: config.PoolConfig{Name: "empty"}}
	cfg.ApplyDefaults()
	if _, err := NewDaemon(cfg, "test", log.New(io.Discard, "", 0)); err == nil {
		t.Error("empty pool should be rejected")
	}
}

func TestRenderService(t *testing.T) {
	out, err := renderService("/usr/local/bin/bgproxy", "/etc/bgproxy.yaml")
	if err != nil {
		t.Skipf("no service manager: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "/usr/local/bin/bgproxy") || !strings.Contains(s, "/etc/bgproxy.yaml") || !strings.Contains(s, "--foreground") {
		t.Errorf("service definition = %s", s)
	}
}
