package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
	"github.com/dopejs/bgproxy/internal/notify"
	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/dopejs/bgproxy/internal/web"
)

// Daemon hosts the proxy listener together with the admin API, the active
// health checker, the metrics store and webhook delivery.
type Daemon struct {
	cfg     *config.Config
	logger  *log.Logger
	version string

	events     *proxy.EventBus
	pool       *proxy.Pool
	tracker    *proxy.HealthTracker
	dispatcher *proxy.Dispatcher
	handler    *proxy.ProxyServer
	checker    *proxy.HealthChecker
	store      *proxy.LogDB
	notifier   *notify.WebhookDispatcher

	proxyServer *http.Server
	admin       *web.Server

	stopStore   func()
	stopCleanup chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	startTime time.Time
	proxyAddr string
	adminAddr string

	shutdownOnce sync.Once
}

// NewDaemon builds every component from cfg without binding any port.
func NewDaemon(cfg *config.Config, version string, logger *log.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		version: version,
		events:  proxy.NewEventBus(),
	}

	pool, err := proxy.NewPoolFromConfig(&cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	d.pool = pool
	d.tracker = proxy.NewHealthTracker(cfg.Health.MaxFails, cfg.Health.FailTimeout.D(), d.events)

	d.dispatcher = proxy.NewDispatcher(pool, d.tracker, proxy.DispatcherConfigFrom(cfg), logger)
	d.dispatcher.Events = d.events

	d.handler = proxy.NewProxyServer(d.dispatcher, logger)
	d.handler.MaxBodyBytes = cfg.Proxy.MaxBodyBytes
	d.handler.IdentityHeaders = cfg.Proxy.IdentityHeadersEnabled()

	if hc := cfg.HealthCheck; hc != nil && hc.Enabled {
		d.checker = proxy.NewHealthChecker(pool, d.tracker, *hc, cfg.Retry.Statuses, logger)
	}

	if len(cfg.Webhooks) > 0 {
		d.notifier = notify.NewWebhookDispatcher(cfg.Webhooks, logger)
	}

	return d, nil
}

// Start opens the store, binds the proxy and admin listeners and starts the
// background workers. It does not block.
func (d *Daemon) Start() error {
	d.startTime = time.Now()

	if d.cfg.Store.Path != "" {
		store, err := proxy.OpenLogDB(d.cfg.Store.Path)
		if err != nil {
			// Metrics are optional; the proxy keeps serving without them.
			d.logger.Printf("Warning: metrics store disabled: %v", err)
		} else {
			d.store = store
			d.dispatcher.Recorder = store
			d.stopStore = store.Follow(d.events)
			d.stopCleanup = make(chan struct{})
			store.StartCleanup(d.cfg.Store.Retention.D(), time.Hour, d.stopCleanup)
		}
	}

	srv, addr, err := proxy.StartProxy(d.handler, d.cfg.Listen, d.logger)
	if err != nil {
		d.closeStore()
		return fmt.Errorf("proxy server: %w", err)
	}
	d.proxyServer = srv
	d.proxyAddr = addr

	if !d.cfg.Admin.Disabled {
		d.admin = web.NewServer(d.version, d.cfg.Admin.Listen, web.Options{
			Pool:         d.pool,
			Checker:      d.checker,
			Store:        d.store,
			Events:       d.events,
			PasswordHash: d.cfg.Admin.PasswordHash,
		}, d.logger)
		d.admin.HandleFunc("/api/v1/daemon/status", d.handleDaemonStatus)

		adminAddr, err := d.admin.Listen()
		if err != nil {
			d.proxyServer.Close()
			d.closeStore()
			return fmt.Errorf("admin server: %w", err)
		}
		d.adminAddr = adminAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.notifier != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.notifier.Follow(ctx, d.events)
		}()
	}

	if d.checker != nil {
		d.checker.Start()
	}

	d.logger.Printf("bgproxy started: pool=%s backends=%d proxy=%s admin=%s",
		d.pool.Name, len(d.pool.Backends()), d.proxyAddr, d.adminAddrOrOff())
	return nil
}

// Run starts the daemon and blocks until ctx is done, then shuts down with
// the given grace period.
func (d *Daemon) Run(ctx context.Context, grace time.Duration) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the daemon. In-flight proxied requests get until
// ctx is done to finish. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var err error
	d.shutdownOnce.Do(func() {
		d.logger.Println("shutting down bgproxy...")

		if d.proxyServer != nil {
			if e := d.proxyServer.Shutdown(ctx); e != nil {
				d.logger.Printf("proxy shutdown error: %v", e)
				err = e
			}
		}

		if d.admin != nil {
			if e := d.admin.Shutdown(ctx); e != nil {
				d.logger.Printf("admin shutdown error: %v", e)
			}
		}

		if d.checker != nil {
			d.checker.Stop()
		}

		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()

		d.closeStore()
		d.logger.Println("bgproxy stopped")
	})
	return err
}

func (d *Daemon) closeStore() {
	if d.store == nil {
		return
	}
	if d.stopCleanup != nil {
		close(d.stopCleanup)
		d.stopCleanup = nil
	}
	if d.stopStore != nil {
		d.stopStore()
		d.stopStore = nil
	}
	if err := d.store.Close(); err != nil {
		d.logger.Printf("store close error: %v", err)
	}
	d.store = nil
}

// ProxyAddr returns the bound proxy address once started.
func (d *Daemon) ProxyAddr() string { return d.proxyAddr }

// AdminAddr returns the bound admin address, or "" when the admin API is off.
func (d *Daemon) AdminAddr() string { return d.adminAddr }

// Events returns the daemon's event bus.
func (d *Daemon) Events() *proxy.EventBus { return d.events }

// Pool returns the backend pool.
func (d *Daemon) Pool() *proxy.Pool { return d.pool }

func (d *Daemon) adminAddrOrOff() string {
	if d.adminAddr == "" {
		return "off"
	}
	return d.adminAddr
}

// WritePidFile records the current process as the daemon.
func (d *Daemon) WritePidFile() error {
	return WriteDaemonPid(os.Getpid())
}
