package daemon

import (
	"net/http"
	"os"
	"time"

	"github.com/dopejs/bgproxy/internal/proxy"
	"github.com/dopejs/bgproxy/internal/web"
)

// StatusResponse is the body of GET /api/v1/daemon/status.
type StatusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	PID           int    `json:"pid"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ProxyAddr     string `json:"proxy_addr"`
	AdminAddr     string `json:"admin_addr"`
	Pool          string `json:"pool"`
	Backends      int    `json:"backends"`
	Down          int    `json:"down"`
	HealthChecks  bool   `json:"health_checks"`
	Store         bool   `json:"store"`
}

func (d *Daemon) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	web.WriteJSON(w, http.StatusOK, d.Status())
}

// Status reports the daemon's current state.
func (d *Daemon) Status() StatusResponse {
	uptime := time.Since(d.startTime)
	down := 0
	for _, b := range d.pool.Backends() {
		if b.Status() == proxy.HealthStatusDown {
			down++
		}
	}
	return StatusResponse{
		Status:        "running",
		Version:       d.version,
		PID:           os.Getpid(),
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		ProxyAddr:     d.proxyAddr,
		AdminAddr:     d.adminAddr,
		Pool:          d.pool.Name,
		Backends:      len(d.pool.Backends()),
		Down:          down,
		HealthChecks:  d.checker != nil,
		Store:         d.store != nil,
	}
}
