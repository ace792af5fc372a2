package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dopejs/bgproxy/internal/proxy"
)

// PoolResponse is the body of GET /api/v1/pool.
type PoolResponse struct {
	proxy.PoolSnapshot
	Probes []*proxy.ProbeStatus `json:"probes,omitempty"`
}

// handlePool handles GET /api/v1/pool - live health of every backend.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool not running")
		return
	}

	resp := PoolResponse{PoolSnapshot: s.pool.Snapshot()}
	if s.checker != nil {
		resp.Probes = s.checker.GetAllStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /api/v1/metrics?hours=N - per-backend aggregates.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	hours := queryInt(r, "hours", 1)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	metrics, err := s.store.GetAllBackendMetrics(since)
	if err != nil {
		s.logger.Printf("admin: query metrics: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query metrics")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleLatency handles GET /api/v1/metrics/latency?backend=X&hours=N&bucket=M.
func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	backend := r.URL.Query().Get("backend")
	if backend == "" {
		writeError(w, http.StatusBadRequest, "backend name required")
		return
	}

	hours := queryInt(r, "hours", 24)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	bucketMinutes := 5
	if hours > 24 {
		bucketMinutes = 30
	} else if hours > 6 {
		bucketMinutes = 15
	}
	bucketMinutes = queryInt(r, "bucket", bucketMinutes)

	points, err := s.store.GetLatencyHistory(backend, since, bucketMinutes)
	if err != nil {
		s.logger.Printf("admin: query latency for %s: %v", backend, err)
		writeError(w, http.StatusInternalServerError, "failed to query latency")
		return
	}
	if points == nil {
		points = []proxy.LatencyPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// handleAttempts handles GET /api/v1/attempts - stored per-attempt records.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []proxy.AttemptRecord{})
		return
	}

	query := r.URL.Query()
	filter := proxy.AttemptFilter{
		Backend:      query.Get("backend"),
		RequestID:    query.Get("request_id"),
		Outcome:      proxy.Outcome(query.Get("outcome")),
		FailuresOnly: query.Get("failures_only") == "true",
		Limit:        queryInt(r, "limit", 100),
	}
	if hours := queryInt(r, "hours", 0); hours > 0 {
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	records, err := s.store.QueryAttempts(filter)
	if err != nil {
		s.logger.Printf("admin: query attempts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query attempts")
		return
	}
	if records == nil {
		records = []proxy.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
