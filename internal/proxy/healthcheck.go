package proxy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// ProbeStatus holds the active check history of one backend.
type ProbeStatus struct {
	Backend      string     `json:"backend"`
	Healthy      bool       `json:"healthy"`
	LastCheck    *time.Time `json:"last_check,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    *time.Time `json:"last_error,omitempty"`
	LastErrorMsg string     `json:"last_error_msg,omitempty"`
	LatencyMs    int        `json:"latency_ms,omitempty"`
	SuccessRate  float64    `json:"success_rate"`
	CheckCount   int        `json:"check_count"`
	FailCount    int        `json:"fail_count"`
}

// ProbeResult is the result of a single active check.
type ProbeResult struct {
	Backend   string
	Healthy   bool
	Outcome   Outcome
	LatencyMs int
	Error     string
	Timestamp time.Time
}

// HealthChecker probes every backend periodically and feeds the outcomes into
// the same HealthTracker the dispatcher uses.
type HealthChecker struct {
	pool          *Pool
	tracker       *HealthTracker
	config        config.HealthCheckConfig
	retryStatuses map[int]bool
	client        *http.Client
	logger        *log.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	statuses      map[string]*ProbeStatus
	running       bool
	stopped       bool // tracks if stopCh has been closed
}

// NewHealthChecker creates a checker over pool. A failed probe is whatever the
// dispatcher would count as a failed attempt: a transport error or a status
// in retryStatuses.
func NewHealthChecker(pool *Pool, tracker *HealthTracker, cfg config.HealthCheckConfig, retryStatuses []int, logger *log.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = config.Duration(config.DefaultHealthCheckInterval)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.Duration(config.DefaultHealthCheckTimeout)
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultHealthCheckPath
	}
	statuses := make(map[int]bool, len(retryStatuses))
	for _, s := range retryStatuses {
		statuses[s] = true
	}

	return &HealthChecker{
		pool:          pool,
		tracker:       tracker,
		config:        cfg,
		retryStatuses: statuses,
		client: &http.Client{
			Transport: NewTransport(Timeouts{Connect: cfg.Timeout.D(), Read: cfg.Timeout.D()}),
			Timeout:   cfg.Timeout.D(),
		},
		logger:   logger,
		stopCh:   make(chan struct{}),
		statuses: make(map[string]*ProbeStatus),
	}
}

// Start begins periodic health checking.
func (h *HealthChecker) Start() {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.checkLoop()
}

// Stop stops the health checker.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.stopped = true
	h.mu.Unlock()

	close(h.stopCh)
	h.wg.Wait()
}

// IsRunning returns whether the health checker is running.
func (h *HealthChecker) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *HealthChecker) checkLoop() {
	defer h.wg.Done()

	// Initial check
	h.CheckAll()

	ticker := time.NewTicker(h.config.Interval.D())
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckAll()
		}
	}
}

// CheckAll probes every backend once, concurrently.
func (h *HealthChecker) CheckAll() {
	var wg sync.WaitGroup
	for _, b := range h.pool.Backends() {
		wg.Add(1)
		go func(b *Backend) {
			defer wg.Done()
			h.apply(b, h.CheckBackend(b))
		}(b)
	}
	wg.Wait()
}

// CheckBackend sends one GET to the backend's check path.
func (h *HealthChecker) CheckBackend(b *Backend) *ProbeResult {
	result := &ProbeResult{
		Backend:   b.Name,
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout.D())
	defer cancel()

	target := singleJoiningSlash(b.URL.String(), h.config.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		result.Outcome = OutcomeConnectError
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", "bgproxy-healthcheck")

	start := time.Now()
	resp, err := h.client.Do(req)
	result.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		result.Outcome = classify(context.Background(), ctx, err)
		if result.Outcome == OutcomeBudgetExhausted || result.Outcome == OutcomeCanceled {
			result.Outcome = OutcomeReadTimeout
		}
		result.Error = err.Error()
		return result
	}
	resp.Body.Close()

	if h.retryStatuses[resp.StatusCode] {
		result.Outcome = OutcomeUpstreamStatus
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}
	result.Healthy = true
	result.Outcome = OutcomeSuccess
	return result
}

func (h *HealthChecker) apply(b *Backend, result *ProbeResult) {
	if result.Healthy {
		if b.Status() != HealthStatusHealthy {
			h.logger.Printf("[%s] active check passed", b.Name)
		}
		h.tracker.RecordSuccess(b)
	} else {
		h.logger.Printf("[%s] active check failed: %s", b.Name, result.Error)
		kind, ok := result.Outcome.FailureKind()
		if !ok {
			kind = FailureConnect
		}
		h.tracker.RecordFailure(b, kind)
	}
	h.updateStatus(result)
}

func (h *HealthChecker) updateStatus(result *ProbeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[result.Backend]
	if !ok {
		status = &ProbeStatus{Backend: result.Backend}
		h.statuses[result.Backend] = status
	}

	now := result.Timestamp
	status.LastCheck = &now
	status.CheckCount++
	status.LatencyMs = result.LatencyMs
	status.Healthy = result.Healthy

	if result.Healthy {
		status.LastSuccess = &now
		status.LastErrorMsg = ""
	} else {
		status.FailCount++
		status.LastError = &now
		status.LastErrorMsg = result.Error
	}

	status.SuccessRate = float64(status.CheckCount-status.FailCount) / float64(status.CheckCount) * 100
}

// GetStatus returns the probe history for a backend, or nil if it was never
// checked.
func (h *HealthChecker) GetStatus(backend string) *ProbeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.statuses[backend]; ok {
		copy := *status
		return &copy
	}
	return nil
}

// GetAllStatus returns the probe history of every checked backend, by name.
func (h *HealthChecker) GetAllStatus() []*ProbeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*ProbeStatus, 0, len(h.statuses))
	for _, status := range h.statuses {
		copy := *status
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Backend < result[j].Backend })
	return result
}
