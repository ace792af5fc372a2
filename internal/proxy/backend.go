package proxy

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// HealthStatus is the passive health state of a backend.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusSuspected HealthStatus = "suspected"
	HealthStatusDown      HealthStatus = "down"
)

// Backend is one routable upstream target. Identity fields are immutable
// after construction; the health record is guarded by mu and written only
// through a HealthTracker.
type Backend struct {
	Name   string
	URL    *url.URL
	Role   config.Role
	Weight int

	mu                  sync.Mutex
	status              HealthStatus
	consecutiveFailures int
	downSince           time.Time
	retryAfter          time.Time
	probing             bool
	lastFailure         FailureKind
}

// NewBackend builds a Backend from its config entry.
func NewBackend(bc *config.BackendConfig) (*Backend, error) {
	u, err := url.Parse(bc.Address)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %s: address %q needs scheme and host", bc.Name, bc.Address)
	}
	role := bc.Role
	if role == "" {
		role = config.RolePrimary
	}
	weight := bc.Weight
	if weight < 1 {
		weight = 1
	}
	name := bc.Name
	if name == "" {
		name = u.Host
	}
	return &Backend{
		Name:   name,
		URL:    u,
		Role:   role,
		Weight: weight,
		status: HealthStatusHealthy,
	}, nil
}

// BackendSnapshot is a point-in-time copy of a backend's state.
type BackendSnapshot struct {
	Name                string       `json:"name"`
	Address             string       `json:"address"`
	Role                config.Role  `json:"role"`
	Weight              int          `json:"weight"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         FailureKind  `json:"last_failure,omitempty"`
	DownSince           *time.Time   `json:"down_since,omitempty"`
	RetryAfter          *time.Time   `json:"retry_after,omitempty"`
	Probing             bool         `json:"probing,omitempty"`
}

// Snapshot copies the backend's health record.
func (b *Backend) Snapshot() BackendSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BackendSnapshot{
		Name:                b.Name,
		Address:             b.URL.String(),
		Role:                b.Role,
		Weight:              b.Weight,
		Status:              b.status,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailure:         b.lastFailure,
		Probing:             b.probing,
	}
	if b.status == HealthStatusDown {
		downSince, retryAfter := b.downSince, b.retryAfter
		s.DownSince = &downSince
		s.RetryAfter = &retryAfter
	}
	return s
}

// Status returns the current health status.
func (b *Backend) Status() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// eligibleAt reports whether the backend may receive traffic at now: it is
// not down, or its cool-down window has elapsed.
func (b *Backend) eligibleAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status != HealthStatusDown || !now.Before(b.retryAfter)
}
