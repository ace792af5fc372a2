package proxy

import (
	"time"
)

// FailureKind classifies an attempt outcome that counts against a backend.
type FailureKind string

const (
	FailureConnect        FailureKind = "connect_error"
	FailureConnectTimeout FailureKind = "connect_timeout"
	FailureSendTimeout    FailureKind = "send_timeout"
	FailureReadTimeout    FailureKind = "read_timeout"
	FailureStatus         FailureKind = "upstream_status"
)

// HealthTracker applies the max_fails / fail_timeout policy to backends.
// All writes to a backend's health record go through it; each write locks
// only that backend.
type HealthTracker struct {
	MaxFails    int
	FailTimeout time.Duration

	pool   string
	events *EventBus
	now    func() time.Time
}

// NewHealthTracker creates a tracker. events may be nil.
func NewHealthTracker(maxFails int, failTimeout time.Duration, events *EventBus) *HealthTracker {
	if maxFails < 1 {
		maxFails = 1
	}
	return &HealthTracker{
		MaxFails:    maxFails,
		FailTimeout: failTimeout,
		events:      events,
		now:         time.Now,
	}
}

// RecordSuccess resets the failure count and marks the backend healthy.
func (h *HealthTracker) RecordSuccess(b *Backend) {
	b.mu.Lock()
	prev := b.status
	b.consecutiveFailures = 0
	b.status = HealthStatusHealthy
	b.probing = false
	b.lastFailure = ""
	b.mu.Unlock()

	if prev == HealthStatusDown {
		h.publish(Event{Type: EventBackendUp, Backend: b.Name})
	}
}

// RecordFailure counts a failed attempt. Reaching MaxFails marks the backend
// down for FailTimeout; a failure while already down (a failed probe)
// refreshes the window.
func (h *HealthTracker) RecordFailure(b *Backend, kind FailureKind) {
	now := h.now()

	b.mu.Lock()
	prev := b.status
	b.consecutiveFailures++
	b.lastFailure = kind
	b.probing = false
	if b.consecutiveFailures >= h.MaxFails {
		b.status = HealthStatusDown
		b.downSince = now
		b.retryAfter = now.Add(h.FailTimeout)
	} else {
		b.status = HealthStatusSuspected
	}
	status, failures := b.status, b.consecutiveFailures
	b.mu.Unlock()

	switch {
	case status == HealthStatusDown && prev != HealthStatusDown:
		h.publish(Event{Type: EventBackendDown, Backend: b.Name, Reason: string(kind), Failures: failures})
	case status == HealthStatusSuspected && prev == HealthStatusHealthy:
		h.publish(Event{Type: EventBackendSuspected, Backend: b.Name, Reason: string(kind), Failures: failures})
	}
}

// IsEligible reports whether b may receive traffic at now.
func (h *HealthTracker) IsEligible(b *Backend, now time.Time) bool {
	return b.eligibleAt(now)
}

// Admit claims b for one attempt. Backends that are not down are always
// admitted. A down backend past its cool-down admits exactly one probe at a
// time; the slot is freed by RecordSuccess, RecordFailure or Release.
func (h *HealthTracker) Admit(b *Backend, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != HealthStatusDown {
		return true
	}
	if now.Before(b.retryAfter) || b.probing {
		return false
	}
	b.probing = true
	return true
}

// Release frees a probe slot without recording an outcome, for attempts
// abandoned because the client went away or the retry budget ran out.
func (h *HealthTracker) Release(b *Backend) {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (h *HealthTracker) publish(e Event) {
	if h.events == nil {
		return
	}
	if e.Pool == "" {
		e.Pool = h.pool
	}
	h.events.Publish(e)
}
