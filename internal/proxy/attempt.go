package proxy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// Outcome is the result of one forwarding attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeConnectError    Outcome = "connect_error"
	OutcomeConnectTimeout  Outcome = "connect_timeout"
	OutcomeSendTimeout     Outcome = "send_timeout"
	OutcomeReadTimeout     Outcome = "read_timeout"
	OutcomeUpstreamStatus  Outcome = "upstream_status"
	OutcomeCanceled        Outcome = "canceled"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
)

// FailureKind maps an outcome to the failure it records against the backend.
// Success, cancellation and budget expiry record none.
func (o Outcome) FailureKind() (FailureKind, bool) {
	switch o {
	case OutcomeConnectError:
		return FailureConnect, true
	case OutcomeConnectTimeout:
		return FailureConnectTimeout, true
	case OutcomeSendTimeout:
		return FailureSendTimeout, true
	case OutcomeReadTimeout:
		return FailureReadTimeout, true
	case OutcomeUpstreamStatus:
		return FailureStatus, true
	}
	return "", false
}

// Attempt records one try against one backend during a dispatch.
type Attempt struct {
	RequestID  string
	Pool       string
	Backend    string
	Role       config.Role
	Start      time.Time
	Duration   time.Duration
	Outcome    Outcome
	StatusCode int
	Err        error
}

func (a Attempt) String() string {
	switch {
	case a.Outcome == OutcomeUpstreamStatus:
		return fmt.Sprintf("%s: status %d after %v", a.Backend, a.StatusCode, a.Duration.Round(time.Millisecond))
	case a.Err != nil:
		return fmt.Sprintf("%s: %s after %v: %v", a.Backend, a.Outcome, a.Duration.Round(time.Millisecond), a.Err)
	}
	return fmt.Sprintf("%s: %s after %v", a.Backend, a.Outcome, a.Duration.Round(time.Millisecond))
}

// ErrPoolExhausted is wrapped by every FinalFailure.
var ErrPoolExhausted = errors.New("upstream pool exhausted")

// FinalFailure is returned when no attempt produced a usable response.
type FinalFailure struct {
	RequestID string
	Pool      string
	Attempts  []Attempt
	Err       error // last observed error, may be nil
}

func (f *FinalFailure) Error() string {
	if len(f.Attempts) == 0 {
		return fmt.Sprintf("pool %s: no eligible backend", f.Pool)
	}
	parts := make([]string, len(f.Attempts))
	for i, a := range f.Attempts {
		parts[i] = a.String()
	}
	return fmt.Sprintf("pool %s: %d attempt(s) failed: %s", f.Pool, len(f.Attempts), strings.Join(parts, "; "))
}

func (f *FinalFailure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrPoolExhausted}
	}
	return []error{ErrPoolExhausted, f.Err}
}

// AttemptRecorder receives every finished attempt.
type AttemptRecorder interface {
	RecordAttempt(a Attempt)
}
