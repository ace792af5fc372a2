package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dopejs/bgproxy/internal/config"
)

// HeaderRequestID carries the dispatch's request ID to the backend.
const HeaderRequestID = "X-Request-Id"

// DispatcherConfig holds the retry policy and per-attempt timeouts.
type DispatcherConfig struct {
	MaxAttempts        int
	MaxAttemptsTimeout time.Duration
	RetryStatuses      []int
	Timeouts           Timeouts
	PreserveHost       bool
}

// DispatcherConfigFrom extracts the dispatcher settings from cfg.
func DispatcherConfigFrom(cfg *config.Config) DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		MaxAttemptsTimeout: cfg.Retry.MaxAttemptsTimeout.D(),
		RetryStatuses:      cfg.Retry.Statuses,
		Timeouts: Timeouts{
			Connect: cfg.Timeouts.Connect.D(),
			Send:    cfg.Timeouts.Send.D(),
			Read:    cfg.Timeouts.Read.D(),
		},
		PreserveHost: cfg.Proxy.PreserveHostEnabled(),
	}
}

// Result is a successful dispatch. The caller owns Response.Body.
type Result struct {
	Response  *http.Response
	Backend   *Backend
	RequestID string
	Attempts  []Attempt
}

// Dispatcher forwards a request to the pool, retrying on the next eligible
// backend until a usable response arrives or the attempts run out.
type Dispatcher struct {
	Pool     *Pool
	Health   *HealthTracker
	Client   *http.Client
	Logger   *log.Logger
	Events   *EventBus
	Recorder AttemptRecorder

	cfg           DispatcherConfig
	retryStatuses map[int]bool
	now           func() time.Time
}

// NewDispatcher creates a dispatcher over pool.
func NewDispatcher(pool *Pool, health *HealthTracker, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = config.DefaultMaxAttempts
	}
	if cfg.MaxAttemptsTimeout <= 0 {
		cfg.MaxAttemptsTimeout = config.DefaultMaxAttemptsTimeout
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = config.DefaultRetryStatuses
	}
	statuses := make(map[int]bool, len(cfg.RetryStatuses))
	for _, s := range cfg.RetryStatuses {
		statuses[s] = true
	}
	if health.pool == "" {
		health.pool = pool.Name
	}
	return &Dispatcher{
		Pool:   pool,
		Health: health,
		Client: &http.Client{
			Transport: NewTransport(cfg.Timeouts),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Logger:        logger,
		cfg:           cfg,
		retryStatuses: statuses,
		now:           time.Now,
	}
}

// Dispatch sends r (with its already-read body) to the pool. It returns a
// *FinalFailure when no attempt succeeded and ctx's error when the client
// went away; neither case leaves a response to write.
func (d *Dispatcher) Dispatch(ctx context.Context, r *http.Request, body []byte) (*Result, error) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	deadline := time.Now().Add(d.cfg.MaxAttemptsTimeout)
	candidates := d.Pool.ListEligible(d.now())

	var (
		attempts []Attempt
		lastErr  error
		failed   *Backend
	)

candidates:
	for _, b := range candidates {
		if len(attempts) >= d.cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			lastErr = errBudgetExpired
			break
		}
		if !d.Health.Admit(b, d.now()) {
			d.Logger.Printf("[%s] skipping (probe in flight)", b.Name)
			continue
		}

		if failed != nil {
			d.Events.Publish(Event{
				Type:      EventFailover,
				Pool:      d.Pool.Name,
				Backend:   failed.Name,
				Next:      b.Name,
				Reason:    lastErr.Error(),
				RequestID: requestID,
			})
		}

		d.Logger.Printf("[%s] trying %s %s", b.Name, r.Method, r.URL.Path)
		resp, a := d.attempt(ctx, r, body, b, requestID, remaining)
		attempts = append(attempts, a)
		if d.Recorder != nil {
			d.Recorder.RecordAttempt(a)
		}

		switch a.Outcome {
		case OutcomeSuccess:
			d.Health.RecordSuccess(b)
			d.Logger.Printf("[%s] success %d in %v", b.Name, a.StatusCode, a.Duration.Round(time.Millisecond))
			return &Result{Response: resp, Backend: b, RequestID: requestID, Attempts: attempts}, nil

		case OutcomeCanceled:
			d.Health.Release(b)
			d.Logger.Printf("[%s] client canceled %s %s", b.Name, r.Method, r.URL.Path)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, context.Canceled

		case OutcomeBudgetExhausted:
			d.Health.Release(b)
			lastErr = a.Err
			d.Logger.Printf("[%s] retry budget of %v exhausted", b.Name, d.cfg.MaxAttemptsTimeout)
			break candidates

		default:
			kind, _ := a.Outcome.FailureKind()
			d.Health.RecordFailure(b, kind)
			lastErr = a.Err
			failed = b
			d.Logger.Printf("[%s] %s (%v), failing over", b.Name, a.Outcome, a.Err)
		}
	}

	ff := &FinalFailure{RequestID: requestID, Pool: d.Pool.Name, Attempts: attempts, Err: lastErr}
	reason := "no eligible backend"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	d.Events.Publish(Event{Type: EventExhausted, Pool: d.Pool.Name, Reason: reason, RequestID: requestID})
	return nil, ff
}

// attempt forwards to one backend under the remaining budget. On success the
// response body is handed back unread; every other outcome leaves nothing
// open.
func (d *Dispatcher) attempt(ctx context.Context, r *http.Request, body []byte, b *Backend, requestID string, budget time.Duration) (*http.Response, Attempt) {
	a := Attempt{
		RequestID: requestID,
		Pool:      d.Pool.Name,
		Backend:   b.Name,
		Role:      b.Role,
		Start:     time.Now(),
	}
	finish := func(o Outcome, err error) Attempt {
		a.Outcome = o
		a.Err = err
		a.Duration = time.Since(a.Start)
		return a
	}

	actx, cancel := context.WithCancelCause(ctx)
	budgetTimer := time.AfterFunc(budget, func() { cancel(errBudgetExpired) })

	req, err := d.newUpstreamRequest(actx, r, body, b, requestID)
	if err != nil {
		budgetTimer.Stop()
		cancel(err)
		return nil, finish(OutcomeConnectError, err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		budgetTimer.Stop()
		outcome := classify(ctx, actx, err)
		if outcome == OutcomeBudgetExhausted {
			err = errBudgetExpired
		}
		cancel(err)
		return nil, finish(outcome, err)
	}
	a.StatusCode = resp.StatusCode

	if !budgetTimer.Stop() {
		resp.Body.Close()
		cancel(errBudgetExpired)
		return nil, finish(OutcomeBudgetExhausted, errBudgetExpired)
	}

	if d.retryStatuses[resp.StatusCode] {
		resp.Body.Close()
		err := fmt.Errorf("upstream returned %d", resp.StatusCode)
		cancel(err)
		return nil, finish(OutcomeUpstreamStatus, err)
	}

	resp.Body = newAttemptBody(resp.Body, d.cfg.Timeouts.Read, cancel, func() {
		d.Logger.Printf("[%s] read timeout while streaming response", b.Name)
		d.Health.RecordFailure(b, FailureReadTimeout)
	})
	return resp, finish(OutcomeSuccess, nil)
}

// classify maps a transport error to an attempt outcome.
func classify(clientCtx, attemptCtx context.Context, err error) Outcome {
	if clientCtx.Err() != nil {
		return OutcomeCanceled
	}
	if errors.Is(context.Cause(attemptCtx), errBudgetExpired) {
		return OutcomeBudgetExhausted
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			if opErr.Timeout() {
				return OutcomeConnectTimeout
			}
			return OutcomeConnectError
		case "write":
			if opErr.Timeout() {
				return OutcomeSendTimeout
			}
			return OutcomeConnectError
		case "read":
			if opErr.Timeout() {
				return OutcomeReadTimeout
			}
			return OutcomeConnectError
		}
	}
	if strings.Contains(err.Error(), "TLS handshake timeout") {
		return OutcomeConnectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeReadTimeout
	}
	return OutcomeConnectError
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func (d *Dispatcher) newUpstreamRequest(ctx context.Context, r *http.Request, body []byte, b *Backend, requestID string) (*http.Request, error) {
	targetURL := singleJoiningSlash(b.URL.String(), r.URL.EscapedPath())
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	removeHopHeaders(req.Header)
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}

	clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		clientIP = r.RemoteAddr
	}
	if clientIP != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			req.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Real-IP", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	req.Header.Set(HeaderRequestID, requestID)

	if d.cfg.PreserveHost && r.Host != "" {
		req.Host = r.Host
	}
	return req, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
