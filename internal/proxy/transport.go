package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	errBudgetExpired = errors.New("retry budget expired")
	errReadTimeout   = errors.New("upstream read timed out")
)

// Timeouts bound each attempt. Send and Read apply between successive write
// and read operations, not to the whole transfer.
type Timeouts struct {
	Connect time.Duration
	Send    time.Duration
	Read    time.Duration
}

// NewTransport returns a transport enforcing t. Connect covers the TCP dial
// and the TLS handshake; Read covers the wait for response headers, and the
// dispatcher applies it again between body reads.
func NewTransport(t Timeouts) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   t.Connect,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if t.Send <= 0 {
				return conn, nil
			}
			return &deadlineConn{Conn: conn, send: t.Send}, nil
		},
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
	}
}

// deadlineConn arms a write deadline before every Write so a stalled
// upstream fails the send instead of blocking until the budget runs out.
type deadlineConn struct {
	net.Conn
	send time.Duration
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.send)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// attemptBody wraps a committed upstream response body. A Read that blocks
// longer than idle cancels the attempt and calls onTimeout once. Closing the
// body releases the attempt's context.
type attemptBody struct {
	rc        io.ReadCloser
	idle      time.Duration
	timer     *time.Timer
	cancel    context.CancelCauseFunc
	onTimeout func()
	timedOut  atomic.Bool
}

func newAttemptBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelCauseFunc, onTimeout func()) *attemptBody {
	b := &attemptBody{rc: rc, idle: idle, cancel: cancel, onTimeout: onTimeout}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, b.expire)
		b.timer.Stop()
	}
	return b
}

func (b *attemptBody) expire() {
	if !b.timedOut.CompareAndSwap(false, true) {
		return
	}
	if b.onTimeout != nil {
		b.onTimeout()
	}
	b.cancel(errReadTimeout)
}

func (b *attemptBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	n, err := b.rc.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && err != io.EOF && b.timedOut.Load() {
		err = errReadTimeout
	}
	return n, err
}

func (b *attemptBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.rc.Close()
	b.cancel(context.Canceled)
	return err
}
