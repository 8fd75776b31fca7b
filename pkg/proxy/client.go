package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/telemetry"
)

// Timeouts bounds every phase of an outbound call.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	// Pool is how long a call may wait for an admission slot.
	Pool     time.Duration
	MaxConns int
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  2 * time.Second,
		Read:     10 * time.Second,
		Write:    10 * time.Second,
		Pool:     2 * time.Second,
		MaxConns: 100,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = def.Connect
	}
	if t.Read <= 0 {
		t.Read = def.Read
	}
	if t.Write <= 0 {
		t.Write = def.Write
	}
	if t.Pool <= 0 {
		t.Pool = def.Pool
	}
	if t.MaxConns <= 0 {
		t.MaxConns = def.MaxConns
	}
	return t
}

// NewHardenedClient returns a client that never consults proxy environment
// variables, never follows redirects, applies per-read and per-write
// deadlines on every connection and admits at most MaxConns in-flight calls.
func NewHardenedClient(t Timeouts) *http.Client {
	return telemetry.InstrumentClient(&http.Client{
		Transport: newAdmission(newTransport(t.withDefaults()), t.withDefaults()),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	})
}

func newTransport(t Timeouts) *http.Transport {
	dialer := &net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: t.Read, write: t.Write}, nil
		},
		MaxConnsPerHost:       t.MaxConns,
		MaxIdleConns:          t.MaxConns,
		MaxIdleConnsPerHost:   t.MaxConns,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

// deadlineConn refreshes the read or write deadline before each I/O call so
// a stalled peer trips the timeout even mid-body.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// admission gates round trips on a weighted semaphore. A slot is held until
// the response body is closed.
type admission struct {
	next http.RoundTripper
	sem  *semaphore.Weighted
	wait time.Duration
}

func newAdmission(next http.RoundTripper, t Timeouts) *admission {
	return &admission{next: next, sem: semaphore.NewWeighted(int64(t.MaxConns)), wait: t.Pool}
}

func (a *admission) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), a.wait)
	err := a.sem.Acquire(ctx, 1)
	cancel()
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, apierr.UpstreamTimeout("upstream_pool_timeout", err)
	}
	resp, err := a.next.RoundTrip(req)
	if err != nil {
		a.sem.Release(1)
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: func() { a.sem.Release(1) }}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// ClassifyError maps a transport failure to the upstream error taxonomy:
// pool exhaustion and timeouts are 504, anything else 502.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apierr.UpstreamTimeout("upstream_timeout", err)
	}
	return apierr.Upstream("upstream_unreachable", err)
}
