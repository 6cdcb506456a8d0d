// Package tunnel owns the transport used to reach upstreams, optionally
// through a SOCKS5 tunnel. It pools a single client connection shared by
// all concurrent requests, recycles it by age, and retries requests that
// fail with connection-class errors.
package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/ferryd/ferry/ferrysdk"
)

const defaultMaxConnAge = 10 * time.Minute

// Options configures a Pool.
type Options struct {
	Logger slog.Logger
	// SOCKS5Addr is the tunnel endpoint, host:port. Empty means direct
	// transport.
	SOCKS5Addr string
	// MaxConnAge bounds how long one pooled connection stays in
	// rotation. A connection past this age is closed and replaced
	// lazily on next acquisition.
	MaxConnAge time.Duration
	// Retry is the request retry policy. Zero value means DefaultPolicy.
	Retry Policy
	// Clock is used for connection aging and backoff sleeps. Real by
	// default.
	Clock quartz.Clock
	// PrometheusRegistry receives the pool's counters. A private
	// registry is used when nil.
	PrometheusRegistry prometheus.Registerer

	// DialContext overrides the transport dialer. Used by tests to
	// count or fail connection attempts.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Conn is one pooled client bound to the tunnel (or to direct transport).
// It is exclusively owned by its Pool.
type Conn struct {
	client    *http.Client
	transport *http.Transport
	createdAt time.Time
}

// HTTPClient returns the client routing through this connection's
// transport. WebSocket dials hand it to the websocket library.
func (c *Conn) HTTPClient() *http.Client {
	return c.client
}

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Pool owns the current tunnel connection and its statistics.
type Pool struct {
	logger      slog.Logger
	socksAddr   string
	maxAge      time.Duration
	retry       Policy
	clock       quartz.Clock
	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	metrics     *metrics

	mu   sync.Mutex
	conn *Conn

	statsMu         sync.Mutex
	totalRequests   int64
	failedRequests  int64
	retriedRequests int64
	lastError       string
	lastErrorAt     time.Time
}

// New creates a Pool. No connection is established until first use.
func New(opts Options) (*Pool, error) {
	if opts.MaxConnAge <= 0 {
		opts.MaxConnAge = defaultMaxConnAge
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	registry := opts.PrometheusRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Pool{
		logger:      opts.Logger,
		socksAddr:   opts.SOCKS5Addr,
		maxAge:      opts.MaxConnAge,
		retry:       opts.Retry,
		clock:       opts.Clock,
		dialContext: opts.DialContext,
		metrics:     newMetrics(registry),
	}, nil
}

// Conn returns the live pooled connection, creating or replacing it as
// needed. It never returns a connection older than the configured max
// age.
func (p *Pool) Conn() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.clock.Since(p.conn.createdAt) > p.maxAge {
		p.logger.Debug(context.Background(), "recycling stale tunnel connection",
			slog.F("age", p.clock.Since(p.conn.createdAt)),
			slog.F("max_age", p.maxAge),
		)
		p.closeLocked()
	}
	if p.conn == nil {
		conn, err := p.newConn()
		if err != nil {
			return nil, err
		}
		p.conn = conn
	}
	return p.conn, nil
}

func (p *Pool) newConn() (*Conn, error) {
	transport, err := newTransport(p.socksAddr)
	if err != nil {
		return nil, xerrors.Errorf("create tunnel transport: %w", err)
	}
	if p.dialContext != nil {
		transport.DialContext = p.dialContext
	}
	return &Conn{
		client:    &http.Client{Transport: transport},
		transport: transport,
		createdAt: p.clock.Now(),
	}, nil
}

// ForceClose tears down the current connection so the next acquisition
// establishes a fresh one. Used after connection-class request failures
// and by the health monitor's recovery action.
func (p *Pool) ForceClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Pool) closeLocked() {
	if p.conn == nil {
		return
	}
	p.conn.transport.CloseIdleConnections()
	p.conn = nil
	p.metrics.recycles.Inc()
}

// Do executes req through the pooled connection with the pool's retry
// policy. Connection-class errors force-close the connection, back off,
// and retry on a fresh one; the last attempt's error propagates. Requests
// whose body cannot be rewound (streaming inbound bodies without GetBody)
// are attempted exactly once.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	rewindable := req.Body == nil || req.GetBody != nil

	p.statsMu.Lock()
	p.totalRequests++
	p.statsMu.Unlock()
	p.metrics.requests.Inc()

	var lastErr error
	for attempt := 0; attempt < p.retry.Attempts; attempt++ {
		if attempt > 0 {
			if err := p.retry.Sleep(ctx, p.clock, attempt-1); err != nil {
				lastErr = err
				break
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					lastErr = xerrors.Errorf("rewind request body: %w", err)
					break
				}
				req.Body = body
			}
		}

		conn, err := p.Conn()
		if err != nil {
			lastErr = err
			p.recordError(err)
			continue
		}

		res, err := conn.client.Do(req)
		if err == nil {
			if attempt > 0 {
				p.statsMu.Lock()
				p.retriedRequests++
				p.statsMu.Unlock()
				p.metrics.retries.Inc()
			}
			return res, nil
		}

		lastErr = err
		if !IsTransportError(err) {
			break
		}
		p.recordError(err)
		p.ForceClose()
		if !rewindable {
			break
		}
	}

	p.statsMu.Lock()
	p.failedRequests++
	p.statsMu.Unlock()
	p.metrics.failures.Inc()
	return nil, lastErr
}

// Request builds and executes a request with the pool's retry policy.
func (p *Pool) Request(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	return p.Do(req)
}

// Get is a convenience wrapper for probe-style requests.
func (p *Pool) Get(ctx context.Context, url string) (*http.Response, error) {
	return p.Request(ctx, http.MethodGet, url, nil)
}

func (p *Pool) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.lastError = err.Error()
	p.lastErrorAt = p.clock.Now()
}

// Stats returns a read-only snapshot, safe to call concurrently with
// traffic.
func (p *Pool) Stats() ferrysdk.PoolStats {
	var age time.Duration
	p.mu.Lock()
	if p.conn != nil {
		age = p.clock.Since(p.conn.createdAt)
	}
	p.mu.Unlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return ferrysdk.PoolStats{
		TotalRequests:   p.totalRequests,
		FailedRequests:  p.failedRequests,
		RetriedRequests: p.retriedRequests,
		LastError:       p.lastError,
		LastErrorAt:     p.lastErrorAt,
		ConnectionAge:   age,
		MaxAge:          p.maxAge,
	}
}

// Close tears down the pooled connection. The pool remains usable; this
// is also the shutdown path.
func (p *Pool) Close() {
	p.ForceClose()
}

// IsTransportError reports whether err is a connection-class failure
// (refused, reset, timeout, truncated response) that warrants retrying on
// a fresh connection. Context cancellation is the caller going away, not
// a transport failure.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.Is(err, context.Canceled) {
		return false
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if xerrors.As(err, &netErr) {
		return true
	}
	if xerrors.Is(err, io.EOF) || xerrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if xerrors.Is(err, syscall.ECONNREFUSED) ||
		xerrors.Is(err, syscall.ECONNRESET) ||
		xerrors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
