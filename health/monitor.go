// Package health runs the tunnel health monitor: a fixed-interval check
// loop that probes tunnel liveness and triggers recovery after repeated
// failures.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/ferryd/ferry/ferrysdk"
)

const (
	// DefaultInterval is the check loop period.
	DefaultInterval = 30 * time.Second
	// DefaultThreshold is how many consecutive failing cycles trigger a
	// recovery attempt.
	DefaultThreshold = 3
	// DefaultSettle is how long recovery waits after resetting the
	// tunnel before re-probing.
	DefaultSettle = 5 * time.Second
)

// Checks are the independent probes run each cycle. DaemonRunning and
// BackendConnected are informational: both are known to report false
// negatives inside constrained containers, so only ProxyListening and
// UpstreamReachable feed the overall verdict.
type Checks struct {
	// DaemonRunning reports whether the tunnel daemon process is alive.
	DaemonRunning func(ctx context.Context) bool
	// ProxyListening reports whether the local tunnel proxy port
	// accepts connections.
	ProxyListening func(ctx context.Context) bool
	// BackendConnected reports the tunnel's control-plane connectivity
	// status.
	BackendConnected func(ctx context.Context) bool
	// UpstreamReachable is the data-plane probe against the real
	// upstream's health endpoint.
	UpstreamReachable func(ctx context.Context) error
}

// Options configures a Monitor.
type Options struct {
	Logger slog.Logger
	// Enabled gates the whole monitor. When false (direct/local
	// deployments) the loop never runs and the status is permanently
	// healthy.
	Enabled   bool
	Checks    Checks
	Interval  time.Duration
	Threshold int
	Settle    time.Duration
	Clock     quartz.Clock

	// Recover force-resets the tunnel and re-establishes it. Invoked
	// once the consecutive failure counter reaches the threshold.
	Recover func(ctx context.Context) error
}

// Monitor owns the HealthState. Only the check loop mutates it; readers
// get point-in-time snapshots that never block on a running cycle.
type Monitor struct {
	logger    slog.Logger
	enabled   bool
	checks    Checks
	interval  time.Duration
	threshold int
	settle    time.Duration
	clock     quartz.Clock
	recoverFn func(ctx context.Context) error

	mu                  sync.RWMutex
	status              ferrysdk.TunnelHealthStatus
	consecutiveFailures int
	totalChecks         int64
	failures            int64
	recoveries          int64
	lastChecks          ferrysdk.TunnelCheckResults
	lastCheckedAt       time.Time
	lastFailureAt       time.Time
	lastRecoveryAt      time.Time
}

// NewMonitor creates a Monitor. Run must be called for checks to happen.
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	status := ferrysdk.TunnelHealthUnknown
	if !opts.Enabled {
		status = ferrysdk.TunnelHealthHealthy
	}
	return &Monitor{
		logger:    opts.Logger,
		enabled:   opts.Enabled,
		checks:    opts.Checks,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		settle:    opts.Settle,
		clock:     opts.Clock,
		recoverFn: opts.Recover,
		status:    status,
	}
}

// Run executes the check loop until ctx is canceled. It is a no-op when
// the monitor is disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.enabled {
		return
	}
	tkr := m.clock.TickerFunc(ctx, m.interval, func() error {
		m.runCycle(ctx)
		return nil
	}, "health-monitor")
	_ = tkr.Wait()
}

func (m *Monitor) runCycle(ctx context.Context) {
	results := m.runChecks(ctx)

	m.mu.Lock()
	m.totalChecks++
	m.lastChecks = results
	m.lastCheckedAt = m.clock.Now()

	if results.Healthy() {
		m.status = ferrysdk.TunnelHealthHealthy
		m.consecutiveFailures = 0
		m.mu.Unlock()
		return
	}

	m.status = ferrysdk.TunnelHealthUnhealthy
	m.consecutiveFailures++
	m.failures++
	m.lastFailureAt = m.clock.Now()
	failures := m.consecutiveFailures
	m.mu.Unlock()

	m.logger.Warn(ctx, "tunnel health check failed",
		slog.F("consecutive_failures", failures),
		slog.F("threshold", m.threshold),
		slog.F("daemon_running", results.DaemonRunning),
		slog.F("proxy_listening", results.ProxyListening),
		slog.F("backend_connected", results.BackendConnected),
		slog.F("upstream_reachable", results.UpstreamReachable),
	)

	if failures < m.threshold {
		return
	}
	// Recovery runs on every failing cycle at or past the threshold.
	// There is deliberately no backoff between attempts; the cycle
	// interval is the only pacing. See DESIGN.md.
	m.attemptRecovery(ctx)
}

// runChecks fans the independent probes out concurrently. A probe that
// is not configured reports success so partial deployments degrade to
// the checks they can answer.
func (m *Monitor) runChecks(ctx context.Context) ferrysdk.TunnelCheckResults {
	results := ferrysdk.TunnelCheckResults{
		DaemonRunning:     true,
		ProxyListening:    true,
		BackendConnected:  true,
		UpstreamReachable: true,
	}

	var eg errgroup.Group
	if m.checks.DaemonRunning != nil {
		eg.Go(func() error {
			results.DaemonRunning = m.checks.DaemonRunning(ctx)
			return nil
		})
	}
	if m.checks.ProxyListening != nil {
		eg.Go(func() error {
			results.ProxyListening = m.checks.ProxyListening(ctx)
			return nil
		})
	}
	if m.checks.BackendConnected != nil {
		eg.Go(func() error {
			results.BackendConnected = m.checks.BackendConnected(ctx)
			return nil
		})
	}
	if m.checks.UpstreamReachable != nil {
		eg.Go(func() error {
			results.UpstreamReachable = m.checks.UpstreamReachable(ctx) == nil
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (m *Monitor) attemptRecovery(ctx context.Context) {
	if m.recoverFn == nil {
		return
	}
	m.logger.Info(ctx, "attempting tunnel recovery")
	if err := m.recoverFn(ctx); err != nil {
		m.logger.Error(ctx, "tunnel recovery action failed", slog.Error(err))
		return
	}

	// Give the re-established tunnel time to settle before re-probing.
	timer := m.clock.NewTimer(m.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if m.checks.UpstreamReachable != nil {
		if err := m.checks.UpstreamReachable(ctx); err != nil {
			m.logger.Warn(ctx, "upstream still unreachable after recovery", slog.Error(err))
			return
		}
	}

	m.mu.Lock()
	m.status = ferrysdk.TunnelHealthRecovered
	m.consecutiveFailures = 0
	m.recoveries++
	m.lastRecoveryAt = m.clock.Now()
	m.mu.Unlock()
	m.logger.Info(ctx, "tunnel recovered")
}

// Snapshot returns the last completed state. It never blocks on a
// running cycle.
func (m *Monitor) Snapshot() ferrysdk.TunnelHealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ferrysdk.TunnelHealthReport{
		Status:              m.status,
		Enabled:             m.enabled,
		ConsecutiveFailures: m.consecutiveFailures,
		TotalChecks:         m.totalChecks,
		Failures:            m.failures,
		Recoveries:          m.recoveries,
		LastChecks:          m.lastChecks,
		LastCheckedAt:       m.lastCheckedAt,
		LastFailureAt:       m.lastFailureAt,
		LastRecoveryAt:      m.lastRecoveryAt,
	}
}
