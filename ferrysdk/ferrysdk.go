// Package ferrysdk contains the typed HTTP API surface of the ferry
// gateway and a small client for it. Server packages populate these
// types; the CLI and tests consume them.
package ferrysdk

import (
	"time"
)

// Response represents a generic HTTP response body.
type Response struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// TunnelHealthStatus is the monitor's believed health of the tunnel.
type TunnelHealthStatus string

const (
	TunnelHealthUnknown   TunnelHealthStatus = "unknown"
	TunnelHealthHealthy   TunnelHealthStatus = "healthy"
	TunnelHealthUnhealthy TunnelHealthStatus = "unhealthy"
	TunnelHealthRecovered TunnelHealthStatus = "recovered"
)

// TunnelCheckResults holds the outcome of one monitor cycle's independent
// checks. DaemonRunning and BackendConnected are informational: they are
// known to produce false negatives inside constrained containers, so the
// overall verdict is derived from ProxyListening and UpstreamReachable
// only.
type TunnelCheckResults struct {
	DaemonRunning     bool `json:"daemon_running"`
	ProxyListening    bool `json:"proxy_listening"`
	BackendConnected  bool `json:"backend_connected"`
	UpstreamReachable bool `json:"upstream_reachable"`
}

// Healthy is the overall data-plane verdict for one cycle.
func (r TunnelCheckResults) Healthy() bool {
	return r.ProxyListening && r.UpstreamReachable
}

// TunnelHealthReport is a point-in-time snapshot of the health monitor.
type TunnelHealthReport struct {
	Status              TunnelHealthStatus `json:"status"`
	Enabled             bool               `json:"enabled"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	TotalChecks         int64              `json:"total_checks"`
	Failures            int64              `json:"failures"`
	Recoveries          int64              `json:"recoveries"`
	LastChecks          TunnelCheckResults `json:"last_checks"`
	LastCheckedAt       time.Time          `json:"last_checked_at"`
	LastFailureAt       time.Time          `json:"last_failure_at,omitempty"`
	LastRecoveryAt      time.Time          `json:"last_recovery_at,omitempty"`
}

// PoolStats is a read-only snapshot of the tunnel connection pool.
type PoolStats struct {
	TotalRequests   int64         `json:"total_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	RetriedRequests int64         `json:"retried_requests"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	ConnectionAge   time.Duration `json:"connection_age"`
	MaxAge          time.Duration `json:"max_age"`
}

// GatewayHealthReport is the diagnostics payload served on /api/health.
type GatewayHealthReport struct {
	Tunnel TunnelHealthReport `json:"tunnel"`
	Pool   PoolStats          `json:"pool"`
	Time   time.Time          `json:"time"`
}

// WakeRequest asks the gateway to broadcast a magic packet for the
// configured upstream host.
type WakeRequest struct {
	// HardwareAddr overrides the configured address when set.
	HardwareAddr string `json:"hardware_addr,omitempty"`
}

// WakeResponse reports the address that was woken.
type WakeResponse struct {
	HardwareAddr string `json:"hardware_addr"`
	Broadcast    string `json:"broadcast"`
}
