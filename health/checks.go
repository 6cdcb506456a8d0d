package health

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"time"

	"golang.org/x/xerrors"
)

// probeTimeout bounds each individual check so a hung probe cannot stall
// the cycle.
const probeTimeout = 5 * time.Second

// requester is the slice of tunnel.Pool the upstream probe needs.
type requester interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// PortListeningCheck probes whether addr (host:port) accepts TCP
// connections. Used for the local tunnel proxy port.
func PortListeningCheck(addr string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// ProcessRunningCheck probes whether a process matching name is alive.
// Inside constrained containers process visibility is unreliable, which
// is why this check is informational only.
func ProcessRunningCheck(name string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		err := exec.CommandContext(ctx, "pgrep", "-x", name).Run()
		return err == nil
	}
}

// CommandCheck probes connectivity by running a command and treating a
// zero exit status as success, e.g. the tunnel CLI's own status
// subcommand.
func CommandCheck(name string, args ...string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		err := exec.CommandContext(ctx, name, args...).Run()
		return err == nil
	}
}

// UpstreamReachableCheck issues a data-plane probe through the tunnel
// transport to the upstream's health endpoint, expecting a 200.
func UpstreamReachableCheck(pool requester, healthURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		res, err := pool.Get(ctx, healthURL)
		if err != nil {
			return xerrors.Errorf("probe %s: %w", healthURL, err)
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return xerrors.Errorf("probe %s: status %d", healthURL, res.StatusCode)
		}
		return nil
	}
}
