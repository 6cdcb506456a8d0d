package cli

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/serpent"

	"github.com/ferryd/ferry/ferryd"
	"github.com/ferryd/ferry/ferryd/httpmw"
	"github.com/ferryd/ferry/health"
	"github.com/ferryd/ferry/proxy"
	"github.com/ferryd/ferry/resolver"
	"github.com/ferryd/ferry/tunnel"
)

//nolint:gocognit // Flag plumbing and assembly, not logic.
func serverCommand() *serpent.Command {
	var (
		httpAddress    string
		socksAddress   string
		tunnelPeer     string
		loopbackHost   string
		codeURL        string
		terminalURL    string
		describeURL    string
		healthPath     string
		token          string
		maxConnAge     time.Duration
		healthInterval time.Duration
		tunnelDaemon   string
		statusCommand  string
		recoverCommand string
		wakeHardware   string
		wakeBroadcast  string
		verbose        bool
	)

	cmd := &serpent.Command{
		Use:   "server",
		Short: "Start the ferry gateway",
		Handler: func(inv *serpent.Invocation) error {
			logger := newLogger(inv.Stderr, verbose)

			registry := prometheus.NewRegistry()
			pool, err := tunnel.New(tunnel.Options{
				Logger:             logger.Named("tunnel"),
				SOCKS5Addr:         socksAddress,
				MaxConnAge:         maxConnAge,
				PrometheusRegistry: registry,
			})
			if err != nil {
				return xerrors.Errorf("create tunnel pool: %w", err)
			}
			defer pool.Close()

			external := ""
			if socksAddress != "" {
				external = tunnelPeer
			}
			res := resolver.New(resolver.Options{
				Logger:      logger.Named("resolver"),
				Pool:        pool,
				DescribeURL: describeURL,
				Loopback:    loopbackHost,
				External:    external,
			})

			codeTarget, err := url.Parse(codeURL)
			if err != nil {
				return xerrors.Errorf("parse code backend URL %q: %w", codeURL, err)
			}

			rewriteHost := external
			if rewriteHost == "" {
				rewriteHost = loopbackHost
			}
			backends := []ferryd.Backend{{
				Name:       "code",
				Prefix:     "code",
				Target:     codeTarget,
				Dynamic:    true,
				HealthPath: healthPath,
				Rewriter:   proxy.NewLoopbackRewriter(loopbackHost, rewriteHost, res.RecordFromResponse),
			}}
			if terminalURL != "" {
				terminalTarget, err := url.Parse(terminalURL)
				if err != nil {
					return xerrors.Errorf("parse terminal backend URL %q: %w", terminalURL, err)
				}
				backends = append(backends, ferryd.Backend{
					Name:       "terminal",
					Prefix:     "terminal",
					Target:     terminalTarget,
					HealthPath: healthPath,
				})
			}

			healthURL := strings.TrimSuffix(codeURL, "/") + healthPath
			checks := health.Checks{
				DaemonRunning:     health.ProcessRunningCheck(tunnelDaemon),
				ProxyListening:    health.PortListeningCheck(socksAddress),
				UpstreamReachable: health.UpstreamReachableCheck(pool, healthURL),
			}
			if statusCommand != "" {
				parts := strings.Fields(statusCommand)
				checks.BackendConnected = health.CommandCheck(parts[0], parts[1:]...)
			}
			monitor := health.NewMonitor(health.Options{
				Logger:   logger.Named("health"),
				Enabled:  socksAddress != "",
				Checks:   checks,
				Interval: healthInterval,
				Recover: func(ctx context.Context) error {
					if recoverCommand != "" {
						parts := strings.Fields(recoverCommand)
						out, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
						if err != nil {
							return xerrors.Errorf("recover command: %w: %s", err, out)
						}
					}
					pool.ForceClose()
					_, err := pool.Conn()
					return err
				},
			})

			srv := ferryd.New(ferryd.Options{
				Logger:    logger,
				Pool:      pool,
				Resolver:  res,
				Monitor:   monitor,
				Validator: httpmw.StaticTokenValidator{Token: token},
				Backends:  backends,
				Wake: ferryd.WakeTarget{
					HardwareAddr: wakeHardware,
					Broadcast:    wakeBroadcast,
				},
				PrometheusRegistry: registry,
			})

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitorDone := make(chan struct{})
			go func() {
				defer close(monitorDone)
				monitor.Run(ctx)
			}()

			httpServer := &http.Server{
				Addr:              httpAddress,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- httpServer.ListenAndServe()
			}()
			logger.Info(ctx, "ferry gateway started",
				slog.F("address", httpAddress),
				slog.F("socks5", socksAddress),
				slog.F("backends", len(backends)),
			)

			select {
			case err := <-serveErr:
				return xerrors.Errorf("serve: %w", err)
			case <-ctx.Done():
			}

			logger.Info(ctx, "shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = httpServer.Shutdown(shutdownCtx)
			<-monitorDone
			return err
		},
		Options: []serpent.Option{
			{
				Flag:        "http-address",
				Env:         "FERRY_HTTP_ADDRESS",
				Description: "Address to listen on.",
				Default:     "127.0.0.1:3000",
				Value:       serpent.StringOf(&httpAddress),
			},
			{
				Flag:        "socks5-address",
				Env:         "FERRY_SOCKS5_ADDRESS",
				Description: "SOCKS5 tunnel endpoint, host:port. Empty means direct transport.",
				Value:       serpent.StringOf(&socksAddress),
			},
			{
				Flag:        "tunnel-peer",
				Env:         "FERRY_TUNNEL_PEER",
				Description: "Host that reaches the upstream machine across the tunnel. Substitutes loopback addresses discovered in responses.",
				Value:       serpent.StringOf(&tunnelPeer),
			},
			{
				Flag:        "loopback-host",
				Env:         "FERRY_LOOPBACK_HOST",
				Description: "Host upstreams advertise for themselves.",
				Default:     "127.0.0.1",
				Value:       serpent.StringOf(&loopbackHost),
			},
			{
				Flag:        "code-url",
				Env:         "FERRY_CODE_URL",
				Description: "Default base URL of the coding backend.",
				Default:     "http://127.0.0.1:8080",
				Value:       serpent.StringOf(&codeURL),
			},
			{
				Flag:        "terminal-url",
				Env:         "FERRY_TERMINAL_URL",
				Description: "Base URL of the terminal backend. Empty disables the route.",
				Value:       serpent.StringOf(&terminalURL),
			},
			{
				Flag:        "describe-url",
				Env:         "FERRY_DESCRIBE_URL",
				Description: "Session-describe endpoint for direct agent server discovery.",
				Value:       serpent.StringOf(&describeURL),
			},
			{
				Flag:        "upstream-health-path",
				Env:         "FERRY_UPSTREAM_HEALTH_PATH",
				Description: "Health-check path probed on the coding backend.",
				Default:     "/api/health",
				Value:       serpent.StringOf(&healthPath),
			},
			{
				Flag:        "session-token",
				Env:         "FERRY_SESSION_TOKEN",
				Description: "Bearer token required on every request. Empty allows all traffic.",
				Value:       serpent.StringOf(&token),
			},
			{
				Flag:        "max-conn-age",
				Env:         "FERRY_MAX_CONN_AGE",
				Description: "How long one pooled tunnel connection stays in rotation.",
				Default:     "10m",
				Value:       serpent.DurationOf(&maxConnAge),
			},
			{
				Flag:        "health-interval",
				Env:         "FERRY_HEALTH_INTERVAL",
				Description: "Tunnel health check period.",
				Default:     "30s",
				Value:       serpent.DurationOf(&healthInterval),
			},
			{
				Flag:        "tunnel-daemon",
				Env:         "FERRY_TUNNEL_DAEMON",
				Description: "Tunnel daemon process name for the liveness check.",
				Default:     "tailscaled",
				Value:       serpent.StringOf(&tunnelDaemon),
			},
			{
				Flag:        "tunnel-status-command",
				Env:         "FERRY_TUNNEL_STATUS_COMMAND",
				Description: "Command whose zero exit reports tunnel control-plane connectivity.",
				Value:       serpent.StringOf(&statusCommand),
			},
			{
				Flag:        "tunnel-recover-command",
				Env:         "FERRY_TUNNEL_RECOVER_COMMAND",
				Description: "Command run before resetting the pooled connection during recovery.",
				Value:       serpent.StringOf(&recoverCommand),
			},
			{
				Flag:        "wake-hardware-addr",
				Env:         "FERRY_WAKE_HARDWARE_ADDR",
				Description: "Hardware address of the upstream host for /api/wake.",
				Value:       serpent.StringOf(&wakeHardware),
			},
			{
				Flag:        "wake-broadcast",
				Env:         "FERRY_WAKE_BROADCAST",
				Description: "UDP broadcast address magic packets are sent to.",
				Default:     "255.255.255.255:9",
				Value:       serpent.StringOf(&wakeBroadcast),
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "FERRY_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
	}
	return cmd
}
