// Package ferryd assembles the gateway process: one router serving the
// gateway's own API (diagnostics, wake) plus one proxied route pair per
// configured backend, all sharing a single proxy engine, tunnel pool,
// health monitor and upstream resolver.
package ferryd

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog"

	"github.com/ferryd/ferry/ferryd/httpapi"
	"github.com/ferryd/ferry/ferryd/httpmw"
	"github.com/ferryd/ferry/ferrysdk"
	"github.com/ferryd/ferry/health"
	"github.com/ferryd/ferry/proxy"
	"github.com/ferryd/ferry/resolver"
	"github.com/ferryd/ferry/tunnel"
	"github.com/ferryd/ferry/wol"
)

// SessionHeader carries an explicit session hint from clients that know
// which agent server they want. The query parameter and referer sniffing
// below exist for clients that do not.
const SessionHeader = "X-Ferry-Session"

// Backend is one proxied upstream. Backends differ only in their route
// prefix, default target and response-rewrite strategy; everything else
// is the shared engine.
type Backend struct {
	// Name appears in logs and diagnostics.
	Name string
	// Prefix is the route prefix, without slashes, e.g. "code". Requests
	// under /code/* are forwarded to the target with the prefix removed.
	Prefix string
	// Target is the default upstream base URL.
	Target *url.URL
	// Dynamic backends consult the resolver for a per-request target
	// override; the default target is the fallback on a miss.
	Dynamic bool
	// HealthPath is the upstream's conventional health-check path, e.g.
	// "/health". Informational; the monitor probes it.
	HealthPath string
	// Rewriter, if set, is the backend's response transform strategy.
	Rewriter proxy.Rewriter
}

// WakeTarget identifies the machine /api/wake broadcasts for.
type WakeTarget struct {
	// HardwareAddr is the EUI-48 address of the upstream host.
	HardwareAddr string
	// Broadcast is the UDP broadcast address, host:port. Defaults to the
	// limited broadcast address on the conventional discard port.
	Broadcast string
}

// Options configures a Server. Logger, Pool and Validator are required.
type Options struct {
	Logger    slog.Logger
	Pool      *tunnel.Pool
	Resolver  *resolver.Resolver
	Monitor   *health.Monitor
	Validator httpmw.TokenValidator
	Backends  []Backend
	Wake      WakeTarget

	// Engine overrides the proxy engine. One is built from Pool when nil.
	Engine *proxy.Engine
	// PrometheusRegistry backs /metrics. A fresh registry is used when
	// nil.
	PrometheusRegistry *prometheus.Registry
}

// Server is the assembled gateway. It implements http.Handler.
type Server struct {
	logger   slog.Logger
	pool     *tunnel.Pool
	resolver *resolver.Resolver
	monitor  *health.Monitor
	engine   *proxy.Engine
	wakeTo   WakeTarget

	Handler http.Handler
}

// New assembles a Server from its parts. It does not listen; the caller
// owns the http.Server.
func New(opts Options) *Server {
	if opts.Engine == nil {
		opts.Engine = proxy.New(proxy.Options{
			Logger: opts.Logger.Named("proxy"),
			Pool:   opts.Pool,
		})
	}
	registry := opts.PrometheusRegistry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		logger:   opts.Logger,
		pool:     opts.Pool,
		resolver: opts.Resolver,
		monitor:  opts.Monitor,
		engine:   opts.Engine,
		wakeTo:   opts.Wake,
	}

	r := chi.NewRouter()
	r.Use(httpmw.AttachRequestID)

	r.Group(func(r chi.Router) {
		r.Use(httpmw.Logger(opts.Logger.Named("http")))
		r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("OK"))
		})
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		r.Group(func(r chi.Router) {
			r.Use(httpmw.RequireAuth(opts.Validator))
			r.Get("/api/health", s.gatewayHealth)
			r.Post("/api/wake", s.postWake)
		})
	})

	// Proxied routes skip the logging middleware: its response-writer
	// wrapper would hide Flusher and Hijacker from the engine.
	r.Group(func(r chi.Router) {
		r.Use(httpmw.RequireAuth(opts.Validator))
		for _, b := range opts.Backends {
			r.HandleFunc("/"+b.Prefix, s.backendHandler(b))
			r.HandleFunc("/"+b.Prefix+"/*", s.backendHandler(b))
		}
	})

	s.Handler = r
	return s
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	s.Handler.ServeHTTP(rw, r)
}

// backendHandler forwards one request to the backend, resolving a
// per-request target override for dynamic backends and sniffing the
// WebSocket upgrade to choose the bridge path.
func (s *Server) backendHandler(b Backend) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// The * parameter drops the leading slash when one was present.
		path := chi.URLParam(r, "*")
		base := strings.TrimSuffix(r.URL.Path, path)
		if strings.HasSuffix(base, "/") {
			path = "/" + path
		}

		target := s.resolveTarget(r, b)
		if httpapi.IsWebsocketUpgrade(r) {
			s.engine.ProxyWebSocket(rw, r, target, path)
			return
		}
		s.engine.ProxyHTTP(rw, r, target, path, b.Rewriter)
	}
}

// resolveTarget returns the backend's target for this request. Dynamic
// backends ask the resolver, falling back to a direct describe query on
// a miss with an explicit session hint; a resolution miss is not an
// error, it just means the default target.
func (s *Server) resolveTarget(r *http.Request, b Backend) *url.URL {
	if !b.Dynamic || s.resolver == nil {
		return b.Target
	}

	hint := SessionHint(r)
	base, ok := s.resolver.Resolve(hint)
	if !ok && hint != "" {
		fetched, err := s.resolver.FetchDirect(r.Context(), hint)
		if err != nil {
			s.logger.Debug(r.Context(), "direct session fetch missed",
				slog.F("backend", b.Name),
				slog.F("session_id", hint),
				slog.Error(err),
			)
			return b.Target
		}
		base, ok = fetched, true
	}
	if !ok {
		return b.Target
	}

	u, err := url.Parse(base)
	if err != nil {
		s.logger.Warn(r.Context(), "resolved target unparseable",
			slog.F("backend", b.Name),
			slog.F("base_url", base),
			slog.Error(err),
		)
		return b.Target
	}
	return u
}

// SessionHint extracts the session identifier from a request: the
// explicit header first, then the session query parameter, then the
// referer's session query parameter or path segment. Empty means no
// hint, which engages the resolver's single-mapping fallback.
func SessionHint(r *http.Request) string {
	if hint := r.Header.Get(SessionHeader); hint != "" {
		return hint
	}
	if hint := r.URL.Query().Get("session"); hint != "" {
		return hint
	}
	referer, err := url.Parse(r.Referer())
	if err != nil {
		return ""
	}
	if hint := referer.Query().Get("session"); hint != "" {
		return hint
	}
	segments := strings.Split(strings.Trim(referer.Path, "/"), "/")
	for i, seg := range segments {
		if (seg == "session" || seg == "sessions") && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}

func (s *Server) gatewayHealth(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := ferrysdk.GatewayHealthReport{
		Time: time.Now(),
	}
	if s.monitor != nil {
		report.Tunnel = s.monitor.Snapshot()
	}
	if s.pool != nil {
		report.Pool = s.pool.Stats()
	}
	httpapi.Write(ctx, rw, http.StatusOK, report)
}

func (s *Server) postWake(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ferrysdk.WakeRequest
	if !httpapi.Read(ctx, rw, r, &req) {
		return
	}

	addr := req.HardwareAddr
	if addr == "" {
		addr = s.wakeTo.HardwareAddr
	}
	if addr == "" {
		httpapi.Write(ctx, rw, http.StatusBadRequest, ferrysdk.Response{
			Message: "No hardware address configured or supplied.",
		})
		return
	}
	hw, err := net.ParseMAC(addr)
	if err != nil {
		httpapi.Write(ctx, rw, http.StatusBadRequest, ferrysdk.Response{
			Message: "Invalid hardware address.",
			Detail:  err.Error(),
		})
		return
	}
	broadcast := s.wakeTo.Broadcast
	if broadcast == "" {
		broadcast = "255.255.255.255:9"
	}

	if err := wol.Wake(ctx, broadcast, hw); err != nil {
		s.logger.Error(ctx, "magic packet broadcast failed",
			slog.F("hardware_addr", hw.String()),
			slog.F("broadcast", broadcast),
			slog.Error(err),
		)
		httpapi.InternalServerError(rw, err)
		return
	}

	s.logger.Info(ctx, "magic packet sent",
		slog.F("hardware_addr", hw.String()),
		slog.F("broadcast", broadcast),
	)
	httpapi.Write(ctx, rw, http.StatusOK, ferrysdk.WakeResponse{
		HardwareAddr: hw.String(),
		Broadcast:    broadcast,
	})
}
