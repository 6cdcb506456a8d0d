// Package proxy implements the generic reverse-proxy engine: it forwards
// HTTP requests (including streaming and SSE bodies) and bridges
// WebSocket connections to an upstream, through the tunnel transport when
// one is configured.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/ferryd/ferry/ferryd/httpapi"
	"github.com/ferryd/ferry/ferrysdk"
	"github.com/ferryd/ferry/tunnel"
)

const (
	// defaultChunkSize is the copy unit for plain passthrough.
	defaultChunkSize = 4096
	// defaultKeepalive is the SSE idle bound before a synthetic
	// keepalive comment is emitted.
	defaultKeepalive = 15 * time.Second
)

// requestStripHeaders are hop-by-hop (or hop-damaging) request headers
// never forwarded upstream. Accept-Encoding is stripped so the upstream
// replies uncompressed and rewrite hooks see plain bodies.
var requestStripHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

// responseStripHeaders are never copied back to the client; the gateway's
// own server controls framing.
var responseStripHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
	"Content-Encoding":  {},
	"Keep-Alive":        {},
}

// nonCanonicalHeaders maps canonicalized header names to the exact
// capitalization some upstreams require for the WebSocket handshake
// headers from RFC 6455. Go will not special-case these itself.
//
// https://github.com/golang/go/issues/18495
var nonCanonicalHeaders = map[string]string{
	"Sec-Websocket-Accept":     "Sec-WebSocket-Accept",
	"Sec-Websocket-Extensions": "Sec-WebSocket-Extensions",
	"Sec-Websocket-Key":        "Sec-WebSocket-Key",
	"Sec-Websocket-Protocol":   "Sec-WebSocket-Protocol",
	"Sec-Websocket-Version":    "Sec-WebSocket-Version",
}

// Rewriter is the per-backend response transform strategy. Matches
// selects which responses are buffered and rewritten; everything else
// streams through untouched.
type Rewriter interface {
	Matches(path string, res *http.Response) bool
	Rewrite(path string, header http.Header, body []byte) ([]byte, http.Header, error)
}

// Options configures an Engine.
type Options struct {
	Logger slog.Logger
	Pool   *tunnel.Pool
	// ChunkSize is the plain-passthrough copy unit. Defaults to 4096.
	ChunkSize int
	// KeepaliveInterval bounds SSE reads; a synthetic keepalive comment
	// is written when no data arrives within it. Defaults to 15s.
	KeepaliveInterval time.Duration
	// DialPolicy governs WebSocket connection establishment retries.
	DialPolicy tunnel.Policy
}

// Engine forwards requests to upstreams. It holds no per-request state;
// one Engine serves all backends.
type Engine struct {
	logger     slog.Logger
	pool       *tunnel.Pool
	chunkSize  int
	keepalive  time.Duration
	dialPolicy tunnel.Policy
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	if opts.DialPolicy.Attempts <= 0 {
		opts.DialPolicy = tunnel.WebSocketDialPolicy()
	}
	return &Engine{
		logger:     opts.Logger,
		pool:       opts.Pool,
		chunkSize:  opts.ChunkSize,
		keepalive:  opts.KeepaliveInterval,
		dialPolicy: opts.DialPolicy,
	}
}

// responseMode is the tagged variant for response handling, selected
// exactly once per response.
type responseMode int

const (
	modePlain responseMode = iota
	modeSSE
	modeRewrite
)

func selectMode(path string, res *http.Response, rewriter Rewriter) responseMode {
	if rewriter != nil && rewriter.Matches(path, res) {
		return modeRewrite
	}
	contentType := res.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return modeSSE
	}
	return modePlain
}

// ProxyHTTP forwards one request to target/path and streams the response
// back. The inbound body is forwarded without buffering. The rewriter, if
// any, is the backend's response transform strategy.
func (e *Engine) ProxyHTTP(rw http.ResponseWriter, r *http.Request, target *url.URL, path string, rewriter Rewriter) {
	ctx := r.Context()

	outURL := *target
	outURL.Path = singleJoin(target.Path, path)
	outURL.RawQuery = r.URL.RawQuery

	// Bodyless requests stay rewindable so the pool can retry them on a
	// fresh connection; streamed uploads are forwarded unbuffered and
	// attempted once.
	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		httpapi.Write(ctx, rw, http.StatusInternalServerError, ferrysdk.Response{
			Message: "Failed to build upstream request.",
			Detail:  err.Error(),
		})
		return
	}
	copyRequestHeaders(r, out)

	res, err := e.pool.Do(out)
	if err != nil {
		if xerrors.Is(err, context.Canceled) {
			// Client went away; nothing to answer.
			return
		}
		if tunnel.IsTransportError(err) {
			e.logger.Warn(ctx, "upstream unavailable",
				slog.F("target", outURL.Redacted()),
				slog.Error(err),
			)
			httpapi.Write(ctx, rw, http.StatusServiceUnavailable, ferrysdk.Response{
				Message: "Upstream unavailable.",
				Detail:  err.Error(),
			})
			return
		}
		e.logger.Error(ctx, "proxy request failed",
			slog.F("target", outURL.Redacted()),
			slog.Error(err),
		)
		httpapi.InternalServerError(rw, err)
		return
	}
	defer res.Body.Close()

	switch selectMode(path, res, rewriter) {
	case modeRewrite:
		e.serveRewrite(ctx, rw, res, path, rewriter)
	case modeSSE:
		e.serveSSE(ctx, rw, res)
	default:
		e.servePlain(ctx, rw, res)
	}
}

// servePlain streams the body through in fixed-size chunks, flushing
// each one so time-to-first-byte does not depend on response size.
func (e *Engine) servePlain(ctx context.Context, rw http.ResponseWriter, res *http.Response) {
	copyResponseHeaders(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)

	flusher, _ := rw.(http.Flusher)
	buf := make([]byte, e.chunkSize)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !xerrors.Is(err, io.EOF) && ctx.Err() == nil {
				e.logger.Debug(ctx, "upstream body read ended", slog.Error(err))
			}
			return
		}
	}
}

// serveSSE streams an event stream, emitting a synthetic keepalive
// comment whenever the upstream is idle past the bound so intermediaries
// do not drop the connection.
func (e *Engine) serveSSE(ctx context.Context, rw http.ResponseWriter, res *http.Response) {
	copyResponseHeaders(rw.Header(), res.Header)
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(res.StatusCode)

	flusher, ok := rw.(http.Flusher)
	if !ok {
		// Cannot stream without flushing; fall back to a plain copy.
		_, _ = io.Copy(rw, res.Body)
		return
	}
	flusher.Flush()

	type read struct {
		data []byte
		err  error
	}
	reads := make(chan read)
	go func() {
		defer close(reads)
		for {
			buf := make([]byte, e.chunkSize)
			n, err := res.Body.Read(buf)
			if n > 0 {
				select {
				case reads <- read{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case reads <- read{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	keepalive := time.NewTimer(e.keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			// The upstream is quiet, not gone. Emit a comment frame to
			// keep intermediaries from timing the stream out and keep
			// reading.
			if _, err := io.WriteString(rw, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			keepalive.Reset(e.keepalive)
		case rd, open := <-reads:
			if !open || rd.err != nil {
				return
			}
			if _, err := rw.Write(rd.data); err != nil {
				return
			}
			flusher.Flush()
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(e.keepalive)
		}
	}
}

// serveRewrite buffers the whole body, applies the backend's transform
// and sends the result as one chunk with merged headers.
func (e *Engine) serveRewrite(ctx context.Context, rw http.ResponseWriter, res *http.Response, path string, rewriter Rewriter) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		httpapi.InternalServerError(rw, xerrors.Errorf("read upstream body: %w", err))
		return
	}

	newBody, overrides, err := rewriter.Rewrite(path, res.Header, body)
	if err != nil {
		e.logger.Error(ctx, "response rewrite failed", slog.F("path", path), slog.Error(err))
		httpapi.InternalServerError(rw, xerrors.Errorf("rewrite response: %w", err))
		return
	}

	copyResponseHeaders(rw.Header(), res.Header)
	for k, vs := range overrides {
		rw.Header().Del(k)
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.Header().Set("Content-Length", strconv.Itoa(len(newBody)))
	rw.WriteHeader(res.StatusCode)
	_, _ = rw.Write(newBody)
}

func copyRequestHeaders(r *http.Request, out *http.Request) {
	for k, vs := range r.Header {
		out.Header[k] = append([]string(nil), vs...)
	}
	for _, h := range requestStripHeaders {
		out.Header.Del(h)
	}
	// Restore the exact capitalization of the RFC 6455 handshake
	// headers.
	for k, canonical := range nonCanonicalHeaders {
		if vs, ok := out.Header[k]; ok {
			delete(out.Header, k)
			out.Header[canonical] = vs
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, strip := responseStripHeaders[http.CanonicalHeaderKey(k)]; strip {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

// singleJoin joins two path segments with exactly one slash.
func singleJoin(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}
