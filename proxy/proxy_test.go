package proxy_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/ferryd/ferry/proxy"
	"github.com/ferryd/ferry/testutil"
	"github.com/ferryd/ferry/tunnel"
)

func newEngine(t *testing.T, opts proxy.Options) *proxy.Engine {
	t.Helper()
	opts.Logger = slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	if opts.Pool == nil {
		pool, err := tunnel.New(tunnel.Options{
			Logger: opts.Logger,
			Retry:  tunnel.Policy{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond},
		})
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		opts.Pool = pool
	}
	if opts.DialPolicy.Attempts == 0 {
		opts.DialPolicy = tunnel.Policy{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}
	}
	return proxy.New(opts)
}

// newGateway serves the engine behind a real HTTP server so streaming
// and flushing behave as in production.
func newGateway(t *testing.T, engine *proxy.Engine, target *url.URL, rewriter proxy.Rewriter) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		engine.ProxyHTTP(rw, r, target, r.URL.Path, rewriter)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustParse(t *testing.T, rawURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u
}

func TestProxyHTTPPassthrough(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/files", r.URL.Path)
		require.Equal(t, "dir=%2Ftmp", r.URL.RawQuery)
		require.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		require.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		require.Empty(t, r.Header.Get("Accept-Encoding"))
		require.Equal(t, "yes", r.Header.Get("X-Custom"))

		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("X-Upstream", "agent")
		rw.WriteHeader(http.StatusCreated)
		_, _ = rw.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	engine := newEngine(t, proxy.Options{})
	gateway := newGateway(t, engine, mustParse(t, upstream.URL), nil)

	req, err := http.NewRequest(http.MethodGet, gateway.URL+"/api/files?dir=%2Ftmp", nil)
	require.NoError(t, err)
	req.Header.Set("X-Custom", "yes")
	req.Header.Set("Accept-Encoding", "gzip")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, "agent", res.Header.Get("X-Upstream"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestProxyHTTPUpstreamDown(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, proxy.Options{})
	// Port 1 on loopback refuses connections.
	gateway := newGateway(t, engine, mustParse(t, "http://127.0.0.1:1"), nil)

	res, err := http.Get(gateway.URL + "/anything")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Upstream unavailable.")
}

func TestProxyHTTPStreamingNoBuffering(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/octet-stream")
		_, _ = rw.Write([]byte("first-chunk"))
		rw.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = rw.Write([]byte("second-chunk"))
	}))
	defer upstream.Close()

	engine := newEngine(t, proxy.Options{})
	gateway := newGateway(t, engine, mustParse(t, upstream.URL), nil)

	res, err := http.Get(gateway.URL + "/stream")
	require.NoError(t, err)
	defer res.Body.Close()

	// The first chunk must arrive while the upstream is still stalled.
	// A buffering proxy would block here until the test times out.
	buf := make([]byte, 64)
	n, err := res.Body.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "first-chunk", string(buf[:n]))

	close(release)
	rest, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "second-chunk", string(rest))
}

func TestProxyHTTPSSE(t *testing.T) {
	t.Parallel()

	t.Run("Keepalive", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "text/event-stream")
			_, _ = rw.Write([]byte("data: hello\n\n"))
			rw.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			_, _ = rw.Write([]byte("data: world\n\n"))
			rw.(http.Flusher).Flush()
		}))
		defer upstream.Close()

		engine := newEngine(t, proxy.Options{
			KeepaliveInterval: 50 * time.Millisecond,
		})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), nil)

		res, err := http.Get(gateway.URL + "/events")
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

		// First the real event, then at least one verbatim keepalive
		// comment while the upstream is idle.
		var got strings.Builder
		buf := make([]byte, 256)
		for !strings.Contains(got.String(), ": keepalive\n\n") {
			n, err := res.Body.Read(buf)
			require.NoError(t, err)
			got.Write(buf[:n])
		}
		require.True(t, strings.HasPrefix(got.String(), "data: hello\n\n"))
		require.NotContains(t, got.String(), "world")

		// Real data resumes after the keepalive.
		close(release)
		rest, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.Contains(t, string(rest), "data: world\n\n")
	})

	t.Run("NoKeepaliveForPlainResponses", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "text/plain")
			_, _ = rw.Write([]byte("abc"))
			rw.(http.Flusher).Flush()
			time.Sleep(150 * time.Millisecond)
			_, _ = rw.Write([]byte("def"))
		}))
		defer upstream.Close()

		engine := newEngine(t, proxy.Options{
			KeepaliveInterval: 50 * time.Millisecond,
		})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), nil)

		res, err := http.Get(gateway.URL + "/plain")
		require.NoError(t, err)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.Equal(t, "abcdef", string(body))
	})
}

func TestProxyHTTPRewrite(t *testing.T) {
	t.Parallel()

	t.Run("HTMLScriptInjection", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = rw.Write([]byte("<html><head><title>t</title></head><body></body></html>"))
		}))
		defer upstream.Close()

		engine := newEngine(t, proxy.Options{})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), proxy.HTMLScriptInjector{
			Script: `<script src="/ferry/compat.js"></script>`,
		})

		res, err := http.Get(gateway.URL + "/")
		require.NoError(t, err)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.Equal(t,
			`<html><head><title>t</title><script src="/ferry/compat.js"></script></head><body></body></html>`,
			string(body),
		)
		require.Equal(t, res.ContentLength, int64(len(body)))
	})

	t.Run("LoopbackSubstitution", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"session_id":"s1","url":"http://127.0.0.1:52700"}`))
		}))
		defer upstream.Close()

		var observed []byte
		rewriter := proxy.NewLoopbackRewriter("127.0.0.1", "100.92.10.4", func(body []byte) {
			observed = append([]byte(nil), body...)
		})

		engine := newEngine(t, proxy.Options{})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), rewriter)

		res, err := http.Get(gateway.URL + "/api/sessions")
		require.NoError(t, err)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"session_id":"s1","url":"http://100.92.10.4:52700"}`, string(body))
		// The observer sees the original body, before substitution.
		require.Contains(t, string(observed), "127.0.0.1:52700")
	})

	t.Run("AssetPrefix", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "text/html")
			_, _ = rw.Write([]byte(`<link href="/static/app.css"><script src="/static/app.js"></script>`))
		}))
		defer upstream.Close()

		engine := newEngine(t, proxy.Options{})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), proxy.AssetPrefixRewriter{
			Old: "/static/",
			New: "/code/static/",
		})

		res, err := http.Get(gateway.URL + "/")
		require.NoError(t, err)
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.Equal(t,
			`<link href="/code/static/app.css"><script src="/code/static/app.js"></script>`,
			string(body),
		)
	})

	t.Run("RewriteErrorIs500", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "text/html")
			_, _ = rw.Write([]byte("<html></html>"))
		}))
		defer upstream.Close()

		engine := newEngine(t, proxy.Options{})
		gateway := newGateway(t, engine, mustParse(t, upstream.URL), failingRewriter{})

		res, err := http.Get(gateway.URL + "/")
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	})
}

type failingRewriter struct{}

func (failingRewriter) Matches(string, *http.Response) bool {
	return true
}

func (failingRewriter) Rewrite(string, http.Header, []byte) ([]byte, http.Header, error) {
	return nil, nil, io.ErrClosedPipe
}

func TestProxyHTTPStreamingUpload(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, strings.Repeat("x", 1<<20), string(body))
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	engine := newEngine(t, proxy.Options{})
	gateway := newGateway(t, engine, mustParse(t, upstream.URL), nil)

	ctx := testutil.Context(t, testutil.WaitShort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.URL+"/upload",
		strings.NewReader(strings.Repeat("x", 1<<20)))
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)
}
