package resolver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/ferryd/ferry/resolver"
	"github.com/ferryd/ferry/testutil"
	"github.com/ferryd/ferry/tunnel"
)

func newResolver(t *testing.T, opts resolver.Options) *resolver.Resolver {
	t.Helper()
	opts.Logger = slogtest.Make(t, nil)
	return resolver.New(opts)
}

func TestRecordFromResponse(t *testing.T) {
	t.Parallel()

	t.Run("TopLevel", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id":"abc123","url":"http://127.0.0.1:52700"}`))

		base, ok := r.Resolve("abc123")
		require.True(t, ok)
		require.Equal(t, "http://127.0.0.1:52700", base)
	})

	t.Run("NestedAndList", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{
			"sessions": [
				{"conversation_id": "conv-1", "agent_server": "http://127.0.0.1:50001", "title": "one"},
				{"conversation_id": "conv-2", "meta": {"id": "inner", "server_url": "http://127.0.0.1:50002"}}
			]
		}`))

		base, ok := r.Resolve("conv-1")
		require.True(t, ok)
		require.Equal(t, "http://127.0.0.1:50001", base)

		base, ok = r.Resolve("inner")
		require.True(t, ok)
		require.Equal(t, "http://127.0.0.1:50002", base)
	})

	t.Run("IgnoresNonLoopback", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id":"abc","url":"https://example.com:443"}`))
		require.Zero(t, r.Len())
	})

	t.Run("IgnoresMalformedJSON", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id": "abc",`))
		require.Zero(t, r.Len())
	})

	t.Run("NewerDiscoveryDisplacesOlder", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id":"abc","url":"http://127.0.0.1:50001"}`))
		r.RecordFromResponse([]byte(`{"session_id":"abc","url":"http://127.0.0.1:50009"}`))

		base, ok := r.Resolve("abc")
		require.True(t, ok)
		require.Equal(t, "http://127.0.0.1:50009", base)
	})
}

func TestResolveFallback(t *testing.T) {
	t.Parallel()

	t.Run("EmptyCache", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		_, ok := r.Resolve("anything")
		require.False(t, ok)
		_, ok = r.Resolve("")
		require.False(t, ok)
	})

	t.Run("SingleMappingNoSessionID", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id":"only","url":"http://127.0.0.1:50700"}`))

		base, ok := r.Resolve("")
		require.True(t, ok)
		require.Equal(t, "http://127.0.0.1:50700", base)
	})

	t.Run("MultipleMappingsNoSessionID", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		r.RecordFromResponse([]byte(`{"session_id":"one","url":"http://127.0.0.1:50001"}`))
		r.RecordFromResponse([]byte(`{"session_id":"two","url":"http://127.0.0.1:50002"}`))

		_, ok := r.Resolve("")
		require.False(t, ok)
	})
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	r := newResolver(t, resolver.Options{
		External: "100.92.10.4",
	})
	r.RecordFromResponse([]byte(`{"session_id":"abc","url":"http://127.0.0.1:52700"}`))

	base, ok := r.Resolve("abc")
	require.True(t, ok)
	require.Equal(t, "http://100.92.10.4:52700", base)
}

func TestFetchDirect(t *testing.T) {
	t.Parallel()

	t.Run("OK", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			require.Equal(t, "/api/sessions/abc123", req.URL.Path)
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"session_id":"abc123","agent_url":"http://127.0.0.1:52700"}`))
		}))
		defer srv.Close()

		pool, err := tunnel.New(tunnel.Options{Logger: slogtest.Make(t, nil)})
		require.NoError(t, err)
		defer pool.Close()

		r := newResolver(t, resolver.Options{
			Pool:        pool,
			DescribeURL: srv.URL + "/api/sessions",
		})

		ctx := testutil.Context(t, testutil.WaitShort)
		base, err := r.FetchDirect(ctx, "abc123")
		require.NoError(t, err)
		require.Equal(t, "http://127.0.0.1:52700", base)

		// Now cached; no further I/O needed.
		cached, ok := r.Resolve("abc123")
		require.True(t, ok)
		require.Equal(t, base, cached)
	})

	t.Run("SessionAbsentFromResponse", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"sessions":[]}`))
		}))
		defer srv.Close()

		pool, err := tunnel.New(tunnel.Options{Logger: slogtest.Make(t, nil)})
		require.NoError(t, err)
		defer pool.Close()

		r := newResolver(t, resolver.Options{
			Pool:        pool,
			DescribeURL: srv.URL + "/api/sessions",
		})

		ctx := testutil.Context(t, testutil.WaitShort)
		_, err = r.FetchDirect(ctx, "ghost")
		require.Error(t, err)
	})

	t.Run("NotConfigured", func(t *testing.T) {
		t.Parallel()

		r := newResolver(t, resolver.Options{})
		ctx := testutil.Context(t, testutil.WaitShort)
		_, err := r.FetchDirect(ctx, "abc")
		require.Error(t, err)
	})
}
