package cli_test

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/ferryd/ferry/cli"
	"github.com/ferryd/ferry/ferryd"
	"github.com/ferryd/ferry/ferryd/httpmw"
	"github.com/ferryd/ferry/ferrysdk"
	"github.com/ferryd/ferry/health"
	"github.com/ferryd/ferry/tunnel"
	"github.com/ferryd/ferry/wol"
)

func newGateway(t *testing.T, opts ferryd.Options) *httptest.Server {
	t.Helper()
	opts.Logger = slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	if opts.Pool == nil {
		pool, err := tunnel.New(tunnel.Options{Logger: opts.Logger})
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		opts.Pool = pool
	}
	if opts.Validator == nil {
		opts.Validator = httpmw.StaticTokenValidator{}
	}
	srv := httptest.NewServer(ferryd.New(opts))
	t.Cleanup(srv.Close)
	return srv
}

func TestPingCommand(t *testing.T) {
	t.Parallel()

	// A disabled monitor reports permanently healthy.
	monitor := health.NewMonitor(health.Options{
		Logger: slogtest.Make(t, nil),
	})
	gateway := newGateway(t, ferryd.Options{Monitor: monitor})

	var stdout bytes.Buffer
	inv := cli.Root().Invoke("ping", "--url", gateway.URL)
	inv.Stdout = &stdout
	inv.Stderr = &stdout
	require.NoError(t, inv.Run())

	var report ferrysdk.GatewayHealthReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, ferrysdk.TunnelHealthHealthy, report.Tunnel.Status)
}

func TestPingCommandUnreachable(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	inv := cli.Root().Invoke("ping", "--url", "http://127.0.0.1:1", "--timeout", "250ms")
	inv.Stdout = &stdout
	inv.Stderr = &stdout
	err := inv.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "gateway unreachable")
}

func TestWakeCommand(t *testing.T) {
	t.Parallel()

	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	gateway := newGateway(t, ferryd.Options{
		Wake: ferryd.WakeTarget{
			HardwareAddr: "aa:bb:cc:dd:ee:ff",
			Broadcast:    listener.LocalAddr().String(),
		},
	})

	var stdout bytes.Buffer
	inv := cli.Root().Invoke("wake", "--url", gateway.URL)
	inv.Stdout = &stdout
	inv.Stderr = &stdout
	require.NoError(t, inv.Run())
	require.Contains(t, stdout.String(), "aa:bb:cc:dd:ee:ff")

	buf := make([]byte, 1024)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(10*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)

	hw, err := wol.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", hw.String())
}
