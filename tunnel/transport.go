package tunnel

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/xerrors"
)

// dialContextFunc matches http.Transport.DialContext.
type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// socks5DialContext builds a context-aware dialer that routes TCP
// connections through the SOCKS5 endpoint at addr.
func socks5DialContext(addr string) (dialContextFunc, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, xerrors.Errorf("create SOCKS5 dialer for %q: %w", addr, err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		// proxy.SOCKS5 always returns a ContextDialer today; guard
		// against the interface being lost in a future version.
		return func(_ context.Context, network, address string) (net.Conn, error) {
			return dialer.Dial(network, address)
		}, nil
	}
	return ctxDialer.DialContext, nil
}

// newTransport builds the transport for one pooled connection. When
// socksAddr is empty the transport dials directly.
func newTransport(socksAddr string) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // Streaming responses have no header deadline.
		// The gateway filters accept-encoding and streams bodies
		// verbatim, so transparent decompression must stay off.
		DisableCompression: true,
	}
	if socksAddr == "" {
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		transport.DialContext = dialer.DialContext
		return transport, nil
	}

	dialCtx, err := socks5DialContext(socksAddr)
	if err != nil {
		return nil, err
	}
	transport.DialContext = dialCtx
	return transport, nil
}
