package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"
	"github.com/coder/websocket"

	"github.com/ferryd/ferry/ferryd/httpapi"
	"github.com/ferryd/ferry/tunnel"
)

// ProxyWebSocket bridges an inbound WebSocket connection to
// target/path, through the tunnel transport. It runs until either side
// closes. The upstream dial is retried on transient connection errors;
// mid-session failures are not.
func (e *Engine) ProxyWebSocket(rw http.ResponseWriter, r *http.Request, target *url.URL, path string) {
	ctx := r.Context()

	wsURL := *target
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = singleJoin(target.Path, path)
	wsURL.RawQuery = r.URL.RawQuery

	subprotocols := requestedSubprotocols(r)

	upstream, err := e.dialUpstream(ctx, wsURL.String(), subprotocols)
	if err != nil {
		e.logger.Warn(ctx, "websocket upstream dial failed",
			slog.F("target", wsURL.Redacted()),
			slog.Error(err),
		)
		// Accept the inbound handshake so the client receives a proper
		// close frame instead of a torn TCP connection.
		client, acceptErr := websocket.Accept(rw, r, &websocket.AcceptOptions{
			Subprotocols: subprotocols,
		})
		if acceptErr != nil {
			return
		}
		_ = client.Close(websocket.StatusInternalError,
			httpapi.WebsocketCloseSprintf("proxy unavailable: %s", err))
		return
	}
	defer upstream.Close(websocket.StatusNormalClosure, "")

	// Accept using the subprotocol the upstream chose, so all three
	// parties agree.
	acceptOpts := &websocket.AcceptOptions{}
	if chosen := upstream.Subprotocol(); chosen != "" {
		acceptOpts.Subprotocols = []string{chosen}
	}
	client, err := websocket.Accept(rw, r, acceptOpts)
	if err != nil {
		e.logger.Debug(ctx, "websocket accept failed", slog.Error(err))
		return
	}
	defer client.Close(websocket.StatusNormalClosure, "")

	e.bridge(ctx, client, upstream)
}

// dialUpstream establishes the upstream WebSocket with the engine's dial
// policy: transient connection errors are retried with backoff,
// protocol-level failures abort immediately.
func (e *Engine) dialUpstream(ctx context.Context, wsURL string, subprotocols []string) (*websocket.Conn, error) {
	conn, err := e.pool.Conn()
	if err != nil {
		return nil, xerrors.Errorf("acquire tunnel connection: %w", err)
	}
	httpClient := conn.HTTPClient()

	clock := quartz.NewReal()
	var lastErr error
	for attempt := 0; attempt < e.dialPolicy.Attempts; attempt++ {
		if attempt > 0 {
			if err := e.dialPolicy.Sleep(ctx, clock, attempt-1); err != nil {
				return nil, err
			}
			// The failed dial may have poisoned the pooled connection;
			// force a fresh one for the next attempt.
			e.pool.ForceClose()
			conn, err = e.pool.Conn()
			if err != nil {
				lastErr = err
				continue
			}
			httpClient = conn.HTTPClient()
		}

		//nolint:bodyclose // The websocket library owns the hijacked response.
		ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPClient:      httpClient,
			Subprotocols:    subprotocols,
			CompressionMode: websocket.CompressionDisabled,
		})
		if err == nil {
			return ws, nil
		}
		lastErr = err
		if !tunnel.IsTransportError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// bridge runs the two forwarding directions concurrently and tears the
// whole session down as soon as either ends.
func (e *Engine) bridge(ctx context.Context, client, upstream *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	pump := func(dst, src *websocket.Conn) {
		defer func() {
			// Either direction finishing ends the session.
			cancel()
			done <- struct{}{}
		}()
		for {
			typ, data, err := src.Read(ctx)
			if err != nil {
				status := websocket.CloseStatus(err)
				if status == -1 {
					status = websocket.StatusInternalError
				}
				reason := ""
				var closeErr websocket.CloseError
				if xerrors.As(err, &closeErr) {
					reason = closeErr.Reason
				}
				_ = dst.Close(status, httpapi.WebsocketCloseSprintf("%s", reason))
				return
			}
			if err := dst.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}

	go pump(upstream, client)
	go pump(client, upstream)

	// Wait for both directions so no forwarding goroutine outlives the
	// session.
	<-done
	<-done
}

func requestedSubprotocols(r *http.Request) []string {
	var subprotocols []string
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if proto != "" {
				subprotocols = append(subprotocols, proto)
			}
		}
	}
	return subprotocols
}
