package ferrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"
)

// Client talks to a ferry gateway's own API endpoints. Proxied traffic
// does not go through it.
type Client struct {
	HTTPClient   *http.Client
	URL          *url.URL
	SessionToken string
}

// New creates a client for the gateway at rawURL.
func New(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("parse gateway URL: %w", err)
	}
	return &Client{
		HTTPClient: &http.Client{},
		URL:        u,
	}, nil
}

// Request performs an HTTP request against the gateway API and decodes a
// JSON error envelope on non-2xx statuses.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return xerrors.Errorf("marshal request body: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	u, err := c.URL.Parse(path)
	if err != nil {
		return xerrors.Errorf("parse request path: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), buf)
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return xerrors.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		var apiErr Response
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err != nil {
			return xerrors.Errorf("%s %s: unexpected status %d", method, path, res.StatusCode)
		}
		return &Error{StatusCode: res.StatusCode, Response: apiErr}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode response body: %w", err)
	}
	return nil
}

// Health fetches the diagnostics snapshot.
func (c *Client) Health(ctx context.Context) (GatewayHealthReport, error) {
	var report GatewayHealthReport
	err := c.Request(ctx, http.MethodGet, "/api/health", nil, &report)
	return report, err
}

// Wake asks the gateway to broadcast a magic packet.
func (c *Client) Wake(ctx context.Context, req WakeRequest) (WakeResponse, error) {
	var res WakeResponse
	err := c.Request(ctx, http.MethodPost, "/api/wake", req, &res)
	return res, err
}

// Error is an API error with its decoded envelope.
type Error struct {
	StatusCode int
	Response
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
