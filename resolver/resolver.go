// Package resolver discovers per-session upstream servers. Coding
// backends spawn one agent server per session on a random port and only
// advertise it inside JSON response bodies, so the gateway scans traffic
// for those addresses and keeps a session-to-URL cache.
//
// Mappings are never expired: a stale entry (the agent process was
// replaced) is indistinguishable from a live one until a connection
// fails, and is only displaced by a newer discovery for the same key.
package resolver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/ferryd/ferry/tunnel"
)

// sessionKeyFields are the JSON object keys that can carry a session
// identifier, in preference order.
var sessionKeyFields = []string{"session_id", "conversation_id", "id"}

// Mapping is one discovered session-to-upstream relationship.
type Mapping struct {
	SessionID    string
	BaseURL      string
	DiscoveredAt time.Time
}

// Options configures a Resolver.
type Options struct {
	Logger slog.Logger
	// Pool executes direct describe queries on cache miss.
	Pool *tunnel.Pool
	// DescribeURL is the upstream's session-describe endpoint; the
	// session ID is appended as a path segment.
	DescribeURL string
	// Loopback is the host agent servers advertise for themselves,
	// e.g. "127.0.0.1".
	Loopback string
	// External substitutes Loopback when set: once traffic crosses the
	// tunnel boundary the literal loopback address resolves to the
	// wrong host.
	External string
}

// Resolver maintains the session-to-upstream cache. Any request
// goroutine observing new mapping data may insert; concurrent inserts
// for the same key are last-write-wins.
type Resolver struct {
	logger      slog.Logger
	pool        *tunnel.Pool
	describeURL string
	external    string
	pattern     *regexp.Regexp

	mu       sync.RWMutex
	mappings map[string]Mapping
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	loopback := opts.Loopback
	if loopback == "" {
		loopback = "127.0.0.1"
	}
	return &Resolver{
		logger:      opts.Logger,
		pool:        opts.Pool,
		describeURL: opts.DescribeURL,
		external:    opts.External,
		pattern:     regexp.MustCompile(`^https?://` + regexp.QuoteMeta(loopback) + `:\d+`),
		mappings:    make(map[string]Mapping),
	}
}

// RecordFromResponse scans a JSON response body for objects carrying
// both a session identifier and a loopback upstream URL, caching every
// pair found. Malformed JSON is ignored; response bodies are untrusted
// input, not errors.
func (r *Resolver) RecordFromResponse(body []byte) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	r.walk(parsed)
}

func (r *Resolver) walk(node any) {
	switch v := node.(type) {
	case map[string]any:
		r.recordIfMapping(v)
		for _, child := range v {
			r.walk(child)
		}
	case []any:
		for _, child := range v {
			r.walk(child)
		}
	}
}

func (r *Resolver) recordIfMapping(obj map[string]any) {
	sessionID := ""
	for _, field := range sessionKeyFields {
		if s, ok := obj[field].(string); ok && s != "" {
			sessionID = s
			break
		}
	}
	if sessionID == "" {
		return
	}
	for _, value := range obj {
		s, ok := value.(string)
		if !ok || !r.pattern.MatchString(s) {
			continue
		}
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		base := u.Scheme + "://" + u.Host
		r.record(sessionID, base)
		return
	}
}

func (r *Resolver) record(sessionID, baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.mappings[sessionID]
	if existed && prev.BaseURL == baseURL {
		return
	}
	r.mappings[sessionID] = Mapping{
		SessionID:    sessionID,
		BaseURL:      baseURL,
		DiscoveredAt: time.Now(),
	}
	r.logger.Info(context.Background(), "discovered agent server",
		slog.F("session_id", sessionID),
		slog.F("base_url", baseURL),
		slog.F("replaced", existed),
	)
}

// Resolve is a pure cache lookup; no I/O. The returned URL has the
// loopback host substituted with the external host when one is
// configured.
func (r *Resolver) Resolve(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sessionID == "" {
		// Best-effort fallback: with exactly one known mapping and no
		// identifier, that mapping is used. Zero or several mappings
		// mean no override.
		if len(r.mappings) != 1 {
			return "", false
		}
		for _, m := range r.mappings {
			return r.translate(m.BaseURL), true
		}
	}
	m, ok := r.mappings[sessionID]
	if !ok {
		return "", false
	}
	return r.translate(m.BaseURL), true
}

// translate substitutes the loopback host with the tunnel's reachable
// peer address, preserving the discovered port.
func (r *Resolver) translate(baseURL string) string {
	if r.external == "" {
		return baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	u.Host = r.external + ":" + u.Port()
	return u.String()
}

// FetchDirect covers the race where a client connects before the
// resolver has seen the mapping in normal traffic: it queries the
// session-describe endpoint and scans the result, then returns the
// now-cached value if present.
func (r *Resolver) FetchDirect(ctx context.Context, sessionID string) (string, error) {
	if r.pool == nil || r.describeURL == "" {
		return "", xerrors.New("direct fetch not configured")
	}
	if sessionID == "" {
		return "", xerrors.New("session id required for direct fetch")
	}

	describeURL := strings.TrimSuffix(r.describeURL, "/") + "/" + url.PathEscape(sessionID)
	res, err := r.pool.Get(ctx, describeURL)
	if err != nil {
		return "", xerrors.Errorf("describe session %q: %w", sessionID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("describe session %q: status %d", sessionID, res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", xerrors.Errorf("read describe response: %w", err)
	}

	r.RecordFromResponse(body)
	base, ok := r.Resolve(sessionID)
	if !ok {
		return "", xerrors.Errorf("session %q not present in describe response", sessionID)
	}
	return base, nil
}

// Mappings returns a copy of the cache for diagnostics.
func (r *Resolver) Mappings() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	return out
}

// Len returns the number of cached mappings.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}
