package proxy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// HTMLScriptInjector injects a compatibility script into HTML documents,
// right before the closing head tag. Documents without a head tag get the
// script prepended.
type HTMLScriptInjector struct {
	// Script is a complete <script> element.
	Script string
}

func (HTMLScriptInjector) Matches(_ string, res *http.Response) bool {
	return strings.HasPrefix(res.Header.Get("Content-Type"), "text/html")
}

func (i HTMLScriptInjector) Rewrite(_ string, _ http.Header, body []byte) ([]byte, http.Header, error) {
	html := string(body)
	idx := strings.Index(strings.ToLower(html), "</head>")
	if idx == -1 {
		return []byte(i.Script + html), nil, nil
	}
	return []byte(html[:idx] + i.Script + html[idx:]), nil, nil
}

// AssetPrefixRewriter rewrites absolute asset paths so applications that
// emit root-relative URLs keep working behind the gateway's path prefix.
type AssetPrefixRewriter struct {
	// Old is the absolute prefix the upstream emits, e.g. "/static/".
	Old string
	// New is the externally correct prefix, e.g. "/code/static/".
	New string
	// ContentTypes limits which responses are rewritten. Empty means
	// text/html only.
	ContentTypes []string
}

func (r AssetPrefixRewriter) Matches(_ string, res *http.Response) bool {
	contentTypes := r.ContentTypes
	if len(contentTypes) == 0 {
		contentTypes = []string{"text/html"}
	}
	got := res.Header.Get("Content-Type")
	for _, want := range contentTypes {
		if strings.HasPrefix(got, want) {
			return true
		}
	}
	return false
}

func (r AssetPrefixRewriter) Rewrite(_ string, _ http.Header, body []byte) ([]byte, http.Header, error) {
	for _, attr := range []string{"href", "src", "action"} {
		body = []byte(strings.ReplaceAll(string(body),
			fmt.Sprintf(`%s="%s`, attr, r.Old),
			fmt.Sprintf(`%s="%s`, attr, r.New),
		))
	}
	return body, nil, nil
}

// LoopbackRewriter substitutes tunnel-internal loopback addresses
// embedded in JSON payloads with the externally reachable host. The
// original body is handed to Observe first, which is how the upstream
// resolver learns session-to-port mappings from normal traffic.
type LoopbackRewriter struct {
	// Loopback is the host upstreams report for themselves, e.g.
	// "127.0.0.1".
	Loopback string
	// External is the host that actually reaches them from here.
	External string
	// Observe, if set, sees every matched body before rewriting.
	Observe func(body []byte)

	pattern *regexp.Regexp
}

// NewLoopbackRewriter compiles the substitution pattern once.
func NewLoopbackRewriter(loopback, external string, observe func(body []byte)) *LoopbackRewriter {
	return &LoopbackRewriter{
		Loopback: loopback,
		External: external,
		Observe:  observe,
		pattern:  regexp.MustCompile(`(https?|wss?)://` + regexp.QuoteMeta(loopback) + `:(\d+)`),
	}
}

func (*LoopbackRewriter) Matches(_ string, res *http.Response) bool {
	return strings.HasPrefix(res.Header.Get("Content-Type"), "application/json")
}

func (r *LoopbackRewriter) Rewrite(_ string, _ http.Header, body []byte) ([]byte, http.Header, error) {
	if r.Observe != nil {
		r.Observe(body)
	}
	rewritten := r.pattern.ReplaceAll(body, []byte(`$1://`+r.External+`:$2`))
	return rewritten, nil, nil
}

// Rewriters applies the first matching strategy of an ordered list.
type Rewriters []Rewriter

func (rs Rewriters) Matches(path string, res *http.Response) bool {
	for _, r := range rs {
		if r.Matches(path, res) {
			return true
		}
	}
	return false
}

func (rs Rewriters) Rewrite(path string, header http.Header, body []byte) ([]byte, http.Header, error) {
	for _, r := range rs {
		if r.Matches(path, &http.Response{Header: header}) {
			return r.Rewrite(path, header, body)
		}
	}
	return body, nil, nil
}
