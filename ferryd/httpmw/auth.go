package httpmw

import (
	"net/http"
	"strings"

	"github.com/ferryd/ferry/ferryd/httpapi"
	"github.com/ferryd/ferry/ferrysdk"
)

// TokenValidator decides whether a request is authorized. Authentication
// itself (sessions, 2FA, cookies) lives outside the gateway; the proxy
// core only consumes the allow/deny outcome.
type TokenValidator interface {
	Authorized(r *http.Request) bool
}

// RequireAuth rejects unauthorized requests with a 401 JSON body before
// they reach the proxy core. WebSocket upgrade requests are rejected the
// same way; the handshake never completes so no close frame is needed.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if !validator.Authorized(r) {
				httpapi.Write(r.Context(), rw, http.StatusUnauthorized, ferrysdk.Response{
					Message: "Unauthorized.",
				})
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// StaticTokenValidator authorizes requests bearing a fixed token in the
// Authorization header or the session cookie. An empty token allows
// everything, which is the direct/local deployment mode.
type StaticTokenValidator struct {
	Token string
}

func (v StaticTokenValidator) Authorized(r *http.Request) bool {
	if v.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == v.Token {
		return true
	}
	cookie, err := r.Cookie("ferry_session_token")
	return err == nil && cookie.Value == v.Token
}
