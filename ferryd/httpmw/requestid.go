package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestID returns the ID of the request. It handles the case where the
// middleware has not run, so it is safe to call from any handler.
func RequestID(r *http.Request) uuid.UUID {
	rid, ok := r.Context().Value(requestIDContextKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return rid
}

// AttachRequestID adds a request ID to each HTTP request and echoes it in
// the X-Ferry-Request-Id response header.
func AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rid := uuid.New()
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, rid)
		rw.Header().Set("X-Ferry-Request-Id", rid.String())
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
