package httpmw

import (
	"net/http"
	"time"

	"cdr.dev/slog"
)

// loggerResponseWriter intercepts the status code and written byte count
// so the request logger can report them. Wrapping loses optional
// interfaces (Hijacker, Flusher), so the proxy paths are mounted outside
// this middleware; it only wraps the gateway's own API routes.
type loggerResponseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *loggerResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggerResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Logger logs each API request at debug level with its outcome.
func Logger(logger slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &loggerResponseWriter{ResponseWriter: rw}
			next.ServeHTTP(lw, r)

			logger.Debug(r.Context(), "api request",
				slog.F("request_id", RequestID(r)),
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("status", lw.status),
				slog.F("written", lw.written),
				slog.F("took", time.Since(start)),
			)
		})
	}
}
