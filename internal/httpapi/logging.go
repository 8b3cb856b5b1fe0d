package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware chain.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// LoggingMiddleware writes one access log line per request and turns panics
// into 500 responses.
func LoggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				writeError(writer, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			}
			event := logger.Info()
			if writer.status >= http.StatusInternalServerError {
				event = logger.Error()
			} else if writer.status >= http.StatusBadRequest {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", writer.status).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("organization_id", r.URL.Query().Get("organizationId")).
				Str("request_id", requestIDFromRequest(r)).
				Msg("request")
		}()
		next.ServeHTTP(writer, r)
	})
}
