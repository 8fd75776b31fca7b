package httpx

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id across services.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware reuses an inbound X-Request-ID or mints a new one,
// echoes it on the response and logs request start/end.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			ctx := WithRequestID(r.Context(), rid)
			w.Header().Set(RequestIDHeader, rid)
			start := time.Now()
			logger.InfoContext(ctx, "request_start", "method", r.Method, "path", r.URL.Path)
			rec := &StatusRecorder{ResponseWriter: w, Code: http.StatusOK}
			defer func() {
				logger.InfoContext(ctx, "request_end",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.Code,
					"elapsed_ms", time.Since(start).Milliseconds(),
				)
			}()
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Code int
}

func (s *StatusRecorder) WriteHeader(statusCode int) {
	s.Code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// websocket upgrade needs for hijacking.
func (s *StatusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack exposes the underlying connection for protocol upgrades.
func (s *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}
