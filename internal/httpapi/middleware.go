// Package httpapi wires the core pipeline's HTTP-facing surface (spec
// §6.1/§6.3, core-relevant subset): inbound webhook receipt, health and
// metrics, and a handful of admin endpoints to operate the queue and
// detection engine. Full tenant CRUD/dashboard/auth middleware are out of
// scope for the core semantics this module implements.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/revback/core/internal/logging"
)

type traceIDKey struct{}

// loggingMiddleware logs every request with a trace ID, adapted from the
// teacher's infrastructure/middleware LoggingMiddleware.
func loggingMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), traceIDKey{}, traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.WithFields(map[string]any{
				"trace_id": traceID, "method": r.Method, "path": r.URL.Path,
				"status": wrapped.status, "duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

// recoveryMiddleware turns a panic into a 500 instead of killing the
// process, mirroring the teacher's RecoveryMiddleware.
func recoveryMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]any{
						"panic": fmt.Sprintf("%v", rec), "stack": string(debug.Stack()), "path": r.URL.Path,
					}).Error("panic recovered")
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
