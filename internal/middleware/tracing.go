package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// TracingMiddleware assigns a trace id to every request and logs it once the
// response is written.
type TracingMiddleware struct {
	log *logger.Logger
}

// NewTracingMiddleware creates a new tracing middleware.
func NewTracingMiddleware(log *logger.Logger) *TracingMiddleware {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return &TracingMiddleware{log: log}
}

// Handler returns the tracing middleware handler.
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" || len(traceID) > 64 {
			traceID = uuid.NewString()
		}
		ctx := logger.WithTraceID(r.Context(), traceID)
		w.Header().Set(TraceHeader, traceID)

		rw := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		entry := m.log.WithContext(ctx).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", rw.Status()).
			WithField("bytes", rw.bytes).
			WithField("duration_ms", time.Since(start).Milliseconds())
		switch {
		case rw.Status() >= 500:
			entry.Error("request failed")
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	})
}
