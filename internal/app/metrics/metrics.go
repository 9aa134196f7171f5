package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketplace"

// Registry holds the marketplace collectors. It is separate from the
// default registry so tests scrape only what this package records.
var Registry = prometheus.NewRegistry()

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
		Help: "HTTP requests currently being served.",
	})
	httpRequests = counterVec("http", "requests_total",
		"HTTP requests by method, route and status.", "method", "path", "status")
	// 5ms to ~5s
	httpDuration = histogramVec("http", "request_duration_seconds",
		"HTTP request latency by route.", prometheus.ExponentialBuckets(0.005, 2, 10), "method", "path")

	workflowOperations = counterVec("workflow", "operations_total",
		"Workflow operations by outcome (success or error code).", "operation", "outcome")
	// 1ms to ~30s, so settlement timeouts land in a bucket
	workflowDuration = histogramVec("workflow", "operation_duration_seconds",
		"Workflow latency including settlement and signer calls.", prometheus.ExponentialBuckets(0.001, 2, 16), "operation")

	settlementOutcomes = counterVec("settlement", "outcomes_total",
		"Release attempts and reconciliations by outcome.", "outcome")
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		workflowOperations, workflowDuration, settlementOutcomes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	inflight := promhttp.InstrumentHandlerInFlight(httpInFlight, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		inflight.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// Observer records workflow outcomes. It satisfies workflow.Observer.
type Observer struct{}

func (Observer) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	workflowOperations.WithLabelValues(op, outcome).Inc()
	workflowDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (Observer) ObserveSettlement(outcome string) {
	settlementOutcomes.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the event feed upgrade instrumented connections.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// collections whose next path segment is an identifier.
var idSegments = map[string]string{
	"jobs":         ":job",
	"applications": ":application",
	"escrows":      ":escrow",
	"employers":    ":address",
	"freelancers":  ":address",
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := 1; i < len(parts); i++ {
		if placeholder, ok := idSegments[parts[i-1]]; ok {
			parts[i] = placeholder
		}
	}
	return "/" + strings.Join(parts, "/")
}
