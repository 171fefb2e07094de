// Package metrics provides Prometheus metrics for the sync agent.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync engine metrics
	fileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bupper_file_outcomes_total",
			Help: "Total number of files processed, by outcome",
		},
		[]string{"outcome"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bupper_upload_bytes_total",
			Help: "Total compressed bytes written to targets",
		},
	)

	uploadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bupper_upload_attempts_total",
			Help: "Total number of upload attempts, by result",
		},
		[]string{"result"},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bupper_reconnects_total",
			Help: "Total number of session reconnects",
		},
		[]string{"status"},
	)

	uploadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bupper_uploads_in_flight",
			Help: "Number of files currently being processed by upload workers",
		},
	)

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bupper_cycles_total",
			Help: "Total number of sync cycles, by status",
		},
		[]string{"status"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bupper_cycle_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bupper_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFileOutcome records the terminal state of a file, e.g. "uploaded".
func RecordFileOutcome(outcome string) {
	fileOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordUploadAttempt records a single attempt to write a file.
func RecordUploadAttempt(bytes int64, success bool) {
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
	uploadAttemptsTotal.WithLabelValues(successLabel(success)).Inc()
}

// RecordReconnect records a session reconnect.
func RecordReconnect(success bool) {
	reconnectsTotal.WithLabelValues(successLabel(success)).Inc()
}

// UploadStarted and UploadFinished track the number of busy workers.
func UploadStarted() {
	uploadsInFlight.Inc()
}

func UploadFinished() {
	uploadsInFlight.Dec()
}

// RecordCycle records a completed sync cycle.
func RecordCycle(duration time.Duration, success bool) {
	cycleDuration.Observe(duration.Seconds())
	cyclesTotal.WithLabelValues(successLabel(success)).Inc()
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
