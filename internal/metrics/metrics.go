// Package metrics exposes Prometheus collectors for the downloader.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchOutcomesTotal         *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	fetchDurationSeconds       prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	mergeFilesTotal            *prometheus.CounterVec
	mergeRowsTotal             *prometheus.CounterVec
	mergeErrorsTotal           *prometheus.CounterVec
	mirrorUploadsTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_attempts_total",
				Help: "HTTP attempts against the archive, labeled by result class.",
			},
			[]string{"result"},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_outcomes_total",
				Help: "Work unit outcomes, labeled by kind and reason.",
			},
			[]string{"kind", "reason"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archive_fetch_bytes_total",
				Help: "Bytes downloaded from the archive.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archive_fetch_duration_seconds",
				Help:    "Latency of single archive requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		mergeFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merge_files_total",
				Help: "Merged files written, labeled by scope.",
			},
			[]string{"scope"},
		)

		mergeRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merge_rows_total",
				Help: "Rows written to merged files, labeled by scope.",
			},
			[]string{"scope"},
		)

		mergeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merge_errors_total",
				Help: "Merges that failed, labeled by scope.",
			},
			[]string{"scope"},
		)

		mirrorUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_uploads_total",
				Help: "Merged files copied to the mirror, labeled by result.",
			},
			[]string{"result"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "download_jobs_total",
				Help: "Download jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "download_active_workers",
				Help: "Workers currently processing a work unit.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt records one HTTP attempt. A zero status means a transport error.
func ObserveFetchAttempt(status int, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(statusClass(status)).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveOutcome records the final outcome of a work unit.
func ObserveOutcome(kind, reason string, bytes int64) {
	Init()
	if reason == "" {
		reason = "none"
	}
	fetchOutcomesTotal.WithLabelValues(kind, reason).Inc()
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveMerge records a merged file and its row count.
func ObserveMerge(scope string, rows int) {
	Init()
	mergeFilesTotal.WithLabelValues(scope).Inc()
	mergeRowsTotal.WithLabelValues(scope).Add(float64(rows))
}

// ObserveMergeError records a failed merge.
func ObserveMergeError(scope string) {
	Init()
	mergeErrorsTotal.WithLabelValues(scope).Inc()
}

// ObserveMirrorUpload records a mirror upload result ("ok" or "error").
func ObserveMirrorUpload(result string) {
	Init()
	mirrorUploadsTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
