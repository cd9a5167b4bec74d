// Package metrics exposes Prometheus collectors for the pipeline.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	permitsOutstanding         prometheus.Gauge
	permitsGrantedTotal        prometheus.Counter
	envelopesTotal             *prometheus.CounterVec
	workerCrashesTotal         *prometheus.CounterVec
	recordsPersistedTotal      *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe functions are
// no-ops until Init has run.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_fetches_total",
				Help: "Total number of stage fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecrawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		permitsOutstanding = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stagecrawler_permits_outstanding",
				Help: "Number of worker queue permits currently held.",
			},
		)

		permitsGrantedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stagecrawler_permits_granted_total",
				Help: "Total number of worker queue permits granted.",
			},
		)

		envelopesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_envelopes_total",
				Help: "Envelopes drained from the results queue, labeled by kind.",
			},
			[]string{"kind"},
		)

		workerCrashesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_worker_crashes_total",
				Help: "Workers that ended with an unrecognized error, labeled by worker function.",
			},
			[]string{"worker"},
		)

		recordsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_records_persisted_total",
				Help: "Records handed to a case, labeled by stage, case and status.",
			},
			[]string{"stage", "case", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecrawler_http_requests_total",
				Help: "Requests served by the metrics endpoint, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecrawler_http_request_duration_seconds",
				Help:    "Latency of the metrics endpoint, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveFetch records one fetch.
func ObserveFetch(site string, status string, bytesFetched int, duration time.Duration) {
	if fetchesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	fetchDurationSeconds.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObservePermitGranted records a permit leaving the pool.
func ObservePermitGranted() {
	if permitsOutstanding == nil {
		return
	}
	permitsOutstanding.Inc()
	permitsGrantedTotal.Inc()
}

// ObservePermitReleased records a permit returning to the pool.
func ObservePermitReleased() {
	if permitsOutstanding == nil {
		return
	}
	permitsOutstanding.Dec()
}

// ObserveEnvelope counts a drained envelope of the given kind.
func ObserveEnvelope(kind string) {
	if envelopesTotal == nil {
		return
	}
	envelopesTotal.WithLabelValues(kind).Inc()
}

// ObserveWorkerCrash counts a crashed worker.
func ObserveWorkerCrash(worker string) {
	if workerCrashesTotal == nil {
		return
	}
	workerCrashesTotal.WithLabelValues(worker).Inc()
}

// ObservePersist counts a record handed to a case.
func ObservePersist(stage, caseName, status string) {
	if recordsPersistedTotal == nil {
		return
	}
	recordsPersistedTotal.WithLabelValues(stage, caseName, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
