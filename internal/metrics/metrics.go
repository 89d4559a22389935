// Package metrics exposes Prometheus collectors for newsharvest runs.
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
	fetchBytesTotal            *prometheus.CounterVec
	politenessWaitSeconds      *prometheus.HistogramVec
	sourceItemsTotal           *prometheus.CounterVec
	stageOutcomesTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	coordinatorWaitSeconds     *prometheus.HistogramVec
	serviceCallsTotal          *prometheus.CounterVec
	runItemsTotal              *prometheus.CounterVec
	activeSources              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_fetch_attempts_total",
				Help: "Fetch attempts issued by the politeness controller, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_fetch_bytes_total",
				Help: "Bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		politenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsharvest_politeness_wait_seconds",
				Help:    "Time spent waiting for a per-host request slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)

		sourceItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_source_items_total",
				Help: "Items seen by retrieval workers, labeled by source and result (emitted, skipped, failed).",
			},
			[]string{"source", "result"},
		)

		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_stage_outcomes_total",
				Help: "Processing stage outcomes, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsharvest_stage_duration_seconds",
				Help:    "Histogram of processing stage latencies.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 180},
			},
			[]string{"stage"},
		)

		coordinatorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsharvest_coordinator_wait_seconds",
				Help:    "Time spent waiting for an external-service slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"service"},
		)

		serviceCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_service_calls_total",
				Help: "External-service calls, labeled by service and outcome.",
			},
			[]string{"service", "outcome"},
		)

		runItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_run_items_total",
				Help: "Items that finished the pipeline, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsharvest_active_sources",
				Help: "Number of retrieval workers currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsharvest_admin_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsharvest_admin_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1},
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

// ObserveFetchAttempt records one politeness-controller attempt.
func ObserveFetchAttempt(host, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(host)
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObservePolitenessWait records time spent waiting for a host slot.
func ObservePolitenessWait(host string, d time.Duration) {
	Init()
	politenessWaitSeconds.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveSourceItem increments the per-source item counter.
func ObserveSourceItem(source, result string) {
	Init()
	sourceItemsTotal.WithLabelValues(source, result).Inc()
}

// ObserveStage records a stage outcome and its duration.
func ObserveStage(stage, status string, d time.Duration) {
	Init()
	stageOutcomesTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveCoordinatorWait records time spent waiting for a service slot.
func ObserveCoordinatorWait(service string, d time.Duration) {
	Init()
	coordinatorWaitSeconds.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveServiceCall increments the external-service call counter.
func ObserveServiceCall(service, outcome string) {
	Init()
	serviceCallsTotal.WithLabelValues(service, outcome).Inc()
}

// ObserveItem counts an item that finished the pipeline.
func ObserveItem(status string) {
	Init()
	runItemsTotal.WithLabelValues(status).Inc()
}

// IncActiveSources increments the active retrieval workers gauge.
func IncActiveSources() {
	Init()
	activeSources.Inc()
}

// DecActiveSources decrements the active retrieval workers gauge.
func DecActiveSources() {
	Init()
	activeSources.Dec()
}

// ObserveHTTPRequest increments the admin HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
