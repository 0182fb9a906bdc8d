// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	missionsTotal          *prometheus.CounterVec
	missionRetriesTotal    prometheus.Counter
	missionDurationSeconds prometheus.Histogram
	missionsRunning        prometheus.Gauge
	sessionsTotal          *prometheus.CounterVec
	sessionReadySeconds    prometheus.Histogram
	proxyLeaseFailsTotal   prometheus.Counter
	scrapeAdsTotal         prometheus.Counter
	busEventsTotal         *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		missionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_missions_total",
				Help: "Total number of missions finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		missionRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_mission_retries_total",
				Help: "Total number of missions returned to the queue for retry.",
			},
		)

		missionDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_mission_duration_seconds",
				Help:    "Histogram of wall time from scrape start to mission completion.",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600},
			},
		)

		missionsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_missions_running",
				Help: "Number of missions currently assigned to a worker.",
			},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sessions_total",
				Help: "Total number of sessions finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sessionReadySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_session_ready_seconds",
				Help:    "Histogram of time from session creation to readiness.",
				Buckets: []float64{5, 10, 30, 60, 120, 180},
			},
		)

		proxyLeaseFailsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_proxy_lease_fails_total",
				Help: "Total number of session attempts aborted because no proxy was free.",
			},
		)

		scrapeAdsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_scrape_ads_total",
				Help: "Total number of ads reported by completed scrape jobs.",
			},
		)

		busEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_bus_events_total",
				Help: "Total number of events emitted on the internal bus, labeled by event.",
			},
			[]string{"event"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMissionOutcome counts a finished mission by outcome
// (done, failed, cancelled).
func ObserveMissionOutcome(outcome string) {
	missionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveMissionRetry counts a mission returned to the queue.
func ObserveMissionRetry() {
	missionRetriesTotal.Inc()
}

// ObserveMissionDuration records wall time from scrape start to completion.
func ObserveMissionDuration(d time.Duration) {
	missionDurationSeconds.Observe(d.Seconds())
}

// IncMissionsRunning increments the running missions gauge.
func IncMissionsRunning() {
	missionsRunning.Inc()
}

// DecMissionsRunning decrements the running missions gauge.
func DecMissionsRunning() {
	missionsRunning.Dec()
}

// ObserveSessionOutcome counts a finished session by outcome (ended, error).
func ObserveSessionOutcome(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionReady records the time a session took to become ready.
func ObserveSessionReady(d time.Duration) {
	sessionReadySeconds.Observe(d.Seconds())
}

// ObserveProxyLeaseFail counts an aborted session attempt with no free proxy.
func ObserveProxyLeaseFail() {
	proxyLeaseFailsTotal.Inc()
}

// ObserveScrapeAds adds the ad count of a completed scrape.
func ObserveScrapeAds(count int) {
	if count > 0 {
		scrapeAdsTotal.Add(float64(count))
	}
}

// ObserveBusEvent counts one emitted bus event.
func ObserveBusEvent(event string) {
	busEventsTotal.WithLabelValues(event).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
