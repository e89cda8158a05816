// Package metrics exposes Prometheus collectors for the goalclip service.
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
	poolAgents                 prometheus.Gauge
	poolOverflowTotal          prometheus.Counter
	poolAcquireWaitSeconds     prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	pollDurationSeconds        prometheus.Histogram
	monitorTransitionsTotal    *prometheus.CounterVec
	monitorTargets             prometheus.Gauge
	captureOutcomesTotal       *prometheus.CounterVec
	captureDurationSeconds     prometheus.Histogram
	candidateProbesTotal       *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolAgents = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "goalclip_pool_agents",
			Help: "Number of render agents currently held by the pool.",
		})
		poolOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "goalclip_pool_overflow_total",
			Help: "Total number of render agents created above the pool ceiling.",
		})
		poolAcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "goalclip_pool_acquire_wait_seconds",
			Help:    "Histogram of time spent waiting for a render agent.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		})
		cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "goalclip_cache_lookups_total",
			Help: "Total status cache lookups, labeled by source.",
		}, []string{"source"})
		pollDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "goalclip_poll_duration_seconds",
			Help:    "Histogram of single-target poll latencies.",
			Buckets: []float64{0.05, 0.25, 1, 2, 5, 10, 30, 60},
		})
		monitorTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "goalclip_monitor_transitions_total",
			Help: "Total monitor state transitions, labeled by event kind.",
		}, []string{"kind"})
		monitorTargets = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "goalclip_monitor_targets",
			Help: "Number of targets currently monitored.",
		})
		captureOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "goalclip_capture_outcomes_total",
			Help: "Total capture attempts, labeled by outcome status.",
		}, []string{"status"})
		captureDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "goalclip_capture_duration_seconds",
			Help:    "Histogram of end-to-end capture pipeline durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		})
		candidateProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "goalclip_candidate_probes_total",
			Help: "Total media candidate probes, labeled by result.",
		}, []string{"result"})
		deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "goalclip_deliveries_total",
			Help: "Total artifact deliveries, labeled by path and result.",
		}, []string{"path", "result"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetPoolAgents records the number of agents held by the pool.
func SetPoolAgents(n int) {
	Init()
	poolAgents.Set(float64(n))
}

// ObservePoolOverflow counts a forced over-ceiling agent creation.
func ObservePoolOverflow() {
	Init()
	poolOverflowTotal.Inc()
}

// ObserveAcquireWait records how long a caller waited for an agent.
func ObserveAcquireWait(d time.Duration) {
	Init()
	poolAcquireWaitSeconds.Observe(d.Seconds())
}

// ObserveCacheLookup counts a status cache lookup by result source.
func ObserveCacheLookup(source string) {
	Init()
	cacheLookupsTotal.WithLabelValues(source).Inc()
}

// ObservePoll records one target poll latency.
func ObservePoll(d time.Duration) {
	Init()
	pollDurationSeconds.Observe(d.Seconds())
}

// ObserveTransition counts a monitor state-change event.
func ObserveTransition(kind string) {
	Init()
	monitorTransitionsTotal.WithLabelValues(kind).Inc()
}

// SetMonitoredTargets records the number of monitored targets.
func SetMonitoredTargets(n int) {
	Init()
	monitorTargets.Set(float64(n))
}

// ObserveCapture records a finished capture pipeline run.
func ObserveCapture(status string, d time.Duration) {
	Init()
	captureOutcomesTotal.WithLabelValues(status).Inc()
	captureDurationSeconds.Observe(d.Seconds())
}

// ObserveCandidateProbe counts a media candidate probe result.
func ObserveCandidateProbe(ok bool) {
	Init()
	result := "fail"
	if ok {
		result = "ok"
	}
	candidateProbesTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery counts an artifact delivery attempt.
func ObserveDelivery(path string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	deliveriesTotal.WithLabelValues(path, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
