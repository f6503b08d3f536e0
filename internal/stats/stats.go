// Package stats records API call statistics and background job health
// over prometheus/client_golang, following the standard client_golang
// idiom: collectors registered into a private Registry, exported over
// HTTP via promhttp.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Reporter is the sink the orchestrator and every scheduler.Task
// report into: one counter/histogram pair per API method, plus gauges
// for cache sizes and circuit-broken instances. One adapter serves both
// the call-statistics and background-monitor roles since they share a
// single metrics registry.
type Reporter struct {
	registry *prometheus.Registry

	apiCalls    *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	cacheSize   *prometheus.GaugeVec
	breakerOpen *prometheus.GaugeVec
	taskRuns    *prometheus.CounterVec
	taskErrors  *prometheus.CounterVec
}

// New creates a Reporter with its own private prometheus.Registry,
// never the global DefaultRegisterer, so embedding applications can
// expose it under whatever path/namespace they choose.
func New(namespace string) *Reporter {
	r := &Reporter{registry: prometheus.NewRegistry()}

	r.apiCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "calls_total",
		Help:      "Total calls to each public API method, labeled by method and outcome.",
	}, []string{"method", "outcome"})

	r.apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "call_duration_seconds",
		Help:      "Latency of each public API method call.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	r.cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Number of cached entries, labeled by data kind.",
	}, []string{"kind"})

	r.breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "open_instances",
		Help:      "Number of instances currently circuit-broken, labeled by service.",
	}, []string{"service"})

	r.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Total scheduled task executions, labeled by task name.",
	}, []string{"task"})

	r.taskErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_errors_total",
		Help:      "Total scheduled task executions that returned an error, labeled by task name.",
	}, []string{"task"})

	r.registry.MustRegister(r.apiCalls, r.apiLatency, r.cacheSize, r.breakerOpen, r.taskRuns, r.taskErrors)
	return r
}

// RecordAPICall records one call to method, its outcome ("ok" or
// "error"), and its latency in seconds.
func (r *Reporter) RecordAPICall(method, outcome string, seconds float64) {
	r.apiCalls.WithLabelValues(method, outcome).Inc()
	r.apiLatency.WithLabelValues(method).Observe(seconds)
}

// SetCacheSize records the current number of cached entries for kind.
func (r *Reporter) SetCacheSize(kind string, n int) {
	r.cacheSize.WithLabelValues(kind).Set(float64(n))
}

// SetBreakerOpenCount records how many instances of service are
// currently open or half-open.
func (r *Reporter) SetBreakerOpenCount(service string, n int) {
	r.breakerOpen.WithLabelValues(service).Set(float64(n))
}

// RecordTaskRun records one scheduler.Task execution, and whether it
// returned an error.
func (r *Reporter) RecordTaskRun(task string, err error) {
	r.taskRuns.WithLabelValues(task).Inc()
	if err != nil {
		r.taskErrors.WithLabelValues(task).Inc()
	}
}

// Handler returns an http.Handler exposing the collected metrics in
// the Prometheus text exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather returns the current metric families, for programmatic
// inspection (diagnostics CLIs, tests) without going through HTTP.
func (r *Reporter) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}
