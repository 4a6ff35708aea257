package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Metrics owns a private registry so tests can build as many instances as they
// need. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	upstreamAttempts *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobLatency       *prometheus.HistogramVec
	targets          *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream HTTP attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Admissions rejected by the rate limiter.",
		}, []string{"key"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache-aside lookups by provider and result.",
		}, []string{"provider", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job invocations by job name and status.",
		}, []string{"job", "status"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job invocation latency.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_targets_total",
			Help:      "Per-target outcomes within job invocations.",
		}, []string{"job", "outcome"}),
	}
	registry.MustRegister(m.upstreamAttempts, m.rateLimited, m.cacheLookups, m.jobRuns, m.jobLatency, m.targets)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UpstreamAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RateLimited(key string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(key).Inc()
}

func (m *Metrics) CacheLookup(provider string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) JobRun(job, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobLatency.WithLabelValues(job).Observe(latency.Seconds())
}

func (m *Metrics) TargetOutcome(job, outcome string) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(job, outcome).Inc()
}
