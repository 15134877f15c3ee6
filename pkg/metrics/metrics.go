// Package metrics holds the in-process Prometheus collectors. A private
// registry keeps the exposition limited to the platform's own series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics aggregates every collector the platform emits.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ExternalCallErrors  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	ReportsGenerated    *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	SchedulerRuns       *prometheus.CounterVec
	IngestItems         *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_requests_total",
			Help: "External adapter requests by target.",
		}, []string{"target"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_request_duration_seconds",
			Help:    "External adapter request latency by target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		ExternalCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_external_call_errors_total",
			Help: "External adapter errors by target and fault kind.",
		}, []string{"target", "kind"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_circuit_breaker_state",
			Help: "Breaker state per target: 0 closed, 1 open, 2 half-open.",
		}, []string{"target"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_cache_hits_total",
			Help: "Cache hits by cache name.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_cache_misses_total",
			Help: "Cache misses by cache name.",
		}, []string{"cache"}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_reports_generated_total",
			Help: "Daily reports by outcome.",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_decisions_total",
			Help: "Decisions by type and status.",
		}, []string{"type", "status"}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_scheduler_runs_total",
			Help: "Scheduler passes by outcome.",
		}, []string{"outcome"}),
		IngestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_ingest_items_total",
			Help: "Ingested items by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ExternalCallErrors,
		m.CircuitBreakerState,
		m.CacheHits,
		m.CacheMisses,
		m.ReportsGenerated,
		m.DecisionsTotal,
		m.SchedulerRuns,
		m.IngestItems,
	)
	return m
}

// Gatherer exposes the private registry for the /metrics handler.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
