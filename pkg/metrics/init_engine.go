package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMappingMetrics() {
	r.EntitiesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_entities_total",
			Help: "Entities read from the model, by outcome",
		},
		[]string{"category", "outcome"},
	)

	r.AnomaliesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_anomalies_total",
			Help: "Recorded anomalies by kind",
		},
		[]string{"kind"},
	)

	r.FactsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_relationship_facts_total",
			Help: "Relationship facts by provenance and outcome",
		},
		[]string{"provenance", "outcome"},
	)

	r.IdentityCacheLookups = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_identity_cache_lookups_total",
			Help: "Endpoint existence lookups against the identity cache, by result",
		},
		[]string{"result"},
	)
}

func (r *Registry) initCommitMetrics() {
	r.BatchesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_batches_total",
			Help: "Batches by phase and status",
		},
		[]string{"phase", "status"},
	)

	r.BatchDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ifcgraph_batch_commit_duration_seconds",
			Help:    "Batch commit duration in seconds, retries included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"phase"},
	)

	r.BatchRetries = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_batch_retries_total",
			Help: "Commit attempts retried after a transient failure",
		},
		[]string{"phase"},
	)

	r.BatchesInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ifcgraph_batches_in_flight",
			Help: "Batches currently being committed",
		},
	)

	r.BreakerOpen = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ifcgraph_commit_breaker_open",
			Help: "1 when the commit circuit breaker is open",
		},
	)
}

func (r *Registry) initRunMetrics() {
	r.RunsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ifcgraph_runs_total",
			Help: "Transformation runs by final state",
		},
		[]string{"state"},
	)

	r.RunDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ifcgraph_run_duration_seconds",
			Help:    "Wall-clock duration of a transformation run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	r.PeakHeapBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ifcgraph_peak_heap_bytes",
			Help: "Highest sampled heap in use during the last run",
		},
	)
}
