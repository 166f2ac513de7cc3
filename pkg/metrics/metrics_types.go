// Package metrics holds the Prometheus registry for the transformation
// engine and serves it over HTTP.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics of the engine.
type Registry struct {
	// Mapping
	EntitiesTotal  *prometheus.CounterVec
	AnomaliesTotal *prometheus.CounterVec

	// Relationships
	FactsTotal           *prometheus.CounterVec
	IdentityCacheLookups *prometheus.CounterVec

	// Commits
	BatchesTotal    *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	BatchRetries    *prometheus.CounterVec
	BatchesInFlight prometheus.Gauge
	BreakerOpen     prometheus.Gauge

	// Runs
	RunsTotal     *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	PeakHeapBytes prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.initMappingMetrics()
	r.initCommitMetrics()
	r.initRunMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
