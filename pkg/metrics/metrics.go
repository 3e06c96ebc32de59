// Package metrics exposes Prometheus collectors for the ingestion
// pipeline. Collectors are registered once on a private registry so
// repeated construction in tests never panics on double-register.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's metric instruments.
type Collector struct {
	registry *prometheus.Registry

	RecordsTotal      *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RateLimitWaits    *prometheus.CounterVec
	RateLimitWaitTime *prometheus.CounterVec
	DriftsDetected    *prometheus.CounterVec
	CheckpointsSaved  *prometheus.CounterVec
}

var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Default returns the process-wide collector.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}

// NewCollector builds a collector on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "records_total",
			Help:      "Records processed by source and outcome",
		}, []string{"source", "outcome"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "runs_total",
			Help:      "Ingestion runs by source and status",
		}, []string{"source", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kaspero",
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"source"}),

		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "rate_limit_waits_total",
			Help:      "Times a caller blocked on the rate limiter",
		}, []string{"key"}),

		RateLimitWaitTime: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Cumulative seconds spent waiting on the rate limiter",
		}, []string{"key"}),

		DriftsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "schema_drifts_total",
			Help:      "Schema drifts detected by source and drift type",
		}, []string{"source", "drift_type"}),

		CheckpointsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaspero",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoint writes by source",
		}, []string{"source"}),
	}

	c.registry.MustRegister(
		c.RecordsTotal,
		c.RunsTotal,
		c.RunDuration,
		c.RateLimitWaits,
		c.RateLimitWaitTime,
		c.DriftsDetected,
		c.CheckpointsSaved,
	)

	return c
}

// Handler returns an HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
