// Package metrics is the Monitoring Sink: counters and timers for every
// other component, exposed in Prometheus exposition format via the
// canonical Counter/Histogram/Gauge + promhttp.Handler wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink owns every metric the control plane exports. One instance is
// constructed at startup and shared by reference — no package-level
// globals.
type Sink struct {
	registry *prometheus.Registry

	WebhooksTotal       *prometheus.CounterVec
	WebhookDuration      *prometheus.HistogramVec
	WebhookDedup        prometheus.Counter

	JobsTotal           *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	JobQueueDepth       *prometheus.GaugeVec

	RunnersActive       *prometheus.GaugeVec
	PoolUtilization     *prometheus.GaugeVec

	ScaleActions        *prometheus.CounterVec

	ContainerOps        *prometheus.CounterVec
	ContainerErrors     *prometheus.CounterVec

	ForgeRequests       *prometheus.CounterVec
	ForgeRateRemaining  prometheus.Gauge
}

// New constructs a Sink with all metrics registered against a fresh
// registry (not the global default, so tests can create independent
// Sinks without collector-already-registered panics).
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,

		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_total",
			Help: "Webhook deliveries processed, by event type and outcome.",
		}, []string{"event_type", "outcome"}),

		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Webhook handler processing duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),

		WebhookDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_deduplicated_total",
			Help: "Webhook deliveries short-circuited by the dedup window.",
		}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Delegated jobs, by repository and terminal status.",
		}, []string{"repository", "status"}),

		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Delegated job execution duration, start to completion.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		JobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Pending jobs per repository within the autoscaler window.",
		}, []string{"repository"}),

		RunnersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runners_active",
			Help: "Active runners per repository, by status.",
		}, []string{"repository", "status"}),

		PoolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_utilization",
			Help: "Runner pool utilization fraction (busy/total) per repository.",
		}, []string{"repository"}),

		ScaleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scale_actions_total",
			Help: "Auto-scaler decisions, by repository and action.",
		}, []string{"repository", "action"}),

		ContainerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_operations_total",
			Help: "Container lifecycle operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),

		ContainerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "container_errors_total",
			Help: "Container lifecycle errors, by operation.",
		}, []string{"operation"}),

		ForgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_requests_total",
			Help: "Outbound forge API requests, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		ForgeRateRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forge_rate_limit_remaining",
			Help: "Remaining forge API rate-limit budget as of the last response.",
		}),
	}

	reg.MustRegister(
		s.WebhooksTotal, s.WebhookDuration, s.WebhookDedup,
		s.JobsTotal, s.JobDuration, s.JobQueueDepth,
		s.RunnersActive, s.PoolUtilization,
		s.ScaleActions,
		s.ContainerOps, s.ContainerErrors,
		s.ForgeRequests, s.ForgeRateRemaining,
	)

	return s
}

// Handler returns the http.Handler that serves this Sink's Prometheus
// exposition, mounted at GET /metrics.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
