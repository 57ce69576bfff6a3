package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the auction engine's Prometheus collectors on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	JobsProcessed    *prometheus.CounterVec   // queue, outcome
	JobDuration      *prometheus.HistogramVec // queue
	JobsStalled      *prometheus.CounterVec   // queue, outcome
	FinalizeOutcomes *prometheus.CounterVec   // outcome
	ProxyBidRuns     *prometheus.CounterVec   // result
	BidsPlaced       prometheus.Counter
	RecoveryEnqueued *prometheus.CounterVec // pass
	RecoveryFailures *prometheus.CounterVec // pass
	EventsPublished  *prometheus.CounterVec // type
	HTTPLatency      *prometheus.HistogramVec
}

// New creates and registers every collector under the given namespace
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs handled by the worker pool by queue and outcome.",
		}, []string{"queue", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent in job handlers by queue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		JobsStalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stalled_total",
			Help:      "Jobs whose lock expired, by queue and whether they were requeued or dropped.",
		}, []string{"queue", "outcome"}),
		FinalizeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auction_finalize_total",
			Help:      "Finalize runs by outcome.",
		}, []string{"outcome"}),
		ProxyBidRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_bid_runs_total",
			Help:      "Proxy bidding evaluations by result.",
		}, []string{"result"}),
		BidsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_placed_total",
			Help:      "Accepted manual bids.",
		}),
		RecoveryEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_enqueued_total",
			Help:      "Jobs re-enqueued by the startup recovery scan, by pass.",
		}, []string{"pass"}),
		RecoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_failures_total",
			Help:      "Per-item failures during the startup recovery scan, by pass.",
		}, []string{"pass"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbox events published, by type.",
		}, []string{"type"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		m.JobsProcessed,
		m.JobDuration,
		m.JobsStalled,
		m.FinalizeOutcomes,
		m.ProxyBidRuns,
		m.BidsPlaced,
		m.RecoveryEnqueued,
		m.RecoveryFailures,
		m.EventsPublished,
		m.HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
