// Package metrics holds the Prometheus collectors of the pipeline. A nil
// *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes
const (
	OutcomeAck     = "ack"
	OutcomeRelease = "release"
	OutcomeDelay   = "delay"
)

// Metrics groups the collectors shared by workers, the sweep and the API
type Metrics struct {
	messagesTotal   *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
	staleJobs       *prometheus.GaugeVec
	sweepRuns       prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_messages_total",
			Help: "Queue messages settled by worker and outcome",
		}, []string{"worker", "outcome"}),

		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_message_duration_seconds",
			Help:    "Time spent handling a queue message",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"worker"}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_events_published_total",
			Help: "Events published by destination",
		}, []string{"destination"}),

		staleJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stale_jobs",
			Help: "Jobs stuck in a state longer than the reconcile threshold",
		}, []string{"state"}),

		sweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_reconcile_runs_total",
			Help: "Reconcile sweeps executed",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "path", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// ObserveMessage records a settled message
func (m *Metrics) ObserveMessage(worker, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(worker, outcome).Inc()
	m.handleDuration.WithLabelValues(worker).Observe(elapsed.Seconds())
}

// EventPublished counts a published event
func (m *Metrics) EventPublished(destination string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(destination).Inc()
}

// SetStaleJobs sets the stale job gauge for state
func (m *Metrics) SetStaleJobs(state string, n int) {
	if m == nil {
		return
	}
	m.staleJobs.WithLabelValues(state).Set(float64(n))
}

// SweepRun counts a reconcile sweep
func (m *Metrics) SweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

// ObserveHTTP records a served request
func (m *Metrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
