// Package metrics holds the Prometheus instruments for the audit pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the auditor
type Metrics struct {
	// Pipeline metrics
	EventsTotal      *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	StageDuration    *prometheus.HistogramVec
	StageStatus      *prometheus.CounterVec

	// Verdict metrics
	Verdicts          *prometheus.CounterVec
	VerdictConfidence *prometheus.HistogramVec
	Escalations       prometheus.Counter

	// Enforcement metrics
	Enforcements   *prometheus.CounterVec
	StoreFailures  *prometheus.CounterVec
	StrikesOnBlock prometheus.Histogram

	// Ingress metrics
	RateLimited prometheus.Counter
	QueueDepth  prometheus.Gauge
	Rejected    *prometheus.CounterVec
}

// New registers every metric on reg. Passing nil uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_events_total",
				Help: "Events processed by the audit pipeline",
			},
			[]string{"outcome"}, // outcome: completed, duplicate, rate_limited, error
		),

		PipelineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_pipeline_duration_seconds",
				Help:    "End-to-end audit duration per event",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_stage_duration_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		StageStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_stage_status_total",
				Help: "Stage records written, by stage and status",
			},
			[]string{"stage", "status"}, // status: COMPLETED, FAILED, DEGRADED
		),

		Verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_verdicts_total",
				Help: "Verdicts reached, by source stage and decision",
			},
			[]string{"source", "decision"},
		),

		VerdictConfidence: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditor_verdict_confidence",
				Help:    "Confidence of verdicts reached",
				Buckets: []float64{10, 25, 50, 60, 75, 80, 90, 95, 100},
			},
			[]string{"source"},
		),

		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "auditor_escalations_total",
			Help: "Events sent to the high-fidelity model",
		}),

		Enforcements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_enforcements_total",
				Help: "Enforcement outcomes",
			},
			[]string{"action"},
		),

		StoreFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_store_failures_total",
				Help: "Shared store operations that exhausted their retries",
			},
			[]string{"op"}, // op: confirm, pardon, snapshot, trace
		),

		StrikesOnBlock: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditor_strikes_on_confirm",
			Help:    "Post-increment strike count on confirmed bans",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "auditor_rate_limited_total",
			Help: "Events rejected by the per-actor rate limiter",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "auditor_queue_depth",
			Help: "Events waiting for a worker",
		}),

		Rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_webhook_rejected_total",
				Help: "Webhook deliveries rejected at ingress",
			},
			[]string{"reason"}, // reason: unauthorized, bad_payload, queue_full
		),
	}
}

// NewNop registers on a throwaway registry. Used by tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
