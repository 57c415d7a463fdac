package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors shared by the API and the worker.
type Metrics struct {
	JobsSubmitted     *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	InferenceDuration *prometheus.HistogramVec
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitpipe",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the intake API.",
		}, []string{"job_type"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitpipe",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"job_type", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitpipe",
			Name:      "job_duration_seconds",
			Help:      "Wall time from dequeue to terminal state.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job_type"}),
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitpipe",
			Name:      "inference_call_duration_seconds",
			Help:      "Latency of calls to the inference backend.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 11),
		}, []string{"endpoint", "outcome"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitpipe",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.JobsSubmitted, m.JobsFinished, m.JobDuration, m.InferenceDuration, m.WebhookDeliveries)
	return m
}

// NopMetrics returns collectors bound to a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
