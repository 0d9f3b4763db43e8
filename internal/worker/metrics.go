package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Jobs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewMetrics registers the worker metrics with reg. A nil reg uses a private
// registry, which keeps tests from colliding on the global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prodq",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Jobs processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prodq",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job processing time.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "prodq",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
	}
}
