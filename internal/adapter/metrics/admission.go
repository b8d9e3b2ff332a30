package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics holds Prometheus metrics for queue admissions.
type AdmissionMetrics struct {
	Admissions *prometheus.CounterVec
	Duration   prometheus.Histogram
	Retries    prometheus.Counter
}

// NewAdmissionMetrics creates and registers admission metrics on the given registry.
func NewAdmissionMetrics(reg prometheus.Registerer) *AdmissionMetrics {
	m := &AdmissionMetrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "total",
			Help:      "Total number of admission attempts, by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Duration of admissions including retries, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "retries_total",
			Help:      "Total number of admission retries after position contention.",
		}),
	}

	reg.MustRegister(m.Admissions, m.Duration, m.Retries)
	return m
}

func (m *AdmissionMetrics) AdmissionCompleted(result string, d time.Duration) {
	m.Admissions.WithLabelValues(result).Inc()
	m.Duration.Observe(d.Seconds())
}

func (m *AdmissionMetrics) AdmissionRetried() {
	m.Retries.Inc()
}
