package metrics

import "github.com/prometheus/client_golang/prometheus"

// NotifyMetrics holds Prometheus metrics for the notification outbox.
type NotifyMetrics struct {
	Enqueued  *prometheus.CounterVec
	Delivered *prometheus.CounterVec
}

// NewNotifyMetrics creates and registers notification metrics on the given registry.
func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	m := &NotifyMetrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "enqueued_total",
			Help:      "Total number of notification tasks handed to the queue, by kind and result.",
		}, []string{"kind", "result"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Total number of notification deliveries, by kind and result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(m.Enqueued, m.Delivered)
	return m
}

func (m *NotifyMetrics) NotificationEnqueued(kind, result string) {
	m.Enqueued.WithLabelValues(kind, result).Inc()
}

func (m *NotifyMetrics) NotificationDelivered(kind, result string) {
	m.Delivered.WithLabelValues(kind, result).Inc()
}
