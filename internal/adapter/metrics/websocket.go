package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics implements broadcast.Metrics.
type WebSocketMetrics struct {
	Connections prometheus.Gauge
	Published   prometheus.Counter
	SlowDropped prometheus.Counter
	Inbound     *prometheus.CounterVec
}

func websocketCounter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Subsystem: "websocket", Name: name, Help: help}
}

func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open WebSocket sessions.",
		}),
		Published:   prometheus.NewCounter(websocketCounter("frames_published_total", "Frames handed to session writers.")),
		SlowDropped: prometheus.NewCounter(websocketCounter("slow_sessions_dropped_total", "Sessions closed because their outbox was full.")),
		Inbound: prometheus.NewCounterVec(
			websocketCounter("inbound_frames_total", "Client frames processed, by type and result."),
			[]string{"type", "result"}),
	}

	reg.MustRegister(m.Connections, m.Published, m.SlowDropped, m.Inbound)
	return m
}

func (m *WebSocketMetrics) ConnectionOpened()  { m.Connections.Inc() }
func (m *WebSocketMetrics) ConnectionClosed()  { m.Connections.Dec() }
func (m *WebSocketMetrics) MessagePublished()  { m.Published.Inc() }
func (m *WebSocketMetrics) SlowClientDropped() { m.SlowDropped.Inc() }

func (m *WebSocketMetrics) InboundEvent(frameType, result string) {
	m.Inbound.WithLabelValues(frameType, result).Inc()
}
