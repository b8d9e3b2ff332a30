package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests that hit no route, keeping label cardinality bounded.
const unmatchedRoute = "unmatched"

// HTTPMetrics covers the REST API. Probes, /metrics and the /ws upgrade are not recorded.
type HTTPMetrics struct {
	Duration    *prometheus.HistogramVec
	Requests    *prometheus.CounterVec
	InFlight    prometheus.Gauge
	RateLimited *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	labels := []string{"method", "route", "status_code"}
	m := &HTTPMetrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 3, 5},
		}, labels),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests.",
		}, labels),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "API requests currently being served.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "API requests rejected by the per-IP rate limiter.",
		}, []string{"route"}),
	}

	reg.MustRegister(m.Duration, m.Requests, m.InFlight, m.RateLimited)
	return m
}

func (m *HTTPMetrics) RequestRateLimited(route string) {
	m.RateLimited.WithLabelValues(routeLabel(route)).Inc()
}

func routeLabel(path string) string {
	if path == "" {
		return unmatchedRoute
	}
	return path
}

func skipped(path string) bool {
	return path == "/metrics" || path == "/ws" || strings.HasPrefix(path, "/health/")
}

// Middleware must run outermost. It invokes the error handler itself so the status it
// records is the one written to the client.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipped(c.Path()) {
				return next(c)
			}

			m.InFlight.Inc()
			defer m.InFlight.Dec()

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				method, route := c.Request().Method, routeLabel(c.Path())
				status := strconv.Itoa(c.Response().Status)
				m.Duration.WithLabelValues(method, route, status).Observe(v)
				m.Requests.WithLabelValues(method, route, status).Inc()
			}))
			defer timer.ObserveDuration()

			if err := next(c); err != nil {
				c.Error(err)
			}
			return nil
		}
	}
}
