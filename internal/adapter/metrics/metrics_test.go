package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAdmissionMetrics(reg)

	m.AdmissionCompleted("admitted", 20*time.Millisecond)
	m.AdmissionCompleted("admitted", 5*time.Millisecond)
	m.AdmissionCompleted("conflict", time.Second)
	m.AdmissionRetried()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Admissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
}

func TestCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheInvalidated(3)
	m.CacheEvicted(2)
	m.CacheSize(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Misses))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Invalidations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Entries))
}

func TestWebSocketMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebSocketMetrics(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.MessagePublished()
	m.SlowClientDropped()
	m.InboundEvent("subscribe", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inbound.WithLabelValues("subscribe", "ok")))
}

func TestHTTPMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/queues/:provider_id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "missing")
	})
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/queues/:provider_id", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Requests), "probes are not recorded")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

func TestHTTPMetrics_RateLimited(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())

	m.RequestRateLimited("/api/appointments/:appointmentId/check-in")
	m.RequestRateLimited("")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("/api/appointments/:appointmentId/check-in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("unmatched")))
}

func TestNotifyMetrics(t *testing.T) {
	m := NewNotifyMetrics(prometheus.NewRegistry())

	m.NotificationEnqueued("position_assigned", "ok")
	m.NotificationEnqueued("position_assigned", "rejected")
	m.NotificationDelivered("consultation_ready", "error")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Enqueued.WithLabelValues("position_assigned", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Enqueued.WithLabelValues("position_assigned", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Delivered.WithLabelValues("consultation_ready", "error")))
}

func TestHandler_ServesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	NewNotifyMetrics(reg).NotificationEnqueued("position_assigned", "ok")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), `consultq_notify_enqueued_total{kind="position_assigned",result="ok"} 1`)
}
