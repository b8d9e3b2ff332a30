package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/consultq/internal/platform/version"
)

// HealthCheck probes one dependency. Check must honour ctx.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeReport struct {
	Status      string            `json:"status"`
	FailedCheck string            `json:"failed_check,omitempty"`
	Error       string            `json:"error,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.probe(2*time.Second))
	s.echo.GET("/health/ready", s.probe(5*time.Second))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/version", s.handleVersion)
}

// probe runs every check within budget. The report names the first failure in
// registration order and lists the outcome of all checks.
func (s *Server) probe(budget time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), budget)
		defer cancel()

		report := probeReport{Status: "ready"}
		if len(s.healthChecks) > 0 {
			report.Checks = make(map[string]string, len(s.healthChecks))
		}
		for _, hc := range s.healthChecks {
			if err := hc.Check(ctx); err != nil {
				report.Checks[hc.Name] = "failing"
				if report.FailedCheck == "" {
					report.Status = "unhealthy"
					report.FailedCheck = hc.Name
					report.Error = err.Error()
				}
				continue
			}
			report.Checks[hc.Name] = "ok"
		}

		if report.FailedCheck != "" {
			return writeJSON(c, http.StatusServiceUnavailable, report)
		}
		return writeJSON(c, http.StatusOK, report)
	}
}

// handleLiveness never consults dependencies; a broken Redis must not get the pod restarted.
func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}
