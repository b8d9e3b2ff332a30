package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/config"
)

type appService interface {
	CheckIn(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID) (*domain.QueueEntry, error)
	StartConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error)
	EndConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID, nextPatronID *uuid.UUID) (*domain.QueueEntry, error)
	CancelEntry(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error)
	GetEffectiveQueueView(ctx context.Context, caller domain.Caller, providerID uuid.UUID) (*domain.EffectiveQueueView, error)
	PatronStatus(ctx context.Context, caller domain.Caller, patronID uuid.UUID) (*domain.PatronStatus, error)
	Book(ctx context.Context, caller domain.Caller, req domain.BookingRequest) (*domain.Appointment, error)
	AssignProvider(ctx context.Context, caller domain.Caller, appointmentID, providerID uuid.UUID) (*domain.Appointment, error)
	Announce(ctx context.Context, caller domain.Caller, message string, audience domain.Audience) error
}

// Authenticator validates the caller triple carried in request headers.
type Authenticator interface {
	Authenticate(identity, role, credential string) (domain.Caller, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app  appService
	auth Authenticator

	websocketHandler http.Handler
	metricsHandler   http.Handler
	metrics          echo.MiddlewareFunc
	rateObserver     RateLimitObserver

	healthChecks []HealthCheck
	startTime    time.Time
}

// Option customises optional collaborators of the server.
type Option func(*Server)

// WithMetrics serves handler at /metrics and records every request with mw.
func WithMetrics(handler http.Handler, mw echo.MiddlewareFunc) Option {
	return func(s *Server) {
		s.metricsHandler = handler
		s.metrics = mw
	}
}

// WithRateLimitObserver reports requests rejected by the API rate limiter.
func WithRateLimitObserver(o RateLimitObserver) Option {
	return func(s *Server) {
		s.rateObserver = o
	}
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) {
		s.healthChecks = append(s.healthChecks, checks...)
	}
}

func NewServer(cfg *config.Config, app appService, auth Authenticator, websocketHandler http.Handler, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		app:              app,
		auth:             auth,
		websocketHandler: websocketHandler,
		startTime:        time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
