package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/consultq/internal/domain"
)

func (s *Server) registerAPIRoutes(api *echo.Group) {
	api.POST("/appointments", s.handleBook)
	api.PUT("/appointments/:appointmentId/provider", s.handleAssignProvider)
	api.POST("/appointments/:appointmentId/check-in", s.handleCheckIn)

	api.GET("/providers/:providerId/queue", s.handleQueueView)
	api.POST("/providers/:providerId/queue/:entryId/start", s.handleStartConsultation)
	api.POST("/providers/:providerId/queue/:entryId/end", s.handleEndConsultation)
	api.DELETE("/providers/:providerId/queue/:entryId", s.handleCancelEntry)

	api.GET("/patrons/:patronId/status", s.handlePatronStatus)
	api.POST("/announcements", s.handleAnnounce)
}

type bookingRequest struct {
	PatronID   uuid.UUID  `json:"patronId"`
	ProviderID *uuid.UUID `json:"providerId"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	Priority   string     `json:"priority"`
}

type assignProviderRequest struct {
	ProviderID uuid.UUID `json:"providerId"`
}

type endConsultationRequest struct {
	NextPatronID *uuid.UUID `json:"nextPatronId"`
}

type announcementRequest struct {
	Message  string `json:"message"`
	Audience string `json:"audience"`
}

func (s *Server) handleBook(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}

	var body bookingRequest
	if err := c.Bind(&body); err != nil {
		return validationError("invalid request body", "body", err.Error())
	}
	priority, err := domain.ParsePriority(body.Priority)
	if err != nil {
		return validationError(err.Error(), "priority", body.Priority)
	}

	appt, err := s.app.Book(c.Request().Context(), caller, domain.BookingRequest{
		PatronID:   body.PatronID,
		ProviderID: body.ProviderID,
		Start:      body.Start,
		End:        body.End,
		Priority:   priority,
	})
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, appt)
}

func (s *Server) handleAssignProvider(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	appointmentID, err := uuidParam(c, "appointmentId")
	if err != nil {
		return err
	}

	var body assignProviderRequest
	if err := c.Bind(&body); err != nil {
		return validationError("invalid request body", "body", err.Error())
	}
	if body.ProviderID == uuid.Nil {
		return validationError("providerId is required", "providerId", "")
	}

	appt, err := s.app.AssignProvider(c.Request().Context(), caller, appointmentID, body.ProviderID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, appt)
}

func (s *Server) handleCheckIn(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	appointmentID, err := uuidParam(c, "appointmentId")
	if err != nil {
		return err
	}

	entry, err := s.app.CheckIn(c.Request().Context(), caller, appointmentID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, entry)
}

func (s *Server) handleQueueView(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	providerID, err := uuidParam(c, "providerId")
	if err != nil {
		return err
	}

	view, err := s.app.GetEffectiveQueueView(c.Request().Context(), caller, providerID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, view)
}

func (s *Server) handleStartConsultation(c echo.Context) error {
	caller, providerID, entryID, err := s.entryRequest(c)
	if err != nil {
		return err
	}

	entry, err := s.app.StartConsultation(c.Request().Context(), caller, providerID, entryID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, entry)
}

func (s *Server) handleEndConsultation(c echo.Context) error {
	caller, providerID, entryID, err := s.entryRequest(c)
	if err != nil {
		return err
	}

	var body endConsultationRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return validationError("invalid request body", "body", err.Error())
		}
	}

	entry, err := s.app.EndConsultation(c.Request().Context(), caller, providerID, entryID, body.NextPatronID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, entry)
}

func (s *Server) handleCancelEntry(c echo.Context) error {
	caller, providerID, entryID, err := s.entryRequest(c)
	if err != nil {
		return err
	}

	entry, err := s.app.CancelEntry(c.Request().Context(), caller, providerID, entryID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, entry)
}

func (s *Server) handlePatronStatus(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	patronID, err := uuidParam(c, "patronId")
	if err != nil {
		return err
	}

	status, err := s.app.PatronStatus(c.Request().Context(), caller, patronID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, status)
}

func (s *Server) handleAnnounce(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}

	var body announcementRequest
	if err := c.Bind(&body); err != nil {
		return validationError("invalid request body", "body", err.Error())
	}
	audience, ok := domain.ParseAudience(body.Audience)
	if !ok {
		return validationError("unknown audience", "audience", body.Audience)
	}

	if err := s.app.Announce(c.Request().Context(), caller, body.Message, audience); err != nil {
		return err
	}
	return writeJSON(c, http.StatusAccepted, map[string]string{"status": "sent", "audience": string(audience)})
}

func (s *Server) entryRequest(c echo.Context) (domain.Caller, uuid.UUID, uuid.UUID, error) {
	caller, err := callerFrom(c)
	if err != nil {
		return domain.Caller{}, uuid.Nil, uuid.Nil, err
	}
	providerID, err := uuidParam(c, "providerId")
	if err != nil {
		return domain.Caller{}, uuid.Nil, uuid.Nil, err
	}
	entryID, err := uuidParam(c, "entryId")
	if err != nil {
		return domain.Caller{}, uuid.Nil, uuid.Nil, err
	}
	return caller, providerID, entryID, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, validationError("invalid UUID format", name, raw)
	}
	return id, nil
}
