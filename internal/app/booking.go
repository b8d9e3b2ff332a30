package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	apperrors "github.com/pscheid92/consultq/internal/platform/errors"
)

const maxAnnouncementLength = 1000

// Book creates an appointment, rejecting starts within the booking buffer of another
// appointment of the same provider.
func (s *Service) Book(ctx context.Context, caller domain.Caller, req domain.BookingRequest) (*domain.Appointment, error) {
	if err := domain.Authorize(caller, domain.CapBook, domain.Resource{PatronID: req.PatronID}); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	var appt *domain.Appointment
	err := s.serialized(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.appointments.Book(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Appointment booked",
		"appointment_id", appt.ID,
		"patron_id", appt.PatronID,
		"provider_id", appt.Provider(),
		"start", appt.ScheduledStart)

	s.invalidate(context.WithoutCancel(ctx), patronTag(appt.PatronID))
	return appt, nil
}

// Announce fans a system announcement out to every connection whose role is in audience.
func (s *Service) Announce(ctx context.Context, caller domain.Caller, message string, audience domain.Audience) error {
	if err := domain.Authorize(caller, domain.CapAnnounce, domain.Resource{}); err != nil {
		return err
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return apperrors.ValidationError("message is required")
	}
	if len(message) > maxAnnouncementLength {
		return apperrors.ValidationError(fmt.Sprintf("message exceeds %d characters", maxAnnouncementLength))
	}
	if audience == "" {
		audience = domain.AudienceAll
	}

	err := s.events.Publish(ctx, domain.Event{
		Audience: audience,
		Name:     domain.EventSystemAnnouncement,
		Data: domain.Announcement{
			Message:  message,
			Audience: audience,
			From:     caller.ID,
			At:       s.clock.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish announcement: %w", err)
	}

	slog.InfoContext(ctx, "Announcement sent", "from", caller.ID, "audience", audience)
	return nil
}

// AssignProvider attaches a provider to a booked appointment, re-checking the buffer rule.
func (s *Service) AssignProvider(ctx context.Context, caller domain.Caller, appointmentID, providerID uuid.UUID) (*domain.Appointment, error) {
	if err := domain.Authorize(caller, domain.CapAssignProvider, domain.Resource{}); err != nil {
		return nil, err
	}

	var appt *domain.Appointment
	err := s.serialized(ctx, func(ctx context.Context) error {
		var err error
		appt, err = s.appointments.AssignProvider(ctx, appointmentID, providerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(context.WithoutCancel(ctx), patronTag(appt.PatronID))
	return appt, nil
}
