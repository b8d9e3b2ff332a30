package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
)

// StartConsultation moves a Waiting entry of the provider to InProgress. It fails with
// ErrProviderBusy, changing nothing, while another entry of the provider is InProgress.
func (s *Service) StartConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	if err := domain.Authorize(caller, domain.CapManageConsultation, domain.Resource{ProviderID: providerID}); err != nil {
		return nil, err
	}

	var started *domain.QueueEntry
	err := s.serialized(ctx, func(ctx context.Context) error {
		entry, err := s.providerEntry(ctx, providerID, entryID)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(entry.Status, domain.EntryInProgress); err != nil {
			return err
		}
		if err := s.ledger.LockProvider(ctx, providerID); err != nil {
			return err
		}

		current, err := s.ledger.InProgress(ctx, providerID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: entry %s", domain.ErrProviderBusy, current.ID)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		now := s.clock.Now()
		started, err = s.ledger.Transition(ctx, entryID, domain.EntryInProgress, now)
		if err != nil {
			return err
		}
		return s.appointments.UpdateStatus(ctx, entry.AppointmentID, domain.AppointmentInProgress, now)
	})
	if err != nil {
		logConsultationFailure(ctx, "Start consultation failed", providerID, entryID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "Consultation started", "provider_id", providerID, "entry_id", entryID)

	notice := consultationNotice(started, domain.StageNow)
	s.publish(ctx,
		domain.Event{Room: domain.PatronRoom(started.PatronID), Name: domain.EventConsultationReady, Data: notice},
		domain.Event{Room: domain.QueueRoom(providerID), Name: domain.EventConsultationStarted, Data: notice},
	)
	s.notifier.ConsultationReady(context.WithoutCancel(ctx), domain.ReadyNotice{
		PatronID:   started.PatronID,
		ProviderID: providerID,
		EntryID:    started.ID,
	})
	s.afterMutation(ctx, providerID, started.PatronID)
	return started, nil
}

// EndConsultation completes an InProgress entry. nextPatronID, when set, receives an
// advisory "you're next" notice; the queue view stays the source of truth.
func (s *Service) EndConsultation(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID, nextPatronID *uuid.UUID) (*domain.QueueEntry, error) {
	if err := domain.Authorize(caller, domain.CapManageConsultation, domain.Resource{ProviderID: providerID}); err != nil {
		return nil, err
	}

	completed, err := s.finish(ctx, providerID, entryID, domain.EntryCompleted, domain.AppointmentCompleted)
	if err != nil {
		logConsultationFailure(ctx, "End consultation failed", providerID, entryID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "Consultation completed", "provider_id", providerID, "entry_id", entryID)

	notice := consultationNotice(completed, "")
	events := []domain.Event{
		{Room: domain.PatronRoom(completed.PatronID), Name: domain.EventConsultationCompleted, Data: notice},
		{Room: domain.QueueRoom(providerID), Name: domain.EventConsultationCompleted, Data: notice},
	}
	if nextPatronID != nil && *nextPatronID != uuid.Nil {
		events = append(events, domain.Event{
			Room: domain.PatronRoom(*nextPatronID),
			Name: domain.EventConsultationReady,
			Data: domain.ConsultationNotice{
				ProviderID: providerID,
				PatronID:   *nextPatronID,
				Stage:      domain.StageNext,
				At:         s.clock.Now(),
			},
		})
	}
	s.publish(ctx, events...)
	s.afterMutation(ctx, providerID, completed.PatronID)
	return completed, nil
}

// CancelEntry removes an active entry from the queue and cancels its appointment.
func (s *Service) CancelEntry(ctx context.Context, caller domain.Caller, providerID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	if err := domain.Authorize(caller, domain.CapManageConsultation, domain.Resource{ProviderID: providerID}); err != nil {
		return nil, err
	}

	cancelled, err := s.finish(ctx, providerID, entryID, domain.EntryCancelled, domain.AppointmentCancelled)
	if err != nil {
		logConsultationFailure(ctx, "Cancel queue entry failed", providerID, entryID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "Queue entry cancelled", "provider_id", providerID, "entry_id", entryID)
	s.afterMutation(ctx, providerID, cancelled.PatronID)
	return cancelled, nil
}

// HandleAppointmentCancelled mirrors an upstream cancellation: the live entry, if any, is
// cancelled and the provider's view refreshed.
func (s *Service) HandleAppointmentCancelled(ctx context.Context, appointmentID uuid.UUID) error {
	var (
		providerID uuid.UUID
		patronID   uuid.UUID
	)
	err := s.serialized(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.GetForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		providerID, patronID = appt.Provider(), appt.PatronID

		now := s.clock.Now()
		entry, err := s.ledger.LiveEntryForAppointment(ctx, appointmentID)
		switch {
		case err == nil:
			if _, err := s.ledger.Transition(ctx, entry.ID, domain.EntryCancelled, now); err != nil {
				return err
			}
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		if appt.Status.Closed() {
			return nil
		}
		return s.appointments.UpdateStatus(ctx, appointmentID, domain.AppointmentCancelled, now)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel appointment %s: %w", appointmentID, err)
	}

	s.afterMutation(ctx, providerID, patronID)
	return nil
}

func (s *Service) finish(ctx context.Context, providerID, entryID uuid.UUID, to domain.EntryStatus, apptStatus domain.AppointmentStatus) (*domain.QueueEntry, error) {
	var done *domain.QueueEntry
	err := s.serialized(ctx, func(ctx context.Context) error {
		entry, err := s.providerEntry(ctx, providerID, entryID)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(entry.Status, to); err != nil {
			return err
		}

		now := s.clock.Now()
		done, err = s.ledger.Transition(ctx, entryID, to, now)
		if err != nil {
			return err
		}
		return s.appointments.UpdateStatus(ctx, entry.AppointmentID, apptStatus, now)
	})
	return done, err
}

// serialized runs fn in a transaction bounded by the admission timeout. Failing to get the
// serialisation point in time yields ErrAdmissionConflict.
func (s *Service) serialized(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AdmissionTimeout)
	defer cancel()
	return admissionError(s.tx.WithinTx(ctx, fn))
}

// providerEntry loads the entry for update; entries of other providers read as not found.
func (s *Service) providerEntry(ctx context.Context, providerID, entryID uuid.UUID) (*domain.QueueEntry, error) {
	entry, err := s.ledger.GetEntryForUpdate(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ProviderID != providerID {
		return nil, fmt.Errorf("queue entry %s of provider %s: %w", entryID, providerID, domain.ErrNotFound)
	}
	return entry, nil
}

func consultationNotice(e *domain.QueueEntry, stage string) domain.ConsultationNotice {
	at := e.CheckedInAt
	switch {
	case e.CompletedAt != nil:
		at = *e.CompletedAt
	case e.StartedAt != nil:
		at = *e.StartedAt
	}
	return domain.ConsultationNotice{
		ProviderID:    e.ProviderID,
		EntryID:       e.ID,
		AppointmentID: e.AppointmentID,
		PatronID:      e.PatronID,
		Stage:         stage,
		At:            at,
	}
}

func logConsultationFailure(ctx context.Context, msg string, providerID, entryID uuid.UUID, err error) {
	if isBusinessError(err) || domain.IsRetryable(err) {
		slog.InfoContext(ctx, msg, "provider_id", providerID, "entry_id", entryID, "error", err)
		return
	}
	slog.ErrorContext(ctx, msg, "operation", "consultation", "provider_id", providerID, "entry_id", entryID, "error", err)
}
