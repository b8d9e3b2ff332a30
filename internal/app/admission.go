package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/pscheid92/consultq/internal/platform/retry"
)

const (
	admissionInitialBackoff   = 10 * time.Millisecond
	admissionMaxBackoff       = 100 * time.Millisecond
	admissionContendedBackoff = 50 * time.Millisecond
)

// Admission results reported to Metrics.
const (
	ResultAdmitted = "admitted"
	ResultRejected = "rejected"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// CheckIn admits the appointment into its provider's queue and returns the new entry.
// Appointment status and queue entry are written in one transaction; contention on the
// provider's positions is retried a bounded number of times before ErrAdmissionConflict.
func (s *Service) CheckIn(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID) (*domain.QueueEntry, error) {
	start := s.clock.Now()
	entry, err := s.admit(ctx, caller, appointmentID, false)
	s.metrics.AdmissionCompleted(admissionResult(err), s.clock.Since(start))
	if err != nil {
		logAdmissionFailure(ctx, "Check-in failed", appointmentID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "Patron checked in",
		"appointment_id", appointmentID,
		"provider_id", entry.ProviderID,
		"position", entry.Position)

	view := s.afterMutation(ctx, entry.ProviderID, entry.PatronID)
	s.notifyAssigned(ctx, entry, view)
	return entry, nil
}

// PromoteOrphans turns today's CheckedIn appointments of the provider that have no live
// entry into real ledger entries, in check-in order, and returns how many were promoted.
func (s *Service) PromoteOrphans(ctx context.Context, providerID uuid.UUID) (int, error) {
	from, to := DayBounds(s.clock.Now(), s.opts.Location)
	orphans, err := s.appointments.ListCheckedInWithoutEntry(ctx, providerID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned check-ins: %w", err)
	}

	var (
		promoted []uuid.UUID
		errs     []error
	)
	for _, a := range orphans {
		start := s.clock.Now()
		_, err := s.admit(ctx, domain.SystemCaller, a.ID, true)
		s.metrics.AdmissionCompleted(admissionResult(err), s.clock.Since(start))
		switch {
		case err == nil:
			promoted = append(promoted, a.PatronID)
		case errors.Is(err, domain.ErrAlreadyCheckedIn), errors.Is(err, domain.ErrInvalidTransition):
			// promoted or closed concurrently
		default:
			logAdmissionFailure(ctx, "Orphan promotion failed", a.ID, err)
			errs = append(errs, err)
		}
	}

	if len(promoted) > 0 {
		slog.InfoContext(ctx, "Promoted orphaned check-ins", "provider_id", providerID, "count", len(promoted))
		s.afterMutation(ctx, providerID, promoted...)
	}
	return len(promoted), errors.Join(errs...)
}

// ProvidersWithOrphans lists providers that have unpromoted check-ins today.
func (s *Service) ProvidersWithOrphans(ctx context.Context) ([]uuid.UUID, error) {
	from, to := DayBounds(s.clock.Now(), s.opts.Location)
	return s.appointments.ListProvidersWithOrphans(ctx, from, to)
}

func (s *Service) admit(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID, promote bool) (*domain.QueueEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AdmissionTimeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:      s.opts.MaxAttempts,
		InitialBackoff:   admissionInitialBackoff,
		MaxBackoff:       admissionMaxBackoff,
		ContendedBackoff: admissionContendedBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.metrics.AdmissionRetried()
			slog.DebugContext(ctx, "Retrying admission",
				"appointment_id", appointmentID,
				"attempt", attempt,
				"backoff", backoff,
				"error", err)
		},
	}

	entry, err := retry.Do(ctx, policy, classifyAdmission, func(int) (*domain.QueueEntry, error) {
		return s.admitOnce(ctx, caller, appointmentID, promote)
	})
	return entry, admissionError(err)
}

func (s *Service) admitOnce(ctx context.Context, caller domain.Caller, appointmentID uuid.UUID, promote bool) (*domain.QueueEntry, error) {
	var entry *domain.QueueEntry

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.GetForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}

		res := domain.Resource{PatronID: appt.PatronID, ProviderID: appt.Provider()}
		if err := domain.Authorize(caller, domain.CapCheckIn, res); err != nil {
			return err
		}
		if err := admissible(appt, promote); err != nil {
			return err
		}

		providerID := *appt.ProviderID
		if err := s.ledger.LockProvider(ctx, providerID); err != nil {
			return err
		}

		highest, err := s.ledger.MaxActivePosition(ctx, providerID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		checkedInAt := now
		if promote {
			if appt.CheckedInAt != nil {
				checkedInAt = *appt.CheckedInAt
			}
		} else if err := s.appointments.UpdateStatus(ctx, appt.ID, domain.AppointmentCheckedIn, now); err != nil {
			return err
		}

		e := &domain.QueueEntry{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			PatronID:      appt.PatronID,
			ProviderID:    providerID,
			Position:      highest + 1,
			Status:        domain.EntryWaiting,
			Priority:      appt.Priority,
			CheckedInAt:   checkedInAt,
		}
		if err := s.ledger.Insert(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// admissible checks the appointment preconditions. Promotion admits appointments that are
// already CheckedIn but lack a ledger entry.
func admissible(appt *domain.Appointment, promote bool) error {
	switch {
	case appt.Status.Closed():
		return fmt.Errorf("%w: appointment is %s", domain.ErrInvalidTransition, appt.Status)
	case promote && appt.Status != domain.AppointmentCheckedIn:
		return fmt.Errorf("%w: appointment is %s", domain.ErrInvalidTransition, appt.Status)
	case !promote && appt.Status.Admitted():
		return fmt.Errorf("appointment %s: %w", appt.ID, domain.ErrAlreadyCheckedIn)
	case appt.ProviderID == nil:
		return fmt.Errorf("appointment %s: %w", appt.ID, domain.ErrNoProviderAssigned)
	}
	return nil
}

func classifyAdmission(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrPositionConflict):
		return retry.Retry
	case errors.Is(err, domain.ErrAdmissionConflict):
		return retry.After
	default:
		return retry.Stop
	}
}

// admissionError unwraps retry errors; exhaustion and deadlines become ErrAdmissionConflict.
func admissionError(err error) error {
	if err == nil {
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w after %d attempts", domain.ErrAdmissionConflict, exhausted.Attempts)
	}

	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrAdmissionConflict) {
		return fmt.Errorf("%w: %v", domain.ErrAdmissionConflict, err)
	}
	return err
}

func admissionResult(err error) string {
	switch {
	case err == nil:
		return ResultAdmitted
	case domain.IsRetryable(err):
		return ResultConflict
	case isBusinessError(err):
		return ResultRejected
	default:
		return ResultError
	}
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrNotFound,
		domain.ErrAlreadyCheckedIn,
		domain.ErrNoProviderAssigned,
		domain.ErrForbidden,
		domain.ErrInvalidTransition,
		domain.ErrProviderBusy,
		domain.ErrBookingConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func logAdmissionFailure(ctx context.Context, msg string, appointmentID uuid.UUID, err error) {
	if isBusinessError(err) || domain.IsRetryable(err) {
		slog.InfoContext(ctx, msg, "appointment_id", appointmentID, "error", err)
		return
	}
	slog.ErrorContext(ctx, msg, "operation", "admission", "appointment_id", appointmentID, "error", err)
}

func (s *Service) notifyAssigned(ctx context.Context, entry *domain.QueueEntry, view *domain.EffectiveQueueView) {
	n := domain.PositionAssigned{
		PatronID:   entry.PatronID,
		ProviderID: entry.ProviderID,
		EntryID:    entry.ID,
		Position:   entry.Position,
	}
	if view != nil {
		if line, ok := findEntry(view, entry.ID); ok {
			n.EstimatedWaitMinutes = line.EstimatedWaitMinutes
		}
	}
	s.notifier.PositionAssigned(context.WithoutCancel(ctx), n)
}
