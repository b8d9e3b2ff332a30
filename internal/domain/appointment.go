package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentBooked     AppointmentStatus = "booked"
	AppointmentConfirmed  AppointmentStatus = "confirmed"
	AppointmentCheckedIn  AppointmentStatus = "checked_in"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCancelled  AppointmentStatus = "cancelled"
	AppointmentNoShow     AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentBooked, AppointmentConfirmed, AppointmentCheckedIn, AppointmentInProgress,
		AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

// Closed reports whether the appointment can no longer be admitted.
func (s AppointmentStatus) Closed() bool {
	return s == AppointmentCompleted || s == AppointmentCancelled || s == AppointmentNoShow
}

// Admitted reports whether the appointment already holds (or held) a queue place today.
func (s AppointmentStatus) Admitted() bool {
	return s == AppointmentCheckedIn || s == AppointmentInProgress
}

// Reassignable reports whether the provider may still change. Once admitted the live
// queue entry is bound to its provider.
func (s AppointmentStatus) Reassignable() bool {
	return !s.Admitted() && !s.Closed()
}

// Blocking reports whether the appointment still occupies its slot for booking purposes.
func (s AppointmentStatus) Blocking() bool {
	return s != AppointmentCancelled && s != AppointmentNoShow
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps an empty string to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	PatronID       uuid.UUID         `json:"patronId"`
	ProviderID     *uuid.UUID        `json:"providerId,omitempty"`
	ScheduledStart time.Time         `json:"scheduledStart"`
	ScheduledEnd   time.Time         `json:"scheduledEnd"`
	Status         AppointmentStatus `json:"status"`
	Priority       Priority          `json:"priority"`
	CheckedInAt    *time.Time        `json:"checkedInAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Provider returns the assigned provider, or uuid.Nil when unassigned.
func (a *Appointment) Provider() uuid.UUID {
	if a.ProviderID == nil {
		return uuid.Nil
	}
	return *a.ProviderID
}

// BookingBuffer is the minimum distance between two start times of the same provider.
const BookingBuffer = 15 * time.Minute

// StartsConflict reports whether two start times are closer than BookingBuffer.
func StartsConflict(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < BookingBuffer
}

type BookingRequest struct {
	PatronID   uuid.UUID
	ProviderID *uuid.UUID
	Start      time.Time
	End        time.Time
	Priority   Priority
}

func (r BookingRequest) Validate() error {
	if r.PatronID == uuid.Nil {
		return fmt.Errorf("patron is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be after start")
	}
	return nil
}

// AppointmentStore is the booking subsystem as seen by the queue engine.
type AppointmentStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate locks the row for the rest of the surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateStatus sets checked_in_at to at when status is AppointmentCheckedIn.
	UpdateStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus, at time.Time) error
	Book(ctx context.Context, req BookingRequest) (*Appointment, error)
	AssignProvider(ctx context.Context, id, providerID uuid.UUID) (*Appointment, error)

	// ListCheckedInWithoutEntry returns CheckedIn appointments of the provider scheduled
	// within [from, to) that have no live queue entry.
	ListCheckedInWithoutEntry(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListProvidersWithOrphans(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
}
