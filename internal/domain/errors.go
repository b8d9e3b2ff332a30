package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyCheckedIn   = errors.New("appointment already checked in")
	ErrNoProviderAssigned = errors.New("appointment has no provider assigned")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrProviderBusy       = errors.New("provider already has a consultation in progress")
	ErrBookingConflict    = errors.New("booking conflicts with an existing appointment")

	// ErrAdmissionConflict is retryable by the caller.
	ErrAdmissionConflict = errors.New("admission conflict, try again")

	// ErrPositionConflict is absorbed by admission retries and should not normally surface.
	ErrPositionConflict = errors.New("queue position conflict")
)

// IsRetryable reports whether err is a transient contention error the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAdmissionConflict) || errors.Is(err, ErrPositionConflict)
}
