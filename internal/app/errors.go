package app

import (
	"errors"

	"github.com/pscheid92/consultq/internal/domain"
	apperrors "github.com/pscheid92/consultq/internal/platform/errors"
)

// PublicError maps an error returned by Service onto the client-safe structured error.
// Store and infrastructure errors collapse into a generic internal error; the cause is
// kept for logging only.
func PublicError(err error) *apperrors.Error {
	if err == nil {
		return nil
	}

	var structured *apperrors.Error
	if errors.As(err, &structured) {
		return structured
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperrors.NotFoundError(domain.ErrNotFound.Error()).WithCode("not_found")
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.ForbiddenError(domain.ErrForbidden.Error()).WithCode("forbidden")
	case errors.Is(err, domain.ErrUnauthenticated):
		return apperrors.UnauthorizedError(domain.ErrUnauthenticated.Error()).WithCode("unauthenticated")
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		return apperrors.ConflictError(domain.ErrAlreadyCheckedIn.Error()).WithCode("already_checked_in")
	case errors.Is(err, domain.ErrNoProviderAssigned):
		return apperrors.ConflictError(domain.ErrNoProviderAssigned.Error()).WithCode("no_provider_assigned")
	case errors.Is(err, domain.ErrProviderBusy):
		return apperrors.ConflictError(domain.ErrProviderBusy.Error()).WithCode("provider_busy")
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.ConflictError(domain.ErrInvalidTransition.Error()).WithCode("invalid_transition")
	case errors.Is(err, domain.ErrBookingConflict):
		return apperrors.ConflictError(domain.ErrBookingConflict.Error()).WithCode("booking_conflict")
	case domain.IsRetryable(err):
		return apperrors.RetryableError(domain.ErrAdmissionConflict.Error(), err).WithCode("admission_conflict")
	default:
		return apperrors.InternalError("internal server error", err)
	}
}
