package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pscheid92/consultq/internal/domain"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

var constraintErrors = map[string]error{
	"uq_queue_entries_active_position":  domain.ErrPositionConflict,
	"uq_queue_entries_live_appointment": domain.ErrAlreadyCheckedIn,
	"uq_queue_entries_in_progress":      domain.ErrProviderBusy,
}

// mapError translates driver errors into domain sentinels. Anything it does not
// recognise is wrapped with op and returned unchanged.
func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			if sentinel, ok := constraintErrors[pgErr.ConstraintName]; ok {
				return fmt.Errorf("%s: %w", op, sentinel)
			}
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrAdmissionConflict, pgErr.Message)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrAdmissionConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
