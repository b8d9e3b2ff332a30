package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
)

const appointmentColumns = `id, patron_id, provider_id, scheduled_start, scheduled_end, status, priority, checked_in_at, created_at, updated_at`

// AppointmentRepo implements domain.AppointmentStore.
type AppointmentRepo struct {
	db    *DB
	clock clockwork.Clock
}

var _ domain.AppointmentStore = (*AppointmentRepo)(nil)

func NewAppointmentRepo(db *DB, clock clockwork.Clock) *AppointmentRepo {
	return &AppointmentRepo{db: db, clock: clock}
}

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	var (
		a        domain.Appointment
		status   string
		priority string
	)
	err := row.Scan(&a.ID, &a.PatronID, &a.ProviderID, &a.ScheduledStart, &a.ScheduledEnd,
		&status, &priority, &a.CheckedInAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AppointmentStatus(status)
	a.Priority = domain.Priority(priority)
	return &a, nil
}

func (r *AppointmentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	row := r.db.conn(ctx).QueryRow(ctx, `-- name: GetAppointment
		SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, mapError("get appointment "+id.String(), err)
	}
	return a, nil
}

func (r *AppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	row := r.db.conn(ctx).QueryRow(ctx, `-- name: GetAppointmentForUpdate
		SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, mapError("lock appointment "+id.String(), err)
	}
	return a, nil
}

func (r *AppointmentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AppointmentStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown appointment status %q", status)
	}

	tag, err := r.db.conn(ctx).Exec(ctx, `-- name: UpdateAppointmentStatus
		UPDATE appointments
		SET status = $2::text,
		    updated_at = $3::timestamptz,
		    checked_in_at = CASE WHEN $2::text = 'checked_in' THEN $3::timestamptz ELSE checked_in_at END
		WHERE id = $1`, id, string(status), at)
	if err != nil {
		return mapError("update appointment status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Book serialises bookings per provider with an advisory lock so two concurrent
// requests cannot both pass the conflict check.
func (r *AppointmentRepo) Book(ctx context.Context, req domain.BookingRequest) (*domain.Appointment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	var out *domain.Appointment
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		if req.ProviderID != nil {
			if err := r.checkConflict(ctx, uuid.Nil, *req.ProviderID, req.Start); err != nil {
				return err
			}
		}

		now := r.clock.Now()
		row := r.db.conn(ctx).QueryRow(ctx, `-- name: InsertAppointment
			INSERT INTO appointments (id, patron_id, provider_id, scheduled_start, scheduled_end, status, priority, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING `+appointmentColumns,
			uuid.New(), req.PatronID, req.ProviderID, req.Start, req.End,
			string(domain.AppointmentBooked), string(priority), now)

		a, err := scanAppointment(row)
		if err != nil {
			return mapError("insert appointment", err)
		}
		out = a
		return nil
	})
	return out, err
}

func (r *AppointmentRepo) AssignProvider(ctx context.Context, id, providerID uuid.UUID) (*domain.Appointment, error) {
	var out *domain.Appointment
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		current, err := r.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.Reassignable() {
			return fmt.Errorf("%w: cannot reassign %s appointment", domain.ErrInvalidTransition, current.Status)
		}
		if err := r.checkConflict(ctx, id, providerID, current.ScheduledStart); err != nil {
			return err
		}

		row := r.db.conn(ctx).QueryRow(ctx, `-- name: AssignProvider
			UPDATE appointments SET provider_id = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+appointmentColumns, id, providerID, r.clock.Now())
		a, err := scanAppointment(row)
		if err != nil {
			return mapError("assign provider", err)
		}
		out = a
		return nil
	})
	return out, err
}

func (r *AppointmentRepo) checkConflict(ctx context.Context, self, providerID uuid.UUID, start time.Time) error {
	q := r.db.conn(ctx)
	if err := advisoryLock(ctx, q, "booking:"+providerID.String()); err != nil {
		return err
	}

	var (
		otherID    uuid.UUID
		otherStart time.Time
	)
	err := q.QueryRow(ctx, `-- name: FindConflictingAppointment
		SELECT id, scheduled_start FROM appointments
		WHERE provider_id = $1
		  AND id <> $2
		  AND status NOT IN ('cancelled', 'no_show')
		  AND scheduled_start > $3
		  AND scheduled_start < $4
		ORDER BY scheduled_start
		LIMIT 1`,
		providerID, self, start.Add(-domain.BookingBuffer), start.Add(domain.BookingBuffer),
	).Scan(&otherID, &otherStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return mapError("check booking conflict", err)
	}
	return fmt.Errorf("%w: appointment %s starts at %s", domain.ErrBookingConflict, otherID, otherStart.Format(time.RFC3339))
}

// orphanFilter selects CheckedIn appointments scheduled in [$from, $to) with no live queue entry.
const orphanFilter = `
	a.status = 'checked_in'
	AND a.scheduled_start >= $1
	AND a.scheduled_start < $2
	AND NOT EXISTS (
		SELECT 1 FROM queue_entries q
		WHERE q.appointment_id = a.id AND q.status IN ('waiting', 'in_progress')
	)`

func (r *AppointmentRepo) ListCheckedInWithoutEntry(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]domain.Appointment, error) {
	rows, err := r.db.conn(ctx).Query(ctx, `-- name: ListCheckedInWithoutEntry
		SELECT `+appointmentColumns+` FROM appointments a
		WHERE a.provider_id = $3 AND`+orphanFilter+`
		ORDER BY a.checked_in_at NULLS LAST, a.id`, from, to, providerID)
	if err != nil {
		return nil, mapError("list orphaned check-ins", err)
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, mapError("scan appointment", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list orphaned check-ins", err)
	}
	return out, nil
}

func (r *AppointmentRepo) ListProvidersWithOrphans(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.conn(ctx).Query(ctx, `-- name: ListProvidersWithOrphans
		SELECT DISTINCT a.provider_id FROM appointments a
		WHERE a.provider_id IS NOT NULL AND`+orphanFilter+`
		ORDER BY a.provider_id`, from, to)
	if err != nil {
		return nil, mapError("list providers with orphans", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, mapError("list providers with orphans", err)
	}
	return ids, nil
}
