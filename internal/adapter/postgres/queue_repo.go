package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/consultq/internal/domain"
)

const entryColumns = `id, appointment_id, patron_id, provider_id, position, status, priority, checked_in_at, started_at, completed_at`

const activeStatuses = `('waiting', 'in_progress')`

// QueueRepo implements domain.QueueLedger. The partial unique indexes on queue_entries
// are the last line of defence; LockProvider is what keeps them from firing in practice.
type QueueRepo struct {
	db *DB
}

var _ domain.QueueLedger = (*QueueRepo)(nil)

func NewQueueRepo(db *DB) *QueueRepo {
	return &QueueRepo{db: db}
}

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		e        domain.QueueEntry
		status   string
		priority string
	)
	err := row.Scan(&e.ID, &e.AppointmentID, &e.PatronID, &e.ProviderID, &e.Position,
		&status, &priority, &e.CheckedInAt, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EntryStatus(status)
	e.Priority = domain.Priority(priority)
	return &e, nil
}

// LockProvider holds until the surrounding transaction ends.
func (r *QueueRepo) LockProvider(ctx context.Context, providerID uuid.UUID) error {
	return advisoryLock(ctx, r.db.conn(ctx), "queue:"+providerID.String())
}

func (r *QueueRepo) ListActive(ctx context.Context, providerID uuid.UUID) ([]domain.QueueEntry, error) {
	return r.list(ctx, "list active entries", `-- name: ListActiveEntries
		SELECT `+entryColumns+` FROM queue_entries
		WHERE provider_id = $1 AND status IN `+activeStatuses+`
		ORDER BY position`, providerID)
}

func (r *QueueRepo) ListActiveByPatron(ctx context.Context, patronID uuid.UUID) ([]domain.QueueEntry, error) {
	return r.list(ctx, "list patron entries", `-- name: ListActiveEntriesByPatron
		SELECT `+entryColumns+` FROM queue_entries
		WHERE patron_id = $1 AND status IN `+activeStatuses+`
		ORDER BY provider_id, position`, patronID)
}

func (r *QueueRepo) list(ctx context.Context, op, sql string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := r.db.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func (r *QueueRepo) one(ctx context.Context, op, sql string, args ...any) (*domain.QueueEntry, error) {
	e, err := scanEntry(r.db.conn(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapError(op, err)
	}
	return e, nil
}

func (r *QueueRepo) GetEntry(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return r.one(ctx, "get queue entry "+id.String(), `-- name: GetEntry
		SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
}

func (r *QueueRepo) GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return r.one(ctx, "lock queue entry "+id.String(), `-- name: GetEntryForUpdate
		SELECT `+entryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`, id)
}

func (r *QueueRepo) LiveEntryForAppointment(ctx context.Context, appointmentID uuid.UUID) (*domain.QueueEntry, error) {
	return r.one(ctx, "live entry for appointment "+appointmentID.String(), `-- name: LiveEntryForAppointment
		SELECT `+entryColumns+` FROM queue_entries
		WHERE appointment_id = $1 AND status IN `+activeStatuses, appointmentID)
}

func (r *QueueRepo) InProgress(ctx context.Context, providerID uuid.UUID) (*domain.QueueEntry, error) {
	return r.one(ctx, "consultation in progress for provider "+providerID.String(), `-- name: InProgressEntry
		SELECT `+entryColumns+` FROM queue_entries
		WHERE provider_id = $1 AND status = 'in_progress'`, providerID)
}

func (r *QueueRepo) MaxActivePosition(ctx context.Context, providerID uuid.UUID) (int, error) {
	var highest int
	err := r.db.conn(ctx).QueryRow(ctx, `-- name: MaxActivePosition
		SELECT COALESCE(MAX(position), 0) FROM queue_entries
		WHERE provider_id = $1 AND status IN `+activeStatuses, providerID).Scan(&highest)
	if err != nil {
		return 0, mapError("max active position", err)
	}
	return highest, nil
}

func (r *QueueRepo) Insert(ctx context.Context, entry *domain.QueueEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.db.conn(ctx).Exec(ctx, `-- name: InsertEntry
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.AppointmentID, entry.PatronID, entry.ProviderID, entry.Position,
		string(entry.Status), string(entry.Priority), entry.CheckedInAt, entry.StartedAt, entry.CompletedAt)
	if err != nil {
		return mapError(fmt.Sprintf("insert entry for provider %s position %d", entry.ProviderID, entry.Position), err)
	}
	return nil
}

func (r *QueueRepo) Transition(ctx context.Context, id uuid.UUID, to domain.EntryStatus, at time.Time) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		current, err := r.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(current.Status, to); err != nil {
			return err
		}

		out, err = r.one(ctx, "transition entry "+id.String(), `-- name: TransitionEntry
			UPDATE queue_entries
			SET status = $2::text,
			    started_at = CASE WHEN $2::text = 'in_progress' THEN $3::timestamptz ELSE started_at END,
			    completed_at = CASE WHEN $2::text IN ('completed', 'cancelled') THEN $3::timestamptz ELSE completed_at END
			WHERE id = $1
			RETURNING `+entryColumns, id, string(to), at)
		return err
	})
	return out, err
}
