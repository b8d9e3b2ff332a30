package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	EntryWaiting    EntryStatus = "waiting"
	EntryInProgress EntryStatus = "in_progress"
	EntryCompleted  EntryStatus = "completed"
	EntryCancelled  EntryStatus = "cancelled"
)

// Active entries hold a position in the provider's line.
func (s EntryStatus) Active() bool {
	return s == EntryWaiting || s == EntryInProgress
}

var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryWaiting:    {EntryInProgress, EntryCancelled},
	EntryInProgress: {EntryCompleted, EntryCancelled},
}

func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range entryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for any move outside the transition table.
func CheckTransition(from, to EntryStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type QueueEntry struct {
	ID            uuid.UUID   `json:"id"`
	AppointmentID uuid.UUID   `json:"appointmentId"`
	PatronID      uuid.UUID   `json:"patronId"`
	ProviderID    uuid.UUID   `json:"providerId"`
	Position      int         `json:"position"`
	Status        EntryStatus `json:"status"`
	Priority      Priority    `json:"priority"`
	CheckedInAt   time.Time   `json:"checkedInAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
}

// QueueLedger owns QueueEntry rows. It performs no cross-row coordination itself;
// callers run multi-step work inside Transactor.WithinTx.
type QueueLedger interface {
	// LockProvider serialises position assignment for one provider until the transaction ends.
	LockProvider(ctx context.Context, providerID uuid.UUID) error

	// ListActive returns Waiting and InProgress entries ordered by position.
	ListActive(ctx context.Context, providerID uuid.UUID) ([]QueueEntry, error)
	ListActiveByPatron(ctx context.Context, patronID uuid.UUID) ([]QueueEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	LiveEntryForAppointment(ctx context.Context, appointmentID uuid.UUID) (*QueueEntry, error)
	InProgress(ctx context.Context, providerID uuid.UUID) (*QueueEntry, error)
	MaxActivePosition(ctx context.Context, providerID uuid.UUID) (int, error)

	// Insert returns ErrPositionConflict when the position is taken by another active entry.
	Insert(ctx context.Context, entry *QueueEntry) error
	// Transition returns ErrInvalidTransition for moves outside the transition table and
	// ErrProviderBusy when a second entry of the provider would become InProgress.
	Transition(ctx context.Context, id uuid.UUID, to EntryStatus, at time.Time) (*QueueEntry, error)
}

// Transactor runs fn as one atomic unit. Stores pick the unit up from ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
