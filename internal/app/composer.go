package app

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
)

// Composer builds effective queue views: ledger entries merged with virtual entries for
// CheckedIn appointments of the same day that never reached the ledger.
type Composer struct {
	appointments domain.AppointmentStore
	ledger       domain.QueueLedger
	estimator    domain.WaitEstimator
	location     *time.Location
	clock        clockwork.Clock
}

func NewComposer(appointments domain.AppointmentStore, ledger domain.QueueLedger, estimator domain.WaitEstimator, location *time.Location, clock clockwork.Clock) *Composer {
	return &Composer{
		appointments: appointments,
		ledger:       ledger,
		estimator:    estimator,
		location:     location,
		clock:        clock,
	}
}

// BuildView reads store state and composes it. It has no side effects.
func (c *Composer) BuildView(ctx context.Context, providerID uuid.UUID) (*domain.EffectiveQueueView, error) {
	entries, err := c.ledger.ListActive(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}

	from, to := DayBounds(c.clock.Now(), c.location)
	orphans, err := c.appointments.ListCheckedInWithoutEntry(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpromoted check-ins: %w", err)
	}

	view := Compose(providerID, entries, orphans, c.estimator)
	return &view, nil
}

// Compose merges active entries and orphaned check-ins into one ordering: InProgress
// first, then by check-in time, position and appointment id. Virtual entries get positions
// after the highest real one, in check-in order.
func Compose(providerID uuid.UUID, entries []domain.QueueEntry, orphans []domain.Appointment, estimator domain.WaitEstimator) domain.EffectiveQueueView {
	lines := make([]domain.ViewEntry, 0, len(entries)+len(orphans))
	admitted := make(map[uuid.UUID]struct{}, len(entries))

	highest := 0
	for _, e := range entries {
		if e.ProviderID != providerID || !e.Status.Active() {
			continue
		}
		admitted[e.AppointmentID] = struct{}{}
		highest = max(highest, e.Position)
		lines = append(lines, domain.ViewEntry{
			EntryID:       e.ID,
			AppointmentID: e.AppointmentID,
			PatronID:      e.PatronID,
			ProviderID:    providerID,
			Position:      e.Position,
			Status:        e.Status,
			Priority:      e.Priority,
			CheckedInAt:   e.CheckedInAt,
		})
	}

	virtual := make([]domain.ViewEntry, 0, len(orphans))
	for _, a := range orphans {
		if _, ok := admitted[a.ID]; ok {
			continue
		}
		virtual = append(virtual, domain.ViewEntry{
			AppointmentID: a.ID,
			PatronID:      a.PatronID,
			ProviderID:    providerID,
			Status:        domain.EntryWaiting,
			Priority:      a.Priority,
			CheckedInAt:   checkedInAt(a),
			Virtual:       true,
		})
	}
	slices.SortFunc(virtual, func(a, b domain.ViewEntry) int {
		return cmp.Or(a.CheckedInAt.Compare(b.CheckedInAt), cmp.Compare(a.AppointmentID.String(), b.AppointmentID.String()))
	})
	for i := range virtual {
		virtual[i].Position = highest + i + 1
	}
	lines = append(lines, virtual...)

	slices.SortFunc(lines, compareLines)

	ahead, place := 0, 0
	for i := range lines {
		if lines[i].Status == domain.EntryWaiting {
			place++
			lines[i].PlaceInLine = place
			lines[i].EstimatedWaitMinutes = estimator.EstimateMinutes(ahead)
		}
		ahead++
	}

	return domain.EffectiveQueueView{ProviderID: providerID, Entries: lines}
}

func compareLines(a, b domain.ViewEntry) int {
	aRunning, bRunning := a.Status == domain.EntryInProgress, b.Status == domain.EntryInProgress
	switch {
	case aRunning && !bRunning:
		return -1
	case bRunning && !aRunning:
		return 1
	}
	return cmp.Or(
		a.CheckedInAt.Compare(b.CheckedInAt),
		cmp.Compare(a.Position, b.Position),
		cmp.Compare(a.AppointmentID.String(), b.AppointmentID.String()),
	)
}

func checkedInAt(a domain.Appointment) time.Time {
	if a.CheckedInAt != nil {
		return *a.CheckedInAt
	}
	return a.UpdatedAt
}

// DayBounds returns the start of now's calendar day in loc and the start of the next.
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
