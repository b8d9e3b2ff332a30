package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
)

type state struct {
	appointments map[uuid.UUID]domain.Appointment
	entries      map[uuid.UUID]domain.QueueEntry
}

func (s *state) clone() *state {
	return &state{
		appointments: maps.Clone(s.appointments),
		entries:      maps.Clone(s.entries),
	}
}

type txKey struct{}

// Store is an in-memory AppointmentStore, QueueLedger and Transactor for single-instance
// mode and tests. Every write runs inside a transaction; transactions are serialised
// by a single semaphore and work on a private copy that replaces the committed state
// on success, so a failed transaction leaves nothing behind.
type Store struct {
	mu        sync.RWMutex
	committed *state
	sem       chan struct{}
	clock     clockwork.Clock
}

var (
	_ domain.AppointmentStore = (*Store)(nil)
	_ domain.QueueLedger      = (*Store)(nil)
	_ domain.Transactor       = (*Store)(nil)
)

func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		committed: &state{
			appointments: make(map[uuid.UUID]domain.Appointment),
			entries:      make(map[uuid.UUID]domain.QueueEntry),
		},
		sem:   make(chan struct{}, 1),
		clock: clock,
	}
}

// WithinTx runs fn inside a transaction. Nested calls join the outer transaction.
// Failing to acquire the transaction before ctx expires yields ErrAdmissionConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrAdmissionConflict, ctx.Err())
	}
	defer func() { <-s.sem }()

	s.mu.RLock()
	work := s.committed.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, work)); err != nil {
		return err
	}

	s.mu.Lock()
	s.committed = work
	s.mu.Unlock()
	return nil
}

// read runs fn against the transaction state in ctx, or a read-locked committed state.
func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.committed)
}

func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*state))
	})
}

// Appointment store

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	var out *domain.Appointment
	err := s.read(ctx, func(st *state) error {
		a, ok := st.appointments[id]
		if !ok {
			return fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
		}
		out = &a
		return nil
	})
	return out, err
}

// GetForUpdate is Get; the transaction semaphore already excludes concurrent writers.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Appointment, error) {
	return s.Get(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AppointmentStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown appointment status %q", status)
	}
	return s.write(ctx, func(st *state) error {
		a, ok := st.appointments[id]
		if !ok {
			return fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
		}
		a.Status = status
		a.UpdatedAt = at
		if status == domain.AppointmentCheckedIn {
			a.CheckedInAt = &at
		}
		st.appointments[id] = a
		return nil
	})
}

func (s *Store) Book(ctx context.Context, req domain.BookingRequest) (*domain.Appointment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	var out *domain.Appointment
	err := s.write(ctx, func(st *state) error {
		if req.ProviderID != nil {
			if err := checkConflict(st, uuid.Nil, *req.ProviderID, req.Start); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		a := domain.Appointment{
			ID:             uuid.New(),
			PatronID:       req.PatronID,
			ProviderID:     req.ProviderID,
			ScheduledStart: req.Start,
			ScheduledEnd:   req.End,
			Status:         domain.AppointmentBooked,
			Priority:       priority,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		st.appointments[a.ID] = a
		out = &a
		return nil
	})
	return out, err
}

func (s *Store) AssignProvider(ctx context.Context, id, providerID uuid.UUID) (*domain.Appointment, error) {
	var out *domain.Appointment
	err := s.write(ctx, func(st *state) error {
		a, ok := st.appointments[id]
		if !ok {
			return fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
		}
		if !a.Status.Reassignable() {
			return fmt.Errorf("%w: cannot reassign %s appointment", domain.ErrInvalidTransition, a.Status)
		}
		if err := checkConflict(st, id, providerID, a.ScheduledStart); err != nil {
			return err
		}
		a.ProviderID = &providerID
		a.UpdatedAt = s.clock.Now()
		st.appointments[id] = a
		out = &a
		return nil
	})
	return out, err
}

func checkConflict(st *state, self, providerID uuid.UUID, start time.Time) error {
	for _, other := range st.appointments {
		if other.ID == self || other.ProviderID == nil || *other.ProviderID != providerID {
			continue
		}
		if other.Status.Blocking() && domain.StartsConflict(other.ScheduledStart, start) {
			return fmt.Errorf("%w: appointment %s starts at %s", domain.ErrBookingConflict, other.ID, other.ScheduledStart.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Store) ListCheckedInWithoutEntry(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]domain.Appointment, error) {
	var out []domain.Appointment
	err := s.read(ctx, func(st *state) error {
		out = orphans(st, from, to, func(a domain.Appointment) bool { return a.Provider() == providerID })
		return nil
	})
	return out, err
}

func (s *Store) ListProvidersWithOrphans(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.read(ctx, func(st *state) error {
		seen := make(map[uuid.UUID]struct{})
		for _, a := range orphans(st, from, to, func(a domain.Appointment) bool { return a.ProviderID != nil }) {
			if _, ok := seen[a.Provider()]; !ok {
				seen[a.Provider()] = struct{}{}
				out = append(out, a.Provider())
			}
		}
		slices.SortFunc(out, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
		return nil
	})
	return out, err
}

func orphans(st *state, from, to time.Time, match func(domain.Appointment) bool) []domain.Appointment {
	live := make(map[uuid.UUID]struct{})
	for _, e := range st.entries {
		if e.Status.Active() {
			live[e.AppointmentID] = struct{}{}
		}
	}

	var out []domain.Appointment
	for _, a := range st.appointments {
		if a.Status != domain.AppointmentCheckedIn || !match(a) {
			continue
		}
		if a.ScheduledStart.Before(from) || !a.ScheduledStart.Before(to) {
			continue
		}
		if _, ok := live[a.ID]; ok {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Appointment) int {
		return cmp.Or(compareCheckIn(a.CheckedInAt, b.CheckedInAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return out
}

func compareCheckIn(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

// Queue ledger

// LockProvider is a no-op: the transaction semaphore serialises all providers.
func (s *Store) LockProvider(context.Context, uuid.UUID) error {
	return nil
}

func (s *Store) ListActive(ctx context.Context, providerID uuid.UUID) ([]domain.QueueEntry, error) {
	return s.listActive(ctx, func(e domain.QueueEntry) bool { return e.ProviderID == providerID })
}

func (s *Store) ListActiveByPatron(ctx context.Context, patronID uuid.UUID) ([]domain.QueueEntry, error) {
	return s.listActive(ctx, func(e domain.QueueEntry) bool { return e.PatronID == patronID })
}

func (s *Store) listActive(ctx context.Context, match func(domain.QueueEntry) bool) ([]domain.QueueEntry, error) {
	var out []domain.QueueEntry
	err := s.read(ctx, func(st *state) error {
		for _, e := range st.entries {
			if e.Status.Active() && match(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.QueueEntry) int {
		return cmp.Or(cmp.Compare(a.ProviderID.String(), b.ProviderID.String()), cmp.Compare(a.Position, b.Position))
	})
	return out, err
}

func (s *Store) getEntry(ctx context.Context, match func(domain.QueueEntry) bool, what string) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry
	err := s.read(ctx, func(st *state) error {
		for _, e := range st.entries {
			if match(e) {
				out = &e
				return nil
			}
		}
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	})
	return out, err
}

func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.getEntry(ctx, func(e domain.QueueEntry) bool { return e.ID == id }, "queue entry "+id.String())
}

func (s *Store) GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.GetEntry(ctx, id)
}

func (s *Store) LiveEntryForAppointment(ctx context.Context, appointmentID uuid.UUID) (*domain.QueueEntry, error) {
	return s.getEntry(ctx, func(e domain.QueueEntry) bool {
		return e.AppointmentID == appointmentID && e.Status.Active()
	}, "live entry for appointment "+appointmentID.String())
}

func (s *Store) InProgress(ctx context.Context, providerID uuid.UUID) (*domain.QueueEntry, error) {
	return s.getEntry(ctx, func(e domain.QueueEntry) bool {
		return e.ProviderID == providerID && e.Status == domain.EntryInProgress
	}, "consultation in progress for provider "+providerID.String())
}

func (s *Store) MaxActivePosition(ctx context.Context, providerID uuid.UUID) (int, error) {
	highest := 0
	err := s.read(ctx, func(st *state) error {
		for _, e := range st.entries {
			if e.ProviderID == providerID && e.Status.Active() && e.Position > highest {
				highest = e.Position
			}
		}
		return nil
	})
	return highest, err
}

// Insert enforces the same uniqueness rules as the postgres partial indexes.
func (s *Store) Insert(ctx context.Context, entry *domain.QueueEntry) error {
	return s.write(ctx, func(st *state) error {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		for _, e := range st.entries {
			if !e.Status.Active() {
				continue
			}
			if e.AppointmentID == entry.AppointmentID {
				return fmt.Errorf("appointment %s: %w", entry.AppointmentID, domain.ErrAlreadyCheckedIn)
			}
			if e.ProviderID == entry.ProviderID && e.Position == entry.Position {
				return fmt.Errorf("provider %s position %d: %w", entry.ProviderID, entry.Position, domain.ErrPositionConflict)
			}
			if entry.Status == domain.EntryInProgress && e.ProviderID == entry.ProviderID && e.Status == domain.EntryInProgress {
				return fmt.Errorf("provider %s: %w", entry.ProviderID, domain.ErrProviderBusy)
			}
		}
		st.entries[entry.ID] = *entry
		return nil
	})
}

func (s *Store) Transition(ctx context.Context, id uuid.UUID, to domain.EntryStatus, at time.Time) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry
	err := s.write(ctx, func(st *state) error {
		e, ok := st.entries[id]
		if !ok {
			return fmt.Errorf("queue entry %s: %w", id, domain.ErrNotFound)
		}
		if err := domain.CheckTransition(e.Status, to); err != nil {
			return err
		}
		if to == domain.EntryInProgress {
			for _, other := range st.entries {
				if other.ID != id && other.ProviderID == e.ProviderID && other.Status == domain.EntryInProgress {
					return fmt.Errorf("provider %s: %w", e.ProviderID, domain.ErrProviderBusy)
				}
			}
			e.StartedAt = &at
		}
		if to == domain.EntryCompleted || to == domain.EntryCancelled {
			e.CompletedAt = &at
		}
		e.Status = to
		st.entries[id] = e
		out = &e
		return nil
	})
	return out, err
}
