package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ domain.AppointmentStore = (*Store)(nil)
	_ domain.QueueLedger      = (*Store)(nil)
	_ domain.Transactor       = (*Store)(nil)
)

var day = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func book(t *testing.T, s *Store, provider uuid.UUID, start time.Time) *domain.Appointment {
	t.Helper()
	a, err := s.Book(context.Background(), domain.BookingRequest{
		PatronID:   uuid.New(),
		ProviderID: &provider,
		Start:      start,
		End:        start.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	return a
}

func TestBook_ConflictWithinBuffer(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()

	a := book(t, s, provider, day)
	assert.Equal(t, domain.AppointmentBooked, a.Status)
	assert.Equal(t, domain.PriorityNormal, a.Priority)

	_, err := s.Book(ctx, domain.BookingRequest{PatronID: uuid.New(), ProviderID: &provider, Start: day.Add(10 * time.Minute), End: day.Add(40 * time.Minute)})
	assert.ErrorIs(t, err, domain.ErrBookingConflict)

	book(t, s, provider, day.Add(15*time.Minute))
	book(t, s, uuid.New(), day)
}

func TestBook_CancelledDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()

	a := book(t, s, provider, day)
	require.NoError(t, s.UpdateStatus(ctx, a.ID, domain.AppointmentCancelled, day))

	book(t, s, provider, day.Add(5*time.Minute))
}

func TestAssignProvider_RechecksConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()
	book(t, s, provider, day)

	unassigned, err := s.Book(ctx, domain.BookingRequest{PatronID: uuid.New(), Start: day.Add(5 * time.Minute), End: day.Add(35 * time.Minute)})
	require.NoError(t, err)
	assert.Nil(t, unassigned.ProviderID)

	_, err = s.AssignProvider(ctx, unassigned.ID, provider)
	assert.ErrorIs(t, err, domain.ErrBookingConflict)

	other := uuid.New()
	assigned, err := s.AssignProvider(ctx, unassigned.ID, other)
	require.NoError(t, err)
	assert.Equal(t, other, assigned.Provider())
}

func TestAssignProvider_OnlyBeforeAdmission(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))

	for _, status := range []domain.AppointmentStatus{
		domain.AppointmentCheckedIn, domain.AppointmentInProgress,
		domain.AppointmentCompleted, domain.AppointmentCancelled, domain.AppointmentNoShow,
	} {
		provider := uuid.New()
		a := book(t, s, provider, day)
		require.NoError(t, s.UpdateStatus(ctx, a.ID, status, day))

		_, err := s.AssignProvider(ctx, a.ID, uuid.New())
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, status)

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, provider, got.Provider(), status)
	}
}

func TestUpdateStatus_SetsCheckedInAt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	a := book(t, s, uuid.New(), day)

	require.NoError(t, s.UpdateStatus(ctx, a.ID, domain.AppointmentCheckedIn, day.Add(time.Minute)))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentCheckedIn, got.Status)
	require.NotNil(t, got.CheckedInAt)
	assert.Equal(t, day.Add(time.Minute), *got.CheckedInAt)

	assert.ErrorIs(t, s.UpdateStatus(ctx, uuid.New(), domain.AppointmentCheckedIn, day), domain.ErrNotFound)
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	a := book(t, s, uuid.New(), day)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.UpdateStatus(ctx, a.ID, domain.AppointmentCheckedIn, day))
		require.NoError(t, s.Insert(ctx, &domain.QueueEntry{AppointmentID: a.ID, ProviderID: a.Provider(), Position: 1, Status: domain.EntryWaiting}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AppointmentBooked, got.Status)

	entries, err := s.ListActive(ctx, a.Provider())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithinTx_TimesOutWhileHeld(t *testing.T) {
	s := NewStore(clockwork.NewFakeClockAt(day))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.WithinTx(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrAdmissionConflict)
}

func TestInsert_UniquenessRules(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()
	a := book(t, s, provider, day)
	b := book(t, s, provider, day.Add(time.Hour))

	first := &domain.QueueEntry{AppointmentID: a.ID, ProviderID: provider, Position: 1, Status: domain.EntryWaiting}
	require.NoError(t, s.Insert(ctx, first))
	assert.NotEqual(t, uuid.Nil, first.ID)

	err := s.Insert(ctx, &domain.QueueEntry{AppointmentID: b.ID, ProviderID: provider, Position: 1, Status: domain.EntryWaiting})
	assert.ErrorIs(t, err, domain.ErrPositionConflict)

	err = s.Insert(ctx, &domain.QueueEntry{AppointmentID: a.ID, ProviderID: provider, Position: 2, Status: domain.EntryWaiting})
	assert.ErrorIs(t, err, domain.ErrAlreadyCheckedIn)

	highest, err := s.MaxActivePosition(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, 1, highest)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()
	a := book(t, s, provider, day)
	b := book(t, s, provider, day.Add(time.Hour))

	ea := &domain.QueueEntry{AppointmentID: a.ID, ProviderID: provider, Position: 1, Status: domain.EntryWaiting}
	eb := &domain.QueueEntry{AppointmentID: b.ID, ProviderID: provider, Position: 2, Status: domain.EntryWaiting}
	require.NoError(t, s.Insert(ctx, ea))
	require.NoError(t, s.Insert(ctx, eb))

	started, err := s.Transition(ctx, ea.ID, domain.EntryInProgress, day)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	_, err = s.Transition(ctx, eb.ID, domain.EntryInProgress, day)
	assert.ErrorIs(t, err, domain.ErrProviderBusy)

	_, err = s.Transition(ctx, eb.ID, domain.EntryCompleted, day)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	done, err := s.Transition(ctx, ea.ID, domain.EntryCompleted, day.Add(20*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	active, err := s.ListActive(ctx, provider)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, eb.ID, active[0].ID)

	_, err = s.InProgress(ctx, provider)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// a terminal entry frees its position
	highest, err := s.MaxActivePosition(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, 2, highest)
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewStore(clockwork.NewFakeClockAt(day))
	provider := uuid.New()

	promoted := book(t, s, provider, day)
	orphanLate := book(t, s, provider, day.Add(time.Hour))
	orphanEarly := book(t, s, provider, day.Add(2*time.Hour))
	tomorrow := book(t, s, provider, day.Add(24*time.Hour))

	require.NoError(t, s.UpdateStatus(ctx, promoted.ID, domain.AppointmentCheckedIn, day))
	require.NoError(t, s.Insert(ctx, &domain.QueueEntry{AppointmentID: promoted.ID, ProviderID: provider, Position: 1, Status: domain.EntryWaiting}))
	require.NoError(t, s.UpdateStatus(ctx, orphanLate.ID, domain.AppointmentCheckedIn, day.Add(10*time.Minute)))
	require.NoError(t, s.UpdateStatus(ctx, orphanEarly.ID, domain.AppointmentCheckedIn, day.Add(5*time.Minute)))
	require.NoError(t, s.UpdateStatus(ctx, tomorrow.ID, domain.AppointmentCheckedIn, day))

	from, to := day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).Add(24*time.Hour)

	orphans, err := s.ListCheckedInWithoutEntry(ctx, provider, from, to)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, orphanEarly.ID, orphans[0].ID, "ordered by check-in time")
	assert.Equal(t, orphanLate.ID, orphans[1].ID)

	providers, err := s.ListProvidersWithOrphans(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{provider}, providers)
}
