package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(provider uuid.UUID, pos int, status domain.EntryStatus, checkedIn time.Time) domain.QueueEntry {
	return domain.QueueEntry{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		PatronID:      uuid.New(),
		ProviderID:    provider,
		Position:      pos,
		Status:        status,
		Priority:      domain.PriorityNormal,
		CheckedInAt:   checkedIn,
	}
}

func testOrphan(provider uuid.UUID, checkedIn time.Time) domain.Appointment {
	return domain.Appointment{
		ID:          uuid.New(),
		PatronID:    uuid.New(),
		ProviderID:  &provider,
		Status:      domain.AppointmentCheckedIn,
		Priority:    domain.PriorityHigh,
		CheckedInAt: &checkedIn,
	}
}

func TestCompose_OrdersInProgressFirstThenByCheckIn(t *testing.T) {
	p := uuid.New()
	t0 := testDay

	first := testEntry(p, 1, domain.EntryWaiting, t0)
	running := testEntry(p, 2, domain.EntryInProgress, t0.Add(time.Minute))
	third := testEntry(p, 3, domain.EntryWaiting, t0.Add(2*time.Minute))

	view := Compose(p, []domain.QueueEntry{third, first, running}, nil, FixedEstimator{MinutesPerPatron: 15})

	require.Len(t, view.Entries, 3)
	assert.Equal(t, running.ID, view.Entries[0].EntryID)
	assert.Equal(t, first.ID, view.Entries[1].EntryID)
	assert.Equal(t, third.ID, view.Entries[2].EntryID)

	assert.Zero(t, view.Entries[0].PlaceInLine, "the patron being seen has no place in line")
	assert.Equal(t, 1, view.Entries[1].PlaceInLine)
	assert.Equal(t, 15, view.Entries[1].EstimatedWaitMinutes)
	assert.Equal(t, 2, view.Entries[2].PlaceInLine)
	assert.Equal(t, 30, view.Entries[2].EstimatedWaitMinutes)

	current, ok := view.Current()
	require.True(t, ok)
	assert.Equal(t, running.ID, current.EntryID)
	assert.Len(t, view.Waiting(), 2)
}

func TestCompose_TiesBrokenByPosition(t *testing.T) {
	p := uuid.New()
	a := testEntry(p, 2, domain.EntryWaiting, testDay)
	b := testEntry(p, 1, domain.EntryWaiting, testDay)

	view := Compose(p, []domain.QueueEntry{a, b}, nil, FixedEstimator{MinutesPerPatron: 15})

	assert.Equal(t, b.ID, view.Entries[0].EntryID)
	assert.Equal(t, a.ID, view.Entries[1].EntryID)
}

func TestCompose_VirtualEntriesContinueAfterHighestPosition(t *testing.T) {
	p := uuid.New()
	admitted := testEntry(p, 4, domain.EntryWaiting, testDay)
	late := testOrphan(p, testDay.Add(10*time.Minute))
	early := testOrphan(p, testDay.Add(5*time.Minute))

	view := Compose(p, []domain.QueueEntry{admitted}, []domain.Appointment{late, early}, FixedEstimator{MinutesPerPatron: 15})

	require.Len(t, view.Entries, 3)
	assert.False(t, view.Entries[0].Virtual)

	assert.True(t, view.Entries[1].Virtual)
	assert.Equal(t, early.ID, view.Entries[1].AppointmentID)
	assert.Equal(t, 5, view.Entries[1].Position)
	assert.Equal(t, uuid.Nil, view.Entries[1].EntryID)
	assert.Equal(t, domain.PriorityHigh, view.Entries[1].Priority)

	assert.Equal(t, late.ID, view.Entries[2].AppointmentID)
	assert.Equal(t, 6, view.Entries[2].Position)
	assert.Equal(t, 30, view.Entries[2].EstimatedWaitMinutes)
}

func TestCompose_SkipsOrphansThatHaveEntries(t *testing.T) {
	p := uuid.New()
	e := testEntry(p, 1, domain.EntryWaiting, testDay)
	dup := testOrphan(p, testDay)
	dup.ID = e.AppointmentID

	view := Compose(p, []domain.QueueEntry{e}, []domain.Appointment{dup}, FixedEstimator{MinutesPerPatron: 15})
	assert.Len(t, view.Entries, 1)
}

func TestCompose_ExcludesTerminalEntries(t *testing.T) {
	p := uuid.New()
	done := testEntry(p, 1, domain.EntryCompleted, testDay)
	waiting := testEntry(p, 2, domain.EntryWaiting, testDay)

	view := Compose(p, []domain.QueueEntry{done, waiting}, nil, FixedEstimator{MinutesPerPatron: 15})
	require.Len(t, view.Entries, 1)
	assert.Equal(t, waiting.ID, view.Entries[0].EntryID)
}

func TestCompose_EmptyQueue(t *testing.T) {
	view := Compose(uuid.New(), nil, nil, FixedEstimator{MinutesPerPatron: 15})
	assert.NotNil(t, view.Entries)
	assert.Empty(t, view.Entries)
}

func TestBuildView_IsPure(t *testing.T) {
	f := newFixture(t, nil)
	f.checkIn(t, f.book(t))
	f.checkIn(t, f.book(t))

	orphanAppt := f.book(t)
	require.NoError(t, f.store.UpdateStatus(context.Background(), orphanAppt.ID, domain.AppointmentCheckedIn, f.clock.Now()))

	first := f.view(t)
	second := f.view(t)
	assert.Equal(t, first, second)
	assert.Len(t, first.Entries, 3)
}

func TestBuildView_CheckInLandsAtTail(t *testing.T) {
	f := newFixture(t, nil)
	f.checkIn(t, f.book(t))
	before := f.view(t)

	entry := f.checkIn(t, f.book(t))
	after := f.view(t)

	require.Len(t, after.Entries, len(before.Entries)+1)
	tail := after.Entries[len(after.Entries)-1]
	assert.Equal(t, entry.ID, tail.EntryID)
	assert.Equal(t, before.Entries[len(before.Entries)-1].Position+1, tail.Position)
}

func TestBuildView_IgnoresOtherDays(t *testing.T) {
	f := newFixture(t, nil)
	yesterday, err := f.store.Book(context.Background(), domain.BookingRequest{
		PatronID:   uuid.New(),
		ProviderID: &f.provider,
		Start:      testDay.Add(-24 * time.Hour),
		End:        testDay.Add(-23 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateStatus(context.Background(), yesterday.ID, domain.AppointmentCheckedIn, testDay.Add(-24*time.Hour)))

	assert.Empty(t, f.view(t).Entries)
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)

	// 20:00 UTC is already the next day at UTC+5:30
	now := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	from, to := DayBounds(now, loc)

	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, loc), from)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, loc), to)
}

func TestFixedEstimator(t *testing.T) {
	e := FixedEstimator{MinutesPerPatron: 15}
	assert.Equal(t, 0, e.EstimateMinutes(0))
	assert.Equal(t, 0, e.EstimateMinutes(-1))
	assert.Equal(t, 45, e.EstimateMinutes(3))
}
