package calendar

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "data", "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCalendar(t *testing.T, store *Store) (*Account, *Calendar) {
	t.Helper()
	ctx := context.Background()
	acct := &Account{Name: "Work", Type: AccountTypeCalDAV, Enabled: true, ServerURL: "https://dav.example.com"}
	require.NoError(t, store.SaveAccount(ctx, acct))
	cal := &Calendar{AccountID: acct.ID, URL: "/cal/work/", Name: "Work", Visible: true}
	require.NoError(t, store.SaveCalendar(ctx, cal))
	return acct, cal
}

func at(h int) time.Time {
	return time.Date(2025, time.June, 2, h, 0, 0, 0, time.UTC)
}

func TestStore_AccountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, _ := seedCalendar(t, store)
	acct.ConsecutiveFailures = 2
	acct.LastSuccessfulSync = at(8)
	require.NoError(t, store.SaveAccount(ctx, acct))

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "Work", got.Name)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.True(t, got.LastSuccessfulSync.Equal(at(8)))

	all, err := store.GetAllAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = store.GetAccount(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteAccountCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct, cal := seedCalendar(t, store)
	ev := &Event{CalendarID: cal.ID, UID: "u1", Title: "t", Start: at(9), End: at(10)}
	require.NoError(t, store.SaveEvent(ctx, ev))

	require.NoError(t, store.DeleteAccount(ctx, acct.ID))

	_, err := store.GetCalendar(ctx, cal.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_EventLookups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)

	master := &Event{
		CalendarID: cal.ID, UID: "weekly", URL: "/cal/work/weekly.ics", ETag: `"e1"`,
		Title: "Standup", Start: at(9), End: at(10), RRule: "FREQ=WEEKLY",
		ExDates: []time.Time{at(9).AddDate(0, 0, 7)}, Reminders: []int{10},
	}
	require.NoError(t, store.SaveEvent(ctx, master))

	byUID, err := store.FindEventByUID(ctx, cal.ID, "weekly")
	require.NoError(t, err)
	assert.Equal(t, master.ID, byUID.ID)
	assert.Equal(t, SyncStatusSynced, byUID.SyncStatus)
	require.Len(t, byUID.ExDates, 1)
	assert.True(t, byUID.ExDates[0].Equal(at(9).AddDate(0, 0, 7)))
	assert.Equal(t, []int{10}, byUID.Reminders)

	ex := &Event{
		CalendarID: cal.ID, UID: "weekly", URL: master.URL, ETag: `"e1"`, Title: "Moved standup",
		Start: at(11), End: at(12), RecurrenceID: at(9), MasterID: master.ID,
	}
	require.NoError(t, store.SaveEvent(ctx, ex))

	byURL, err := store.FindEventByURL(ctx, cal.ID, master.URL)
	require.NoError(t, err)
	assert.Equal(t, master.ID, byURL.ID)

	found, err := store.FindException(ctx, master.ID, at(9))
	require.NoError(t, err)
	assert.Equal(t, ex.ID, found.ID)

	exceptions, err := store.GetExceptions(ctx, master.ID)
	require.NoError(t, err)
	assert.Len(t, exceptions, 1)

	etags, err := store.GetEventETags(ctx, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{master.URL: `"e1"`}, etags)

	events, err := store.GetEvents(ctx, []int64{master.ID, ex.ID, 12345})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestStore_TimezoneRestored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)

	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2025, time.June, 2, 9, 0, 0, 0, loc)
	ev := &Event{CalendarID: cal.ID, UID: "tz", Title: "t", Start: start, End: start.Add(time.Hour), TZID: "Europe/Berlin"}
	require.NoError(t, store.SaveEvent(ctx, ev))

	got, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(start))
	assert.Equal(t, "Europe/Berlin", got.Start.Location().String())
}

func TestStore_SaveEventWithOccurrencesReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)

	ev := &Event{CalendarID: cal.ID, UID: "r", URL: "/cal/work/r.ics", Title: "r", Start: at(9), End: at(10)}
	first := []Occurrence{
		{OriginalStart: at(9), Start: at(9), End: at(10)},
		{OriginalStart: at(9).AddDate(0, 0, 1), Start: at(9).AddDate(0, 0, 1), End: at(10).AddDate(0, 0, 1)},
	}
	require.NoError(t, store.SaveEventWithOccurrences(ctx, ev, first))

	second := []Occurrence{{OriginalStart: at(9), Start: at(9), End: at(10)}}
	require.NoError(t, store.SaveEventWithOccurrences(ctx, ev, second))

	occ, err := store.GetOccurrences(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, ev.ID, occ[0].EventID)

	inRange, err := store.GetEventsInRange(ctx, cal.ID, at(0), at(23))
	require.NoError(t, err)
	assert.Len(t, inRange, 1)

	visible, err := store.GetOccurrencesInRange(ctx, at(0), at(23))
	require.NoError(t, err)
	assert.Len(t, visible, 1)
}

func TestStore_SaveExceptionLinksSingleOccurrence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)

	master := &Event{CalendarID: cal.ID, UID: "m", URL: "/cal/work/m.ics", Title: "m", Start: at(9), End: at(10), RRule: "FREQ=DAILY"}
	require.NoError(t, store.SaveEventWithOccurrences(ctx, master, []Occurrence{
		{OriginalStart: at(9), Start: at(9), End: at(10)},
	}))

	// A previously standalone exception with its own occurrence.
	ex := &Event{CalendarID: cal.ID, UID: "m", URL: master.URL, Title: "moved", Start: at(13), End: at(14)}
	require.NoError(t, store.SaveEventWithOccurrences(ctx, ex, []Occurrence{
		{OriginalStart: at(13), Start: at(13), End: at(14)},
	}))

	ex.MasterID = master.ID
	ex.RecurrenceID = at(9)
	occ := Occurrence{Start: at(13), End: at(14)}
	require.NoError(t, store.SaveException(ctx, ex, occ))
	require.NoError(t, store.SaveException(ctx, ex, occ))

	masterOcc, err := store.GetOccurrences(ctx, master.ID)
	require.NoError(t, err)
	require.Len(t, masterOcc, 1)
	assert.Equal(t, ex.ID, masterOcc[0].ExceptionID)
	assert.True(t, masterOcc[0].OriginalStart.Equal(at(9)))
	assert.True(t, masterOcc[0].Start.Equal(at(13)))

	own, err := store.GetOccurrences(ctx, ex.ID)
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestStore_SaveExceptionRequiresLink(t *testing.T) {
	store := newTestStore(t)
	_, cal := seedCalendar(t, store)

	ex := &Event{CalendarID: cal.ID, UID: "x", Title: "x", Start: at(9), End: at(10)}
	assert.Error(t, store.SaveException(context.Background(), ex, Occurrence{}))
}

func TestStore_DeleteEventRemovesExceptionsAndOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)

	master := &Event{CalendarID: cal.ID, UID: "d", Title: "d", Start: at(9), End: at(10), RRule: "FREQ=DAILY"}
	require.NoError(t, store.SaveEvent(ctx, master))
	ex := &Event{CalendarID: cal.ID, UID: "d", Title: "d2", Start: at(11), End: at(12), RecurrenceID: at(9), MasterID: master.ID}
	require.NoError(t, store.SaveEvent(ctx, ex))
	op := &PendingOperation{Kind: OpUpdate, EventID: master.ID, CalendarID: cal.ID}
	require.NoError(t, store.SaveOperation(ctx, op))

	require.NoError(t, store.DeleteEvent(ctx, master.ID))

	_, err := store.GetEvent(ctx, ex.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetOperation(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_OutboxQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)
	now := at(12)

	var ops []*PendingOperation
	for i, retry := range []time.Time{{}, now.Add(time.Minute), now.Add(-time.Minute)} {
		ev := &Event{CalendarID: cal.ID, UID: string(rune('a' + i)), Title: "t", Start: at(9), End: at(10)}
		require.NoError(t, store.SaveEvent(ctx, ev))
		op := &PendingOperation{Kind: OpCreate, EventID: ev.ID, CalendarID: cal.ID, NextRetryAt: retry}
		require.NoError(t, store.SaveOperation(ctx, op))
		ops = append(ops, op)
	}

	due, err := store.GetDueOperations(ctx, cal.ID, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ops[0].ID, due[0].ID)
	assert.Equal(t, ops[2].ID, due[1].ID)

	ops[0].Status = OpInProgress
	require.NoError(t, store.SaveOperation(ctx, ops[0]))
	inProgress, err := store.GetOperationsByStatus(ctx, cal.ID, OpInProgress)
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)

	n, err := store.ResetInProgress(ctx, cal.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	forEvent, err := store.GetOperationForEvent(ctx, ops[1].EventID)
	require.NoError(t, err)
	assert.Equal(t, ops[1].ID, forEvent.ID)

	replacement := &PendingOperation{Kind: OpUpdate, EventID: ops[1].EventID, CalendarID: cal.ID, ConflictCycles: 2}
	require.NoError(t, store.ReplaceOperation(ctx, ops[1].ID, replacement))
	_, err = store.GetOperation(ctx, ops[1].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := store.GetOperationForEvent(ctx, ops[1].EventID)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, got.Kind)
	assert.Equal(t, 2, got.ConflictCycles)

	all, err := store.GetAllOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_AbandonOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, cal := seedCalendar(t, store)
	cal.CTag = "ctag-1"
	cal.SyncToken = "tok-1"
	require.NoError(t, store.SaveCalendar(ctx, cal))

	ev := &Event{CalendarID: cal.ID, UID: "x", Title: "x", Start: at(9), End: at(10), RRule: "FREQ=DAILY;COUNT=3",
		ETag: `"1"`, SyncStatus: SyncStatusPendingUpdate}
	require.NoError(t, store.SaveEvent(ctx, ev))
	ex := &Event{CalendarID: cal.ID, UID: "x", Title: "x moved", Start: at(11), End: at(12),
		RecurrenceID: at(9), MasterID: ev.ID, SyncStatus: SyncStatusPendingCreate}
	require.NoError(t, store.SaveEvent(ctx, ex))
	op := &PendingOperation{Kind: OpUpdate, EventID: ev.ID, CalendarID: cal.ID, Status: OpConflict}
	require.NoError(t, store.SaveOperation(ctx, op))

	require.NoError(t, store.AbandonOperation(ctx, op, "gave up"))

	gotEv, err := store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncStatusSynced, gotEv.SyncStatus)
	assert.Equal(t, "gave up", gotEv.SyncError)
	assert.Empty(t, gotEv.ETag)

	gotEx, err := store.GetEvent(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncStatusSynced, gotEx.SyncStatus, "exceptions are released with their master")

	gotCal, err := store.GetCalendar(ctx, cal.ID)
	require.NoError(t, err)
	assert.Empty(t, gotCal.CTag)
	assert.Equal(t, "tok-1", gotCal.SyncToken)

	_, err = store.GetOperation(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	_, cal := seedCalendar(t, store)
	require.NoError(t, store.Close())

	store, err = NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetCalendar(context.Background(), cal.ID)
	require.NoError(t, err)
	assert.Equal(t, "/cal/work/", got.URL)
}
