package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planwise/plansync/internal/calendar"
)

const testUser = "u1"

type engineFixture struct {
	fake   *fakeCalendar
	state  *SQLiteStore
	store  *memSessionStore
	engine *Engine

	now time.Time
}

func newTestEngine(t *testing.T, opts Options) *engineFixture {
	t.Helper()

	fix := &engineFixture{
		fake:  newFakeCalendar(),
		state: testStore(t),
		store: newMemSessionStore(),
		now:   time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}

	fix.engine = NewEngine(
		fix.fake, fix.fake, fix.state, fix.store, testCourses,
		"student@example.com", time.UTC, opts, testLogger(t),
	)
	fix.engine.nowFunc = func() time.Time { return fix.now }

	return fix
}

func (fix *engineFixture) sync(t *testing.T) *Report {
	t.Helper()

	report, err := fix.engine.Sync(context.Background(), testUser)
	require.NoError(t, err)

	return report
}

func TestSyncFirstRun(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.store.seed(testUser,
		testSession("s1", "c-algebra", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "14:00"),
	)

	report := fix.sync(t)

	assert.Equal(t, RunSynced, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, fix.fake.eventCount())

	// Sessions gain their remote linkage.
	s1, ok := fix.store.byID(testUser, "s1")
	require.True(t, ok)
	assert.NotEmpty(t, s1.EventID)
	assert.Equal(t, "cal-1", s1.CalendarID)

	// Durable state lands only on success, all of it.
	token, err := fix.state.GetSyncToken(ctx, "cal-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	books, err := fix.state.LoadBookkeeping(ctx, "cal-1")
	require.NoError(t, err)
	assert.Contains(t, books.SyncedIDs, "s1")
	assert.Contains(t, books.SyncedIDs, "s2")

	last, err := fix.engine.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Success)
	assert.Equal(t, 2, last.Created)
}

func TestSyncIdempotent(t *testing.T) {
	fix := newTestEngine(t, Options{})

	fix.store.seed(testUser,
		testSession("s1", "c-algebra", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "14:00"),
	)

	fix.sync(t)
	writesAfterFirst := fix.fake.writeCount()

	report := fix.sync(t)

	assert.Zero(t, report.Writes(), "re-running an up-to-date sync mutates nothing")
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, writesAfterFirst, fix.fake.writeCount())
}

func TestSyncAdoptsExternalEvent(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	_, err := fix.fake.InsertEvent(ctx, "cal-1", &calendar.Event{
		Status:      calendar.StatusConfirmed,
		Summary:     "Office hours prep",
		Description: "review chapter 3",
		Start:       &calendar.EventDateTime{DateTime: "2026-09-10T09:00:00Z"},
		End:         &calendar.EventDateTime{DateTime: "2026-09-10T10:30:00Z"},
	})
	require.NoError(t, err)

	report := fix.sync(t)

	assert.Equal(t, 1, report.Imported)

	sessions, err := fix.store.ListSessions(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "2026-09-10", sessions[0].Date)
	assert.Equal(t, "09:00", sessions[0].StartTime)
	assert.Equal(t, 90, sessions[0].DurationMinutes)
	assert.Equal(t, "review chapter 3", sessions[0].Notes)
	assert.NotEmpty(t, sessions[0].EventID)
}

func TestSyncRoundTripPreservesFields(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	s := testSession("s1", "c-algebra", "2026-09-07", "10:00")
	s.Notes = "focus on eigenvalues"
	s.Completed = true
	s.CompletionPercent = 100
	fix.store.seed(testUser, s)

	fix.sync(t)

	// Simulate a second device: wipe local state and re-import from the
	// calendar alone.
	fix.store.seed(testUser)
	require.NoError(t, fix.state.SaveBookkeeping(ctx, "cal-1", NewBookkeeping()))
	require.NoError(t, fix.state.DeleteSyncToken(ctx, "cal-1"))

	fix.sync(t)

	got, ok := fix.store.byID(testUser, "s1")
	require.True(t, ok)
	assert.Equal(t, "c-algebra", got.CourseID)
	assert.Equal(t, "2026-09-07", got.Date)
	assert.Equal(t, "10:00", got.StartTime)
	assert.Equal(t, 60, got.DurationMinutes)
	assert.Equal(t, "focus on eigenvalues", got.Notes)
	assert.True(t, got.Completed)
	assert.Equal(t, 100, got.CompletionPercent)
}

func TestSyncLocalDeletionConverges(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))
	fix.sync(t)
	require.Equal(t, 1, fix.fake.eventCount())

	// The user deletes the session; the CRUD layer removes it and tells
	// the engine.
	fix.store.seed(testUser)
	require.NoError(t, fix.engine.NoteDeleted(ctx, "s1"))

	report := fix.sync(t)

	assert.Equal(t, 1, report.Deleted)
	assert.Zero(t, fix.fake.eventCount(), "deletion propagates to the calendar")

	// A later run must not resurrect it from the snapshot.
	fix.now = fix.now.Add(time.Hour)
	fix.sync(t)

	sessions, err := fix.store.ListSessions(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Zero(t, fix.fake.eventCount())
}

func TestSyncRemoteDeletionConverges(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))
	fix.sync(t)

	ev, ok := fix.fake.eventBySessionID("s1")
	require.True(t, ok)
	require.NoError(t, fix.fake.DeleteEvent(ctx, "cal-1", ev.ID))

	fix.sync(t)

	sessions, err := fix.store.ListSessions(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, sessions, "remote deletion removes the local session")
}

func TestSyncExpandsRecurringMaster(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	m := testSession("m1", "c-algebra", "2026-09-07", "10:00")
	m.Recurrence = &Recurrence{
		Rule:        "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5",
		SeriesStart: "2026-09-07",
	}
	fix.store.seed(testUser, m)

	report := fix.sync(t)

	assert.Equal(t, 1, report.Recurring)
	assert.Equal(t, 1, report.Created, "only the master is written remotely")

	sessions, err := fix.store.ListSessions(ctx, testUser)
	require.NoError(t, err)

	var master *Session
	derived := map[string]bool{}

	for i := range sessions {
		if sessions[i].ID == "m1" {
			master = &sessions[i]
			continue
		}

		require.Equal(t, "m1", sessions[i].ParentID)
		derived[sessions[i].Date] = true
	}

	require.NotNil(t, master)
	assert.Equal(t, "2026-09-07", master.Date)
	assert.Equal(t, map[string]bool{
		"2026-09-09": true,
		"2026-09-14": true,
		"2026-09-16": true,
		"2026-09-21": true,
	}, derived, "COUNT=5 yields the master plus four derived occurrences")
}

func TestSyncDryRun(t *testing.T) {
	fix := newTestEngine(t, Options{DryRun: true})
	ctx := context.Background()

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	report := fix.sync(t)

	assert.Equal(t, RunSynced, report.Status)
	assert.Zero(t, fix.fake.writeCount(), "dry run performs no remote writes")
	assert.Zero(t, fix.store.replaceCalls, "dry run leaves the session store alone")

	token, err := fix.state.GetSyncToken(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, token, "dry run persists no sync state")
}

func TestSyncFailedRunPersistsNothing(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	// All writes fail with a credential error; the push aborts the run.
	fix.engine.client = &unauthorizedClient{fakeCalendar: fix.fake}

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	_, err := fix.engine.Sync(ctx, testUser)
	require.ErrorIs(t, err, calendar.ErrUnauthorized)

	books, err := fix.state.LoadBookkeeping(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, books.SyncedIDs, "failed run leaves bookkeeping untouched")

	token, err := fix.state.GetSyncToken(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, token)

	assert.Zero(t, fix.store.replaceCalls)

	// The failure itself is still visible to 'plansync status'.
	last, lastErr := fix.engine.LastRun(ctx)
	require.NoError(t, lastErr)
	require.NotNil(t, last)
	assert.False(t, last.Success)
	assert.Equal(t, string(RunFailed), last.Status)
	assert.NotEmpty(t, last.Error)
}

func TestSyncTransientCreateFailureConverges(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.fake.failNextInsert = fmt.Errorf("fake: inserting event: %w", calendar.ErrServerError)

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	report := fix.sync(t)

	assert.Equal(t, RunPartial, report.Status)
	assert.Zero(t, report.Created)
	require.Len(t, report.ItemErrors, 1)
	assert.Equal(t, "s1", report.ItemErrors[0].SessionID)

	// The session survives the failed push, still unlinked.
	s1, ok := fix.store.byID(testUser, "s1")
	require.True(t, ok, "a session whose create failed must not vanish")
	assert.Empty(t, s1.EventID)

	// The next run retries the create and converges.
	report = fix.sync(t)

	assert.Equal(t, RunSynced, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, report.ItemErrors)
	assert.Equal(t, 1, fix.fake.eventCount())

	s1, ok = fix.store.byID(testUser, "s1")
	require.True(t, ok)
	assert.NotEmpty(t, s1.EventID)

	books, err := fix.state.LoadBookkeeping(ctx, "cal-1")
	require.NoError(t, err)
	assert.Contains(t, books.SyncedIDs, "s1")
}

func TestSyncSingleFlight(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.store.seed(testUser,
		testSession("s1", "c-algebra", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "14:00"),
	)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool

	fix.fake.beforeList = func() {
		if !once {
			once = true
			close(entered)
			<-release
		}
	}

	type result struct {
		report *Report
		err    error
	}

	results := make(chan result, 2)

	for i := 0; i < 2; i++ {
		go func() {
			report, err := fix.engine.Sync(ctx, testUser)
			results <- result{report, err}
		}()
	}

	// Hold the first run open in its pull until the second caller has had
	// time to reach the guard and join the flight.
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)

	a := <-results
	b := <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	assert.Same(t, a.report, b.report, "joined callers share one report")
	assert.Equal(t, 2, fix.fake.inserts, "one run, one set of writes")
	assert.Equal(t, 1, fix.fake.lists, "the pull ran once")
}

func TestFlightKeyDerivation(t *testing.T) {
	a := []Session{
		testSession("s1", "", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "10:00"),
	}
	b := []Session{a[1], a[0]} // order must not matter

	derived := testSession("m1:2026-09-09", "", "2026-09-09", "10:00")
	derived.ParentID = "m1"
	c := append([]Session{derived}, a...)

	keyA := FlightKey("acct", a)
	assert.Equal(t, keyA, FlightKey("acct", b))
	assert.Equal(t, keyA, FlightKey("acct", c), "derived instances do not affect the key")
	assert.NotEqual(t, keyA, FlightKey("other", a), "accounts never share flights")
	assert.NotEqual(t, keyA, FlightKey("acct", a[:1]))
}

func TestDisconnectClearsLinkState(t *testing.T) {
	fix := newTestEngine(t, Options{})
	ctx := context.Background()

	fix.store.seed(testUser, testSession("s1", "c-algebra", "2026-09-07", "10:00"))
	fix.sync(t)

	require.NoError(t, fix.engine.Disconnect(ctx))

	id, err := fix.state.GetCalendarID(ctx, "student@example.com")
	require.NoError(t, err)
	assert.Empty(t, id)

	token, err := fix.state.GetSyncToken(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, token)

	rows, err := fix.state.ListSnapshot(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, rows)

	prints, err := fix.state.LoadFingerprints(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, prints)

	books, err := fix.state.LoadBookkeeping(ctx, "cal-1")
	require.NoError(t, err)
	assert.Empty(t, books.SyncedIDs)

	// The calendar and its events are deliberately left in place.
	assert.Equal(t, 1, fix.fake.eventCount())
}
