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

var testCourses = CourseMap{
	"c-algebra": {ID: "c-algebra", Name: "Linear Algebra"},
}

func newTestExporter(t *testing.T, fake EventClient, prints *FingerprintCache) *Exporter {
	t.Helper()

	codec := NewRecurrenceCodec(testLogger(t))
	mapper := NewEventMapper(codec, time.UTC)

	return NewExporter(fake, mapper, prints, testCourses, testLogger(t))
}

func mergedSet(sessions ...Session) map[string]*Session {
	out := make(map[string]*Session, len(sessions))

	for i := range sessions {
		out[sessions[i].ID] = &sessions[i]
	}

	return out
}

func TestPushCreatesNewSessions(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	merged := mergedSet(
		testSession("s1", "c-algebra", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "14:00"),
	)

	res, err := ex.Push(context.Background(), "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.ItemErrors)
	assert.Equal(t, 2, fake.eventCount())

	// Linkage is written back in place.
	assert.NotEmpty(t, merged["s1"].EventID)
	assert.Equal(t, "cal-1", merged["s1"].CalendarID)

	ev, ok := fake.eventBySessionID("s1")
	require.True(t, ok)
	assert.Equal(t, "Study: Linear Algebra", ev.Summary)
}

func TestPushSkipsUnchangedSessions(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)
	ctx := context.Background()

	merged := mergedSet(testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	_, err := ex.Push(ctx, "cal-1", merged, nil)
	require.NoError(t, err)
	writesAfterCreate := fake.writeCount()

	res, err := ex.Push(ctx, "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, writesAfterCreate, fake.writeCount(), "unchanged session causes no remote write")
}

func TestPushUpdatesChangedSessions(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)
	ctx := context.Background()

	merged := mergedSet(testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	_, err := ex.Push(ctx, "cal-1", merged, nil)
	require.NoError(t, err)

	merged["s1"].StartTime = "11:30"
	merged["s1"].LastModified = NowNano()

	res, err := ex.Push(ctx, "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)

	ev, ok := fake.eventBySessionID("s1")
	require.True(t, ok)
	assert.Equal(t, "2026-09-07T11:30:00Z", ev.Start.DateTime)
}

func TestPushAdoptsRemoteIndexLinkage(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)
	ctx := context.Background()

	ev, err := fake.InsertEvent(ctx, "cal-1", &calendar.Event{
		Status:  calendar.StatusConfirmed,
		Summary: "Study: Linear Algebra",
		Start:   &calendar.EventDateTime{DateTime: "2026-09-07T10:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2026-09-07T11:00:00Z"},
		Private: map[string]string{calendar.MetaSessionID: "s1"},
	})
	require.NoError(t, err)

	// Local copy lost its linkage (fresh install). The remote index from
	// the pull locates the update target, so no duplicate is created.
	merged := mergedSet(testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	res, pushErr := ex.Push(ctx, "cal-1", merged, map[string]string{"s1": ev.ID})
	require.NoError(t, pushErr)

	assert.Zero(t, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, fake.eventCount())
	assert.Equal(t, ev.ID, merged["s1"].EventID)
}

func TestPushRecreatesOnStaleLinkage(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	s := testSession("s1", "c-algebra", "2026-09-07", "10:00")
	s.EventID = "ev-vanished"
	s.CalendarID = "cal-1"
	merged := mergedSet(s)

	res, err := ex.Push(context.Background(), "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created, "update against a vanished event falls back to create")
	assert.Zero(t, res.Updated)
	assert.NotEqual(t, "ev-vanished", merged["s1"].EventID)
}

func TestPushDeletesOrphans(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)
	ctx := context.Background()

	merged := mergedSet(
		testSession("s1", "c-algebra", "2026-09-07", "10:00"),
		testSession("s2", "", "2026-09-08", "14:00"),
	)

	_, err := ex.Push(ctx, "cal-1", merged, nil)
	require.NoError(t, err)

	orphanEventID := merged["s2"].EventID
	remoteIndex := map[string]string{
		"s1": merged["s1"].EventID,
		"s2": orphanEventID,
	}

	delete(merged, "s2")

	res, err := ex.Push(ctx, "cal-1", merged, remoteIndex)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, fake.eventCount())
	_, ok := fake.eventBySessionID("s2")
	assert.False(t, ok)
}

func TestPushToleratesAlreadyDeletedOrphan(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	remoteIndex := map[string]string{"ghost": "ev-never-existed"}

	res, err := ex.Push(context.Background(), "cal-1", map[string]*Session{}, remoteIndex)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted, "not-found on delete counts as converged")
	assert.Empty(t, res.ItemErrors)
}

func TestPushSkipsDerivedInstances(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	derived := testSession("m1:2026-09-09", "c-algebra", "2026-09-09", "10:00")
	derived.ParentID = "m1"
	merged := mergedSet(derived)

	res, err := ex.Push(context.Background(), "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Zero(t, res.Created, "derived instances live inside the master's recurrence")
	assert.Zero(t, fake.eventCount())
}

// unauthorizedClient fails every write with ErrUnauthorized.
type unauthorizedClient struct {
	*fakeCalendar
}

func (c *unauthorizedClient) InsertEvent(context.Context, string, *calendar.Event) (*calendar.Event, error) {
	return nil, fmt.Errorf("fake: inserting event: %w", calendar.ErrUnauthorized)
}

func TestPushAbortsOnUnauthorized(t *testing.T) {
	fake := &unauthorizedClient{fakeCalendar: newFakeCalendar()}
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	merged := mergedSet(testSession("s1", "c-algebra", "2026-09-07", "10:00"))

	_, err := ex.Push(context.Background(), "cal-1", merged, nil)
	require.ErrorIs(t, err, calendar.ErrUnauthorized)
}

func TestPushIsolatesItemErrors(t *testing.T) {
	fake := newFakeCalendar()
	prints := NewFingerprintCache(nil)
	ex := newTestExporter(t, fake, prints)

	good := testSession("s1", "c-algebra", "2026-09-07", "10:00")
	bad := testSession("s2", "", "not-a-date", "10:00")
	merged := mergedSet(good, bad)

	res, err := ex.Push(context.Background(), "cal-1", merged, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Created, "one bad session does not block the rest")
	require.Len(t, res.ItemErrors, 1)
	assert.Equal(t, "s2", res.ItemErrors[0].SessionID)
	assert.Equal(t, "map", res.ItemErrors[0].Op)
}
