package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planwise/plansync/internal/sync"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(path)
	require.NoError(t, err)

	return s
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))

	sessions, err := s.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAddSessionAssignsIdentity(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	added, err := s.AddSession(ctx, "u1", sync.Session{
		CourseID:        "c1",
		Date:            "2026-09-07",
		StartTime:       "10:00",
		DurationMinutes: 60,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, added.ID)
	assert.NotZero(t, added.LastModified)

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, added.ID, sessions[0].ID)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	ctx := context.Background()

	s := openStore(t, path)
	added, err := s.AddSession(ctx, "u1", sync.Session{Date: "2026-09-07", StartTime: "10:00"})
	require.NoError(t, err)

	reopened := openStore(t, path)
	sessions, err := reopened.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, added.ID, sessions[0].ID)
	assert.Equal(t, "2026-09-07", sessions[0].Date)
}

func TestReplaceSessionsSwapsWholesale(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	_, err := s.AddSession(ctx, "u1", sync.Session{Date: "2026-09-07", StartTime: "10:00"})
	require.NoError(t, err)

	replacement := []sync.Session{
		{ID: "r1", Date: "2026-09-10", StartTime: "09:00", DurationMinutes: 30},
		{ID: "r2", Date: "2026-09-11", StartTime: "09:00", DurationMinutes: 30},
	}
	require.NoError(t, s.ReplaceSessions(ctx, "u1", replacement))

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "r1", sessions[0].ID)
}

func TestDeleteSession(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	added, err := s.AddSession(ctx, "u1", sync.Session{Date: "2026-09-07", StartTime: "10:00"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "u1", added.ID))

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	err = s.DeleteSession(ctx, "u1", added.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionIsolationBetweenUsers(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	_, err := s.AddSession(ctx, "u1", sync.Session{Date: "2026-09-07", StartTime: "10:00"})
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCoursesLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := openStore(t, path)

	// Courses are authored by the hosting app; seed through the document
	// as the app would.
	s.doc.Users["u1"] = &userData{
		Courses: []sync.Course{{ID: "c1", Name: "Linear Algebra"}},
	}

	courses := s.Courses("u1")
	c, ok := courses.Course("c1")
	require.True(t, ok)
	assert.Equal(t, "Linear Algebra", c.Name)

	_, ok = courses.Course("missing")
	assert.False(t, ok)

	assert.Empty(t, s.Courses("u2"))
}

func TestListSessionsReturnsCopy(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.json"))
	ctx := context.Background()

	added, err := s.AddSession(ctx, "u1", sync.Session{Date: "2026-09-07", StartTime: "10:00"})
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	sessions[0].Date = "1999-01-01"

	again, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "2026-09-07", again[0].Date, "callers cannot mutate the store through the returned slice")
	assert.Equal(t, added.ID, again[0].ID)
}
