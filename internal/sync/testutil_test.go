package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	stdsync "sync"
	"testing"

	"github.com/planwise/plansync/internal/calendar"
)

// testWriter adapts t.Log to io.Writer so slog output lands in test logs.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// testLogger creates a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testStore creates an in-memory state store, closed with the test.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("creating state store: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

// testSession builds a plain session with sensible defaults.
func testSession(id, courseID, date, startTime string) Session {
	return Session{
		ID:              id,
		CourseID:        courseID,
		Date:            date,
		StartTime:       startTime,
		DurationMinutes: 60,
		LastModified:    NowNano(),
	}
}

// --- memSessionStore ---

// memSessionStore is an in-memory SessionStore for engine tests.
type memSessionStore struct {
	mu       stdsync.Mutex
	sessions map[string][]Session

	replaceCalls int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string][]Session)}
}

func (m *memSessionStore) ListSessions(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, len(m.sessions[userID]))
	copy(out, m.sessions[userID])

	return out, nil
}

func (m *memSessionStore) ReplaceSessions(_ context.Context, userID string, sessions []Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replaceCalls++
	m.sessions[userID] = make([]Session, len(sessions))
	copy(m.sessions[userID], sessions)

	return nil
}

func (m *memSessionStore) seed(userID string, sessions ...Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[userID] = sessions
}

func (m *memSessionStore) byID(userID, sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions[userID] {
		if s.ID == sessionID {
			return s, true
		}
	}

	return Session{}, false
}

// --- fakeCalendar ---

// fakeCalendar is an in-memory calendar backend implementing EventClient
// and CalendarEnsurer. Sync tokens are indices into an append-only change
// log: token "t<N>" returns log entries N and later, so incremental
// fetches behave like the real API, including cancellation tombstones.
type fakeCalendar struct {
	mu stdsync.Mutex

	events map[string]*calendar.Event
	log    []calendar.Event
	nextID int

	// expireTokens makes every sync-token listing fail with ErrGone,
	// simulating a token the server has discarded.
	expireTokens bool

	// beforeList, when set, runs at the start of every ListEvents call.
	// Used to block pulls so concurrent syncs overlap deterministically.
	beforeList func()

	// failNextInsert, when set, fails the next InsertEvent call with this
	// error and then clears itself, simulating a transient write failure.
	failNextInsert error

	inserts, updates, deletes, lists, ensures int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]*calendar.Event)}
}

func (f *fakeCalendar) EnsureCalendar(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ensures++

	return "cal-1", nil
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ string, opts calendar.ListOptions) (*calendar.EventPage, error) {
	if f.beforeList != nil {
		f.beforeList()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists++

	if opts.SyncToken != "" {
		if f.expireTokens {
			return nil, fmt.Errorf("fake: listing events: %w", calendar.ErrGone)
		}

		idx, err := strconv.Atoi(strings.TrimPrefix(opts.SyncToken, "t"))
		if err != nil || idx > len(f.log) {
			return nil, fmt.Errorf("fake: listing events: %w", calendar.ErrGone)
		}

		page := &calendar.EventPage{NextSyncToken: fmt.Sprintf("t%d", len(f.log))}
		page.Events = append(page.Events, f.log[idx:]...)

		return page, nil
	}

	page := &calendar.EventPage{NextSyncToken: fmt.Sprintf("t%d", len(f.log))}

	for _, ev := range f.events {
		page.Events = append(page.Events, *ev)
	}

	return page, nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, _ string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inserts++

	if f.failNextInsert != nil {
		err := f.failNextInsert
		f.failNextInsert = nil

		return nil, err
	}

	ev := cloneEvent(event)

	if ev.ID == "" {
		f.nextID++
		ev.ID = fmt.Sprintf("ev-%d", f.nextID)
	}

	f.events[ev.ID] = ev
	f.log = append(f.log, *ev)

	return cloneEvent(ev), nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates++

	if _, ok := f.events[event.ID]; !ok {
		return nil, fmt.Errorf("fake: updating event %s: %w", event.ID, calendar.ErrNotFound)
	}

	ev := cloneEvent(event)
	f.events[ev.ID] = ev
	f.log = append(f.log, *ev)

	return cloneEvent(ev), nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++

	if _, ok := f.events[eventID]; !ok {
		return fmt.Errorf("fake: deleting event %s: %w", eventID, calendar.ErrNotFound)
	}

	delete(f.events, eventID)
	f.log = append(f.log, calendar.Event{ID: eventID, Status: calendar.StatusCancelled})

	return nil
}

func (f *fakeCalendar) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.events)
}

func (f *fakeCalendar) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.inserts + f.updates + f.deletes
}

func (f *fakeCalendar) eventBySessionID(sessionID string) (*calendar.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ev := range f.events {
		if ev.SessionID() == sessionID {
			return cloneEvent(ev), true
		}
	}

	return nil, false
}

func cloneEvent(ev *calendar.Event) *calendar.Event {
	out := *ev

	if ev.Private != nil {
		out.Private = make(map[string]string, len(ev.Private))
		for k, v := range ev.Private {
			out.Private[k] = v
		}
	}

	if ev.Recurrence != nil {
		out.Recurrence = append([]string(nil), ev.Recurrence...)
	}

	return &out
}
