// Package sync implements the bidirectional calendar sync engine for
// plansync. It provides the fingerprint cache, recurrence codec, event
// mapper, pull importer, push exporter, three-way reconciler, single-flight
// guard, and the orchestrating engine — the full sync pipeline.
package sync

import (
	"context"
	"time"

	"github.com/planwise/plansync/internal/calendar"
)

// Session is the local unit of truth: one scheduled study session, or the
// master of a recurring series.
//
// Three shapes exist: a plain session (no Recurrence, no ParentID), a
// recurring master (Recurrence set, the only sync-eligible shape for a
// series), and a derived instance (ParentID set, materialized from a
// master for display or as a per-occurrence override). Derived instances
// are never pushed or merged — only the master is a first-class sync unit.
type Session struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId,omitempty"` // empty for unassigned sessions

	// Time window. Date/StartTime are required; EndDate supports
	// multi-day spans and is empty when the session ends the same day.
	Date            string `json:"date"`              // YYYY-MM-DD
	StartTime       string `json:"startTime"`         // HH:MM, 24h
	EndDate         string `json:"endDate,omitempty"` // YYYY-MM-DD
	EndTime         string `json:"endTime,omitempty"` // HH:MM, 24h
	DurationMinutes int    `json:"durationMinutes"`

	Completed         bool   `json:"completed"`
	CompletionPercent int    `json:"completionPercentage"`
	Notes             string `json:"notes,omitempty"`

	// LastModified advances on every local mutation (Unix nanoseconds).
	// It is the merge tiebreaker between concurrently-edited replicas.
	LastModified int64 `json:"lastModified"`

	// Remote linkage, set once the session has been pushed. An empty
	// EventID is the authoritative signal that the session was never
	// synced — it distinguishes "new local session" from "session whose
	// remote counterpart vanished".
	EventID    string `json:"externalEventId,omitempty"`
	CalendarID string `json:"externalCalendarId,omitempty"`

	// Recurrence is present only on a recurring master.
	Recurrence *Recurrence `json:"recurrence,omitempty"`

	// ParentID and IsException mark derived instances of a master series.
	ParentID    string `json:"recurringParentId,omitempty"`
	IsException bool   `json:"isException,omitempty"`
}

// IsDerived reports whether the session is a materialized instance or
// override of a master series rather than an independent sync unit.
func (s *Session) IsDerived() bool {
	return s.ParentID != "" && s.Recurrence == nil
}

// IsMaster reports whether the session is the master of a recurring series.
func (s *Session) IsMaster() bool {
	return s.Recurrence != nil
}

// Synced reports whether the session has a remote counterpart.
func (s *Session) Synced() bool {
	return s.EventID != ""
}

// Recurrence describes a repeating series. Rule is the RRULE body (for
// example "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=5"); Until and Count mirror the
// rule's end condition for callers that do not parse RRULEs.
type Recurrence struct {
	Rule           string   `json:"rule"`
	SeriesStart    string   `json:"seriesStartDate"` // YYYY-MM-DD
	Until          string   `json:"until,omitempty"` // YYYY-MM-DD
	Count          int      `json:"count,omitempty"`
	ExceptionDates []string `json:"exceptionDates,omitempty"` // YYYY-MM-DD
}

// Course is the slice of course data the sync engine needs: titles and
// descriptions rendered into pushed events. The course CRUD store owns
// the full record.
type Course struct {
	ID   string
	Name string
}

// Bookkeeping is the engine's memory between runs: which session ids
// existed in the merged result of the previous successful sync, and which
// ids were explicitly deleted locally (with deletion timestamps) inside
// the resurrection-suppression grace window.
type Bookkeeping struct {
	SyncedIDs  map[string]bool
	DeletedIDs map[string]int64 // session id → deletion time (Unix nanoseconds)
}

// NewBookkeeping returns empty bookkeeping sets.
func NewBookkeeping() *Bookkeeping {
	return &Bookkeeping{
		SyncedIDs:  make(map[string]bool),
		DeletedIDs: make(map[string]int64),
	}
}

// Clone returns a deep copy. The reconciler is pure — it never mutates
// the bookkeeping it was given.
func (b *Bookkeeping) Clone() *Bookkeeping {
	out := NewBookkeeping()

	for id := range b.SyncedIDs {
		out.SyncedIDs[id] = true
	}

	for id, at := range b.DeletedIDs {
		out.DeletedIDs[id] = at
	}

	return out
}

// RunStatus classifies the outcome of a sync run for callers: fully
// synced, partially synced with per-item errors, or failed to run.
type RunStatus string

const (
	RunSynced  RunStatus = "synced"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// ItemError records a per-item failure that did not abort the run.
type ItemError struct {
	SessionID string
	Op        string // "create", "update", "delete", "import"
	Err       error
}

// Report summarizes a sync run. Writes counts remote mutations only —
// fingerprint-cache skips are reported separately so idempotence is
// observable.
type Report struct {
	Status   RunStatus
	Duration time.Duration

	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Imported  int
	Recurring int

	Sessions   []Session // the merged, authoritative post-sync set
	ItemErrors []ItemError
}

// Writes returns the number of remote mutations the run performed.
func (r *Report) Writes() int {
	return r.Created + r.Updated + r.Deleted
}

// --- Consumer-defined interfaces ---
// These decouple the sync package from the calendar client's and the CRUD
// store's concrete types, following "accept interfaces, return structs".

// SessionStore is the local source and sink of truth the engine
// reconciles against. The record CRUD layer provides the implementation.
type SessionStore interface {
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	ReplaceSessions(ctx context.Context, userID string, sessions []Session) error
}

// CourseLookup resolves course ids to the fields rendered into event
// titles. Missing courses are not an error — the session is pushed with
// the generic title.
type CourseLookup interface {
	Course(id string) (Course, bool)
}

// CourseMap is a map-backed CourseLookup.
type CourseMap map[string]Course

func (m CourseMap) Course(id string) (Course, bool) {
	c, ok := m[id]
	return c, ok
}

// EventClient is the slice of the calendar API the importer and exporter
// consume. Satisfied by *calendar.Client.
type EventClient interface {
	ListEvents(ctx context.Context, calendarID string, opts calendar.ListOptions) (*calendar.EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// CalendarEnsurer locates or creates the destination calendar.
// Satisfied by *calendar.Client.
type CalendarEnsurer interface {
	EnsureCalendar(ctx context.Context, summary, timeZone string) (string, error)
}

// SnapshotRow is one cached remote event: the raw payload plus the fields
// the purge pass needs without decoding.
type SnapshotRow struct {
	EventID   string
	Payload   []byte // JSON-encoded calendar.Event
	EventDate string // YYYY-MM-DD of the event start, for window purges
	UpdatedAt int64
}

// RunStats is the persisted record of one sync run, surfaced by
// 'plansync status'.
type RunStats struct {
	CalendarID string
	StartedAt  int64
	FinishedAt int64
	Success    bool
	Status     string
	Created    int
	Updated    int
	Deleted    int
	Skipped    int
	Recurring  int
	ItemErrors int
	Error      string
}

// StateStore persists everything the engine owns between runs: sync
// tokens, the remote snapshot cache, fingerprints, bookkeeping sets, the
// cached destination-calendar id, and run statistics. All sync components
// operate against this interface rather than the concrete SQLite
// implementation.
type StateStore interface {
	// Sync tokens
	GetSyncToken(ctx context.Context, calendarID string) (string, error)
	SaveSyncToken(ctx context.Context, calendarID, token string) error
	DeleteSyncToken(ctx context.Context, calendarID string) error

	// Remote snapshot cache
	ListSnapshot(ctx context.Context, calendarID string) ([]SnapshotRow, error)
	UpsertSnapshot(ctx context.Context, calendarID string, row *SnapshotRow) error
	DeleteSnapshot(ctx context.Context, calendarID, eventID string) error
	ClearSnapshot(ctx context.Context, calendarID string) error

	// Fingerprints
	LoadFingerprints(ctx context.Context, calendarID string) (map[string]uint64, error)
	SaveFingerprints(ctx context.Context, calendarID string, prints map[string]uint64) error

	// Bookkeeping sets
	LoadBookkeeping(ctx context.Context, calendarID string) (*Bookkeeping, error)
	SaveBookkeeping(ctx context.Context, calendarID string, books *Bookkeeping) error

	// Destination calendar cache
	GetCalendarID(ctx context.Context, account string) (string, error)
	SaveCalendarID(ctx context.Context, account, calendarID string) error
	DeleteCalendarID(ctx context.Context, account string) error

	// Run statistics
	RecordRun(ctx context.Context, stats *RunStats) error
	LastRun(ctx context.Context, calendarID string) (*RunStats, error)

	Close() error
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion
// happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
