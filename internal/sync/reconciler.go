package sync

import (
	"sort"
	"time"
)

// DefaultGraceWindow bounds resurrection suppression for locally deleted
// sessions. A remote replica reporting a deleted session inside this
// window is assumed to be lagging; outside it, the report is trusted.
const DefaultGraceWindow = 5 * time.Minute

// MergeDecision tags how one session id was resolved, so merge behavior
// is observable in tests without inspecting the merged set field by field.
type MergeDecision string

const (
	// LocalWins keeps the local version: an in-flight edit, a newer
	// local timestamp, or a new local session awaiting its first push.
	LocalWins MergeDecision = "local-wins"

	// RemoteWins adopts the remote version over an older local one.
	RemoteWins MergeDecision = "remote-wins"

	// PreserveRecurrence keeps whichever side carries recurrence data
	// when the two sides disagree on it, regardless of timestamps. A
	// recurring master is never silently demoted to a one-off.
	PreserveRecurrence MergeDecision = "preserve-recurrence"

	// Adopt takes a remote session with no local counterpart and no
	// prior sync history: a session authored externally.
	Adopt MergeDecision = "adopt"

	// Drop removes the session from the merged set: deleted on the side
	// where it used to exist, or suppressed by the deletion grace window.
	Drop MergeDecision = "drop"

	// DropAndDeleteRemote drops the session and leaves its remote event
	// behind as an orphan for the exporter's deletion pass.
	DropAndDeleteRemote MergeDecision = "drop-delete-remote"
)

// ReconcileInput carries the three replicas and the run's time basis.
type ReconcileInput struct {
	// Local is the session set as it was when the run started. Derived
	// instances are filtered out before classification.
	Local []Session

	// Remote is the pulled replica.
	Remote *RemoteState

	// Books is the previous run's bookkeeping. Never mutated.
	Books *Bookkeeping

	// SyncStart is the run's start time in Unix nanoseconds. A local
	// session modified after it is an in-flight edit and wins outright.
	SyncStart int64

	// Now is the evaluation time for the deletion grace window.
	// Zero means SyncStart.
	Now int64

	// GraceWindow bounds resurrection suppression. Zero means
	// DefaultGraceWindow.
	GraceWindow time.Duration
}

// ReconcileResult is the merged authoritative state plus the bookkeeping
// to persist after the run succeeds.
type ReconcileResult struct {
	// Merged is the post-sync session set, keyed by session id.
	Merged map[string]*Session

	// Overrides carries the remote exception overrides through to the
	// session store, keyed by OverrideKey(parentID, date).
	Overrides map[string]*Session

	// Deleted lists session ids dropped because the other side deleted
	// them. Their remote events, where linked, are exporter orphans.
	Deleted []string

	// Books is the updated bookkeeping: SyncedIDs mirrors Merged, and
	// DeletedIDs retains only entries still inside the grace window.
	Books *Bookkeeping

	// Decisions records how each classified id was resolved.
	Decisions map[string]MergeDecision
}

// Reconcile is the three-way merge at the heart of the engine. It is a
// pure function: same inputs, same outputs, no I/O, no mutation of its
// arguments. For every session id in either replica it classifies the
// (local, remote, bookkeeping) triple and resolves it.
func Reconcile(in ReconcileInput) *ReconcileResult {
	now := in.Now
	if now == 0 {
		now = in.SyncStart
	}

	grace := in.GraceWindow
	if grace == 0 {
		grace = DefaultGraceWindow
	}

	books := in.Books
	if books == nil {
		books = NewBookkeeping()
	}

	local := make(map[string]*Session, len(in.Local))

	for i := range in.Local {
		s := &in.Local[i]

		// Derived instances are UI projections of their master. They are
		// re-derived after the merge and never participate in it.
		if s.IsDerived() {
			continue
		}

		local[s.ID] = s
	}

	remote := map[string]*Session{}
	if in.Remote != nil {
		remote = in.Remote.Sessions
	}

	res := &ReconcileResult{
		Merged:    make(map[string]*Session, len(local)+len(remote)),
		Overrides: make(map[string]*Session),
		Books:     NewBookkeeping(),
		Decisions: make(map[string]MergeDecision, len(local)+len(remote)),
	}

	for _, id := range unionIDs(local, remote) {
		l, hasLocal := local[id]
		r, hasRemote := remote[id]

		var decision MergeDecision

		switch {
		case hasLocal && hasRemote:
			decision = resolveBoth(res, l, r, in.SyncStart)

		case hasRemote:
			decision = resolveRemoteOnly(res, id, r, books, now, grace)

		default:
			decision = resolveLocalOnly(res, id, l, books)
		}

		res.Decisions[id] = decision

		if decision == Drop || decision == DropAndDeleteRemote {
			res.Deleted = append(res.Deleted, id)
		}
	}

	if in.Remote != nil {
		for key, ov := range in.Remote.Overrides {
			ovCopy := *ov
			res.Overrides[key] = &ovCopy
		}
	}

	// SyncedIDs is exactly the merged set; DeletedIDs keeps only entries
	// whose grace window has not yet elapsed.
	for id := range res.Merged {
		res.Books.SyncedIDs[id] = true
	}

	for id, deletedAt := range books.DeletedIDs {
		if now-deletedAt <= int64(grace) {
			res.Books.DeletedIDs[id] = deletedAt
		}
	}

	return res
}

// resolveBoth handles ids present in both replicas.
func resolveBoth(res *ReconcileResult, l, r *Session, syncStart int64) MergeDecision {
	// An edit made after the run started has not been pushed yet; the
	// remote copy is by definition stale.
	if syncStart > 0 && l.LastModified > syncStart {
		res.Merged[l.ID] = keepLocal(l, r)
		return LocalWins
	}

	// Recurrence presence disagreement overrides last-writer-wins.
	if (l.Recurrence != nil) != (r.Recurrence != nil) {
		if l.Recurrence != nil {
			res.Merged[l.ID] = keepLocal(l, r)
		} else {
			res.Merged[r.ID] = keepRemote(r, l)
		}

		return PreserveRecurrence
	}

	if r.LastModified > l.LastModified {
		res.Merged[r.ID] = keepRemote(r, l)
		return RemoteWins
	}

	res.Merged[l.ID] = keepLocal(l, r)

	return LocalWins
}

// resolveRemoteOnly handles ids the remote reports but the local set
// lacks: deleted locally (inside or outside the grace window) or authored
// externally.
func resolveRemoteOnly(res *ReconcileResult, id string, r *Session, books *Bookkeeping, now int64, grace time.Duration) MergeDecision {
	if deletedAt, ok := books.DeletedIDs[id]; ok && now-deletedAt <= int64(grace) {
		return Drop
	}

	if books.SyncedIDs[id] {
		return DropAndDeleteRemote
	}

	rCopy := *r
	res.Merged[id] = &rCopy

	return Adopt
}

// resolveLocalOnly handles ids only the local set carries: either the
// remote deleted them or they were never pushed.
func resolveLocalOnly(res *ReconcileResult, id string, l *Session, books *Bookkeeping) MergeDecision {
	// A session without an event ID has never reached the remote (a
	// prior push may have failed on it), so its absence there proves
	// nothing. Only linked sessions can be dropped on remote deletion.
	if l.EventID != "" && books.SyncedIDs[id] {
		return Drop
	}

	lCopy := *l
	res.Merged[id] = &lCopy

	return LocalWins
}

// keepLocal copies the local session, carrying over remote linkage the
// local copy may not have yet (first sync after a push from elsewhere).
func keepLocal(l, r *Session) *Session {
	out := *l

	if out.EventID == "" {
		out.EventID = r.EventID
	}

	if out.CalendarID == "" {
		out.CalendarID = r.CalendarID
	}

	return &out
}

// keepRemote copies the remote session, carrying over local-only fields
// the remote representation cannot express.
func keepRemote(r, l *Session) *Session {
	out := *r

	if out.CalendarID == "" {
		out.CalendarID = l.CalendarID
	}

	// Course linkage never round-trips through an externally-edited
	// event's metadata loss; keep the local assignment if remote has none.
	if out.CourseID == "" {
		out.CourseID = l.CourseID
	}

	return &out
}

// unionIDs returns the sorted union of both replicas' session ids.
// Deterministic ordering keeps the reconciler's outputs stable for tests.
func unionIDs(local, remote map[string]*Session) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	ids := make([]string, 0, len(local)+len(remote))

	for id := range local {
		seen[id] = true
		ids = append(ids, id)
	}

	for id := range remote {
		if !seen[id] {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}
