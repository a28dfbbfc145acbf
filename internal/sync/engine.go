package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultCalendarSummary names the destination calendar created on first
// sync.
const DefaultCalendarSummary = "PlanWise Study Sessions"

// Options tunes an Engine. The zero value selects the defaults.
type Options struct {
	CalendarSummary string
	TimeZone        string
	GraceWindow     time.Duration
	PastHorizon     time.Duration
	FutureHorizon   time.Duration

	// DryRun runs Pull and Reconcile but performs no remote writes, no
	// session-store replacement, and no state persistence.
	DryRun bool
}

func (o *Options) withDefaults() {
	if o.CalendarSummary == "" {
		o.CalendarSummary = DefaultCalendarSummary
	}

	if o.TimeZone == "" {
		o.TimeZone = "UTC"
	}

	if o.GraceWindow == 0 {
		o.GraceWindow = DefaultGraceWindow
	}

	if o.PastHorizon == 0 {
		o.PastHorizon = DefaultPastHorizon
	}

	if o.FutureHorizon == 0 {
		o.FutureHorizon = DefaultFutureHorizon
	}
}

// Engine is the sync orchestrator. One Engine serves one account; it is
// safe for concurrent Sync calls — the single-flight guard collapses
// identical runs and serializes the rest per flight key.
//
// A run moves through pull, reconcile, push, and persist strictly in that
// order. A failed run leaves all persisted state untouched, so the next
// run is a clean retry; remote writes already applied before the failure
// are absorbed by the fingerprint cache and event-id linkage.
type Engine struct {
	client   EventClient
	ensurer  CalendarEnsurer
	state    StateStore
	store    SessionStore
	courses  CourseLookup
	identity string

	codec  *RecurrenceCodec
	mapper *EventMapper
	guard  flightGuard
	opts   Options
	logger *slog.Logger

	// nowFunc is injectable for grace-window tests.
	nowFunc func() time.Time
}

// NewEngine wires the sync pipeline. identity is the credential identity
// used in flight keys and as the calendar-cache key; location controls
// event time rendering.
func NewEngine(
	client EventClient,
	ensurer CalendarEnsurer,
	state StateStore,
	store SessionStore,
	courses CourseLookup,
	identity string,
	location *time.Location,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	opts.withDefaults()

	codec := NewRecurrenceCodec(logger)

	return &Engine{
		client:   client,
		ensurer:  ensurer,
		state:    state,
		store:    store,
		courses:  courses,
		identity: identity,
		codec:    codec,
		mapper:   NewEventMapper(codec, location),
		opts:     opts,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Sync runs one full pull-reconcile-push cycle for the user's sessions.
// Concurrent calls with the same session set share a single execution and
// all receive the same Report.
func (e *Engine) Sync(ctx context.Context, userID string) (*Report, error) {
	// The local read happens outside the guard: the flight key is
	// derived from the affected session ids, so it must see them first.
	sessions, err := e.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing sessions: %w", err)
	}

	key := FlightKey(e.identity, sessions)

	report, shared, err := e.guard.do(key, func() (*Report, error) {
		return e.run(ctx, userID, sessions)
	})
	if shared {
		e.logger.Debug("sync call joined in-flight run", slog.String("key", key))
	}

	return report, err
}

// run executes one sync cycle. It holds the flight guard for its whole
// duration.
func (e *Engine) run(ctx context.Context, userID string, sessions []Session) (*Report, error) {
	started := e.nowFunc()
	syncStart := started.UnixNano()

	calendarID, err := e.ensureCalendar(ctx)
	if err != nil {
		return e.failRun(ctx, "", started, err)
	}

	books, err := e.state.LoadBookkeeping(ctx, calendarID)
	if err != nil {
		return e.failRun(ctx, calendarID, started, fmt.Errorf("sync: loading bookkeeping: %w", err))
	}

	printMap, err := e.state.LoadFingerprints(ctx, calendarID)
	if err != nil {
		return e.failRun(ctx, calendarID, started, fmt.Errorf("sync: loading fingerprints: %w", err))
	}

	prints := NewFingerprintCache(printMap)

	importer := NewImporter(e.client, e.state, e.mapper, e.codec, e.logger)
	importer.SetHorizons(e.opts.PastHorizon, e.opts.FutureHorizon)
	importer.nowFunc = e.nowFunc

	remote, err := importer.Pull(ctx, calendarID)
	if err != nil {
		return e.failRun(ctx, calendarID, started, fmt.Errorf("sync: pull: %w", err))
	}

	merge := Reconcile(ReconcileInput{
		Local:       sessions,
		Remote:      remote,
		Books:       books,
		SyncStart:   syncStart,
		Now:         syncStart,
		GraceWindow: e.opts.GraceWindow,
	})

	if e.opts.DryRun {
		return e.dryRunReport(started, remote, merge), nil
	}

	exporter := NewExporter(e.client, e.mapper, prints, e.courses, e.logger)

	push, err := exporter.Push(ctx, calendarID, merge.Merged, remote.EventIDs)
	if err != nil {
		return e.failRun(ctx, calendarID, started, fmt.Errorf("sync: push: %w", err))
	}

	final := e.materializeSessions(merge, calendarID, started)

	if err := e.store.ReplaceSessions(ctx, userID, final); err != nil {
		return e.failRun(ctx, calendarID, started, fmt.Errorf("sync: replacing sessions: %w", err))
	}

	report := e.buildReport(started, remote, merge, push, final)

	if err := e.persistRunState(ctx, calendarID, remote, merge, prints, report, started); err != nil {
		return e.failRun(ctx, calendarID, started, err)
	}

	e.logger.Info("sync complete",
		slog.String("calendar_id", calendarID),
		slog.String("status", string(report.Status)),
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// ensureCalendar returns the destination calendar id, creating the
// calendar on first use. The lookup-or-create is single-flighted under
// its own key so concurrent first syncs cannot create duplicates.
func (e *Engine) ensureCalendar(ctx context.Context) (string, error) {
	if id, err := e.state.GetCalendarID(ctx, e.identity); err != nil {
		return "", fmt.Errorf("sync: reading calendar cache: %w", err)
	} else if id != "" {
		return id, nil
	}

	return e.guard.doString(e.identity+"/ensure-calendar", func() (string, error) {
		// Re-check under the guard: a concurrent caller may have just
		// ensured and cached it.
		if id, err := e.state.GetCalendarID(ctx, e.identity); err == nil && id != "" {
			return id, nil
		}

		id, err := e.ensurer.EnsureCalendar(ctx, e.opts.CalendarSummary, e.opts.TimeZone)
		if err != nil {
			return "", fmt.Errorf("sync: ensuring calendar: %w", err)
		}

		if err := e.state.SaveCalendarID(ctx, e.identity, id); err != nil {
			return "", fmt.Errorf("sync: caching calendar id: %w", err)
		}

		e.logger.Info("destination calendar ready", slog.String("calendar_id", id))

		return id, nil
	})
}

// materializeSessions flattens the merge result into the list handed back
// to the session store: merged first-class sessions, remote exception
// overrides, and freshly derived instances of every recurring master
// within the fetch horizons.
func (e *Engine) materializeSessions(merge *ReconcileResult, calendarID string, now time.Time) []Session {
	windowStart := now.Add(-e.opts.PastHorizon)
	windowEnd := now.Add(e.opts.FutureHorizon)

	final := make([]Session, 0, len(merge.Merged))

	for _, s := range merge.Merged {
		final = append(final, *s)

		if !s.IsMaster() {
			continue
		}

		instances, err := e.codec.Expand(s, windowStart, windowEnd)
		if err != nil {
			e.logger.Warn("expanding recurring master failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, inst := range instances {
			// The master itself covers its own start occurrence.
			if inst.Date == s.Date {
				continue
			}

			// A remote override replaces the derived instance for its
			// occurrence date.
			if ov, ok := merge.Overrides[OverrideKey(s.ID, inst.Date)]; ok {
				ovCopy := *ov
				ovCopy.CalendarID = calendarID
				final = append(final, ovCopy)

				continue
			}

			final = append(final, inst)
		}
	}

	return final
}

// buildReport assembles the run report from the pull, merge, and push
// outcomes.
func (e *Engine) buildReport(started time.Time, remote *RemoteState, merge *ReconcileResult, push *PushResult, final []Session) *Report {
	report := &Report{
		Status:   RunSynced,
		Duration: e.nowFunc().Sub(started),
		Created:  push.Created,
		Updated:  push.Updated,
		Deleted:  push.Deleted,
		Skipped:  push.Skipped,
		Imported: len(remote.Sessions),
		Sessions: final,
	}

	for _, s := range merge.Merged {
		if s.IsMaster() {
			report.Recurring++
		}
	}

	report.ItemErrors = append(report.ItemErrors, remote.ItemErrors...)
	report.ItemErrors = append(report.ItemErrors, push.ItemErrors...)

	if len(report.ItemErrors) > 0 {
		report.Status = RunPartial
	}

	return report
}

// dryRunReport summarizes what a real run would do, from the merge
// decisions alone.
func (e *Engine) dryRunReport(started time.Time, remote *RemoteState, merge *ReconcileResult) *Report {
	report := &Report{
		Status:   RunSynced,
		Duration: e.nowFunc().Sub(started),
		Imported: len(remote.Sessions),
	}

	for _, decision := range merge.Decisions {
		switch decision {
		case LocalWins, PreserveRecurrence:
			report.Updated++
		case Adopt:
			report.Created++
		case Drop, DropAndDeleteRemote:
			report.Deleted++
		}
	}

	for _, s := range merge.Merged {
		if s.IsMaster() {
			report.Recurring++
		}

		report.Sessions = append(report.Sessions, *s)
	}

	report.ItemErrors = remote.ItemErrors

	if len(report.ItemErrors) > 0 {
		report.Status = RunPartial
	}

	return report
}

// persistRunState commits the run's durable state. It runs only after
// every preceding step succeeded — a failed run must leave bookkeeping
// untouched so the retry reconciles from the last consistent state.
func (e *Engine) persistRunState(ctx context.Context, calendarID string, remote *RemoteState, merge *ReconcileResult, prints *FingerprintCache, report *Report, started time.Time) error {
	if err := e.state.SaveBookkeeping(ctx, calendarID, merge.Books); err != nil {
		return fmt.Errorf("sync: saving bookkeeping: %w", err)
	}

	if err := e.state.SaveFingerprints(ctx, calendarID, prints.Snapshot()); err != nil {
		return fmt.Errorf("sync: saving fingerprints: %w", err)
	}

	if remote.SyncToken != "" {
		if err := e.state.SaveSyncToken(ctx, calendarID, remote.SyncToken); err != nil {
			return fmt.Errorf("sync: saving sync token: %w", err)
		}
	}

	stats := &RunStats{
		CalendarID: calendarID,
		StartedAt:  started.UnixNano(),
		FinishedAt: e.nowFunc().UnixNano(),
		Success:    true,
		Status:     string(report.Status),
		Created:    report.Created,
		Updated:    report.Updated,
		Deleted:    report.Deleted,
		Skipped:    report.Skipped,
		Recurring:  report.Recurring,
		ItemErrors: len(report.ItemErrors),
	}

	if err := e.state.RecordRun(ctx, stats); err != nil {
		return fmt.Errorf("sync: recording run: %w", err)
	}

	return nil
}

// failRun records a failed run for 'plansync status' and returns the
// error. Bookkeeping, fingerprints, and the sync token are deliberately
// not written.
func (e *Engine) failRun(ctx context.Context, calendarID string, started time.Time, err error) (*Report, error) {
	e.logger.Error("sync failed",
		slog.String("calendar_id", calendarID),
		slog.String("error", err.Error()),
	)

	if calendarID != "" {
		stats := &RunStats{
			CalendarID: calendarID,
			StartedAt:  started.UnixNano(),
			FinishedAt: e.nowFunc().UnixNano(),
			Success:    false,
			Status:     string(RunFailed),
			Error:      err.Error(),
		}

		if recErr := e.state.RecordRun(ctx, stats); recErr != nil {
			e.logger.Warn("recording failed run", slog.String("error", recErr.Error()))
		}
	}

	return nil, err
}

// NoteDeleted registers a local deletion with the engine's bookkeeping.
// The CRUD layer calls it when the user deletes a session, starting the
// grace window that suppresses resurrection from a lagging remote and
// removing the id from the previously-synced set.
func (e *Engine) NoteDeleted(ctx context.Context, sessionID string) error {
	calendarID, err := e.state.GetCalendarID(ctx, e.identity)
	if err != nil {
		return fmt.Errorf("sync: reading calendar cache: %w", err)
	}

	if calendarID == "" {
		// Never synced; nothing to suppress.
		return nil
	}

	books, err := e.state.LoadBookkeeping(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("sync: loading bookkeeping: %w", err)
	}

	updated := books.Clone()
	updated.DeletedIDs[sessionID] = e.nowFunc().UnixNano()
	delete(updated.SyncedIDs, sessionID)

	if err := e.state.SaveBookkeeping(ctx, calendarID, updated); err != nil {
		return fmt.Errorf("sync: saving bookkeeping: %w", err)
	}

	return nil
}

// Disconnect severs the link to the destination calendar: the cached
// calendar id, sync token, remote snapshot, fingerprints, and bookkeeping
// are cleared so a later reconnect starts from a clean full fetch. The
// calendar itself and its events are left in place.
func (e *Engine) Disconnect(ctx context.Context) error {
	calendarID, err := e.state.GetCalendarID(ctx, e.identity)
	if err != nil {
		return fmt.Errorf("sync: reading calendar cache: %w", err)
	}

	if calendarID != "" {
		if err := e.state.DeleteSyncToken(ctx, calendarID); err != nil {
			return fmt.Errorf("sync: clearing sync token: %w", err)
		}

		if err := e.state.ClearSnapshot(ctx, calendarID); err != nil {
			return fmt.Errorf("sync: clearing snapshot: %w", err)
		}

		if err := e.state.SaveFingerprints(ctx, calendarID, nil); err != nil {
			return fmt.Errorf("sync: clearing fingerprints: %w", err)
		}

		if err := e.state.SaveBookkeeping(ctx, calendarID, NewBookkeeping()); err != nil {
			return fmt.Errorf("sync: clearing bookkeeping: %w", err)
		}
	}

	if err := e.state.DeleteCalendarID(ctx, e.identity); err != nil {
		return fmt.Errorf("sync: clearing calendar cache: %w", err)
	}

	e.logger.Info("disconnected from destination calendar",
		slog.String("calendar_id", calendarID),
	)

	return nil
}

// LastRun returns the most recent run record for the account's calendar,
// or nil when no run has happened yet.
func (e *Engine) LastRun(ctx context.Context) (*RunStats, error) {
	calendarID, err := e.state.GetCalendarID(ctx, e.identity)
	if err != nil {
		return nil, fmt.Errorf("sync: reading calendar cache: %w", err)
	}

	if calendarID == "" {
		return nil, nil
	}

	return e.state.LastRun(ctx, calendarID)
}
