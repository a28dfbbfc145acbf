package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planwise/plansync/internal/calendar"
)

// Default fetch horizons for full-window fetches. A bounded window is an
// explicit performance/completeness trade-off: events outside it are
// invisible to sync until they scroll into the window.
const (
	DefaultPastHorizon   = 30 * 24 * time.Hour
	DefaultFutureHorizon = 180 * 24 * time.Hour
)

// RemoteState is the importer's output: the remote replica materialized
// as sessions, plus the sync token to persist after a successful run.
type RemoteState struct {
	// Sessions holds standalone sessions and recurring masters, keyed by
	// session id. Derived instances are never present.
	Sessions map[string]*Session

	// Overrides holds exception overrides keyed by
	// OverrideKey(parentSessionID, originalDate).
	Overrides map[string]*Session

	// EventIDs maps session id → remote event id for every live remote
	// event, including events whose session never appears locally. The
	// exporter uses it to find update targets and orphans.
	EventIDs map[string]string

	// SyncToken enables the next incremental fetch. Empty when the API
	// did not return one.
	SyncToken string

	// FullFetch is true when the importer fell back to (or started with)
	// a bounded window fetch rather than an incremental one.
	FullFetch bool

	// ItemErrors collects per-event mapping failures. A malformed event
	// is skipped and logged; it never aborts the pull.
	ItemErrors []ItemError
}

// Importer fetches the remote event set and materializes sessions from
// it. It maintains the persisted snapshot cache so incremental fetches
// can be merged into a complete view of the remote replica.
type Importer struct {
	client EventClient
	state  StateStore
	mapper *EventMapper
	codec  *RecurrenceCodec
	logger *slog.Logger

	pastHorizon   time.Duration
	futureHorizon time.Duration

	// nowFunc is injectable for tests.
	nowFunc func() time.Time
}

// NewImporter creates an Importer with the default fetch horizons.
func NewImporter(client EventClient, state StateStore, mapper *EventMapper, codec *RecurrenceCodec, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Importer{
		client:        client,
		state:         state,
		mapper:        mapper,
		codec:         codec,
		logger:        logger,
		pastHorizon:   DefaultPastHorizon,
		futureHorizon: DefaultFutureHorizon,
		nowFunc:       time.Now,
	}
}

// SetHorizons overrides the full-window fetch bounds.
func (im *Importer) SetHorizons(past, future time.Duration) {
	if past > 0 {
		im.pastHorizon = past
	}

	if future > 0 {
		im.futureHorizon = future
	}
}

// Pull is the importer's entry point. With a saved sync token it attempts
// an incremental fetch; on ErrGone (token expired — terminal for that
// token) it discards the token and falls back to a bounded full-window
// fetch within the same run.
func (im *Importer) Pull(ctx context.Context, calendarID string) (*RemoteState, error) {
	token, err := im.state.GetSyncToken(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("sync: loading sync token: %w", err)
	}

	im.logger.Info("pull starting",
		slog.String("calendar_id", calendarID),
		slog.Bool("incremental", token != ""),
	)

	if token != "" {
		st, incErr := im.pullIncremental(ctx, calendarID, token)
		if incErr == nil {
			return st, nil
		}

		if !errors.Is(incErr, calendar.ErrGone) {
			return nil, incErr
		}

		im.logger.Warn("sync token expired, falling back to full fetch",
			slog.String("calendar_id", calendarID),
		)

		if delErr := im.state.DeleteSyncToken(ctx, calendarID); delErr != nil {
			return nil, fmt.Errorf("sync: deleting expired token: %w", delErr)
		}
	}

	return im.pullFull(ctx, calendarID)
}

// pullIncremental fetches only events changed since the token was issued
// and merges them into the persisted snapshot: cancellations remove rows,
// everything else upserts.
func (im *Importer) pullIncremental(ctx context.Context, calendarID, token string) (*RemoteState, error) {
	events, nextToken, err := im.fetchAll(ctx, calendarID, calendar.ListOptions{SyncToken: token})
	if err != nil {
		return nil, err
	}

	for i := range events {
		ev := &events[i]

		if ev.IsCancelled() {
			if delErr := im.state.DeleteSnapshot(ctx, calendarID, ev.ID); delErr != nil {
				return nil, fmt.Errorf("sync: removing cancelled event from snapshot: %w", delErr)
			}

			continue
		}

		if upErr := im.upsertSnapshot(ctx, calendarID, ev); upErr != nil {
			return nil, upErr
		}
	}

	st, err := im.materialize(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	st.SyncToken = nextToken

	im.logger.Info("incremental pull complete",
		slog.String("calendar_id", calendarID),
		slog.Int("changed", len(events)),
		slog.Int("sessions", len(st.Sessions)),
	)

	return st, nil
}

// pullFull fetches the bounded window and reconciles the snapshot
// against it: returned events upsert; cached rows that were not returned
// and whose date falls inside the window are purged, so previously-cached
// but now-deleted items cannot resurrect.
func (im *Importer) pullFull(ctx context.Context, calendarID string) (*RemoteState, error) {
	now := im.nowFunc()
	windowStart := now.Add(-im.pastHorizon)
	windowEnd := now.Add(im.futureHorizon)

	events, nextToken, err := im.fetchAll(ctx, calendarID, calendar.ListOptions{
		TimeMin: windowStart.Format(time.RFC3339),
		TimeMax: windowEnd.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	returned := make(map[string]bool, len(events))

	for i := range events {
		ev := &events[i]

		if ev.IsCancelled() {
			continue
		}

		returned[ev.ID] = true

		if upErr := im.upsertSnapshot(ctx, calendarID, ev); upErr != nil {
			return nil, upErr
		}
	}

	if err := im.purgeStale(ctx, calendarID, returned, windowStart, windowEnd); err != nil {
		return nil, err
	}

	st, err := im.materialize(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	st.SyncToken = nextToken
	st.FullFetch = true

	im.logger.Info("full pull complete",
		slog.String("calendar_id", calendarID),
		slog.Int("fetched", len(events)),
		slog.Int("sessions", len(st.Sessions)),
	)

	return st, nil
}

// fetchAll follows pagination to completion and returns every event plus
// the final page's sync token.
func (im *Importer) fetchAll(ctx context.Context, calendarID string, opts calendar.ListOptions) ([]calendar.Event, string, error) {
	var all []calendar.Event

	for {
		page, err := im.client.ListEvents(ctx, calendarID, opts)
		if err != nil {
			return nil, "", err
		}

		all = append(all, page.Events...)

		if page.NextPageToken == "" {
			return all, page.NextSyncToken, nil
		}

		opts.PageToken = page.NextPageToken
	}
}

// upsertSnapshot stores one event in the snapshot cache.
func (im *Importer) upsertSnapshot(ctx context.Context, calendarID string, ev *calendar.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sync: encoding event %s for snapshot: %w", ev.ID, err)
	}

	row := &SnapshotRow{
		EventID:   ev.ID,
		Payload:   payload,
		EventDate: eventDate(ev),
		UpdatedAt: NowNano(),
	}

	if err := im.state.UpsertSnapshot(ctx, calendarID, row); err != nil {
		return fmt.Errorf("sync: caching event %s: %w", ev.ID, err)
	}

	return nil
}

// purgeStale removes snapshot rows the full fetch did not return whose
// date falls inside the fetch window. Rows outside the window are kept:
// their absence only means they were out of horizon.
func (im *Importer) purgeStale(ctx context.Context, calendarID string, returned map[string]bool, windowStart, windowEnd time.Time) error {
	rows, err := im.state.ListSnapshot(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("sync: listing snapshot for purge: %w", err)
	}

	purged := 0

	for i := range rows {
		row := &rows[i]

		if returned[row.EventID] {
			continue
		}

		d, parseErr := time.Parse(dateLayout, row.EventDate)
		if parseErr != nil || d.Before(windowStart) || d.After(windowEnd) {
			continue
		}

		if delErr := im.state.DeleteSnapshot(ctx, calendarID, row.EventID); delErr != nil {
			return fmt.Errorf("sync: purging stale snapshot row %s: %w", row.EventID, delErr)
		}

		purged++
	}

	if purged > 0 {
		im.logger.Info("purged stale snapshot rows",
			slog.String("calendar_id", calendarID),
			slog.Int("count", purged),
		)
	}

	return nil
}

// materialize decodes the snapshot into the four event categories:
// recurring master, exception override, plain derived instance
// (discarded — it is re-derived from the master), and standalone.
func (im *Importer) materialize(ctx context.Context, calendarID string) (*RemoteState, error) {
	rows, err := im.state.ListSnapshot(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing snapshot: %w", err)
	}

	st := &RemoteState{
		Sessions:  make(map[string]*Session),
		Overrides: make(map[string]*Session),
		EventIDs:  make(map[string]string),
	}

	// Masters first, so overrides can resolve their parent's session id
	// regardless of snapshot ordering.
	var exceptions []*calendar.Event

	for i := range rows {
		var ev calendar.Event
		if err := json.Unmarshal(rows[i].Payload, &ev); err != nil {
			im.logger.Warn("dropping undecodable snapshot row",
				slog.String("event_id", rows[i].EventID),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch {
		case ev.IsException():
			evCopy := ev
			exceptions = append(exceptions, &evCopy)

		case ev.RecurringEventID != "":
			// Plain expanded instance: re-derived from its master.
			continue

		default:
			im.materializeSession(st, &ev)
		}
	}

	for _, ev := range exceptions {
		im.materializeOverride(st, ev)
	}

	return st, nil
}

// materializeSession maps a standalone event or recurring master into the
// remote session set. Mapping failures are isolated per item.
func (im *Importer) materializeSession(st *RemoteState, ev *calendar.Event) {
	s, err := im.mapper.FromEvent(ev)
	if err != nil {
		im.recordItemError(st, ev, err)
		return
	}

	if ev.IsRecurringMaster() {
		rec, recErr := im.codec.ParseRemote(ev.Recurrence, s.Date)
		if recErr != nil {
			im.recordItemError(st, ev, recErr)
			return
		}

		s.Recurrence = rec
	}

	st.Sessions[s.ID] = s
	st.EventIDs[s.ID] = ev.ID
}

// materializeOverride maps an exception event, keyed by its master's
// session id and the original occurrence date it replaces.
func (im *Importer) materializeOverride(st *RemoteState, ev *calendar.Event) {
	s, err := im.mapper.FromEvent(ev)
	if err != nil {
		im.recordItemError(st, ev, err)
		return
	}

	origStart, err := parseEventTime(ev.OriginalStart)
	if err != nil {
		im.recordItemError(st, ev, fmt.Errorf("original start: %w", err))
		return
	}

	// The parent reference is a remote event id; resolve it to the
	// master's session id when the master is known.
	parentID := ev.RecurringEventID

	for sessionID, eventID := range st.EventIDs {
		if eventID == ev.RecurringEventID {
			parentID = sessionID
			break
		}
	}

	origDate := origStart.Format(dateLayout)

	s.ID = InstanceID(parentID, origDate)
	s.ParentID = parentID
	s.IsException = true

	st.Overrides[OverrideKey(parentID, origDate)] = s
}

func (im *Importer) recordItemError(st *RemoteState, ev *calendar.Event, err error) {
	im.logger.Warn("skipping unmappable event",
		slog.String("event_id", ev.ID),
		slog.String("error", err.Error()),
	)

	st.ItemErrors = append(st.ItemErrors, ItemError{
		SessionID: ev.SessionID(),
		Op:        "import",
		Err:       err,
	})
}

// eventDate extracts the YYYY-MM-DD start date for snapshot window
// purges. Unknown shapes return empty, which exempts the row from purges.
func eventDate(ev *calendar.Event) string {
	t, err := parseEventTime(ev.Start)
	if err != nil {
		return ""
	}

	return t.Format(dateLayout)
}
