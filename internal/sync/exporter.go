package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/planwise/plansync/internal/calendar"
)

// exportConcurrency bounds in-flight event writes per run. The API
// throttles aggressively above this.
const exportConcurrency = 4

// Exporter pushes the merged session set to the remote calendar:
// fingerprint-gated creates and updates, then deletion of orphaned
// remote events.
type Exporter struct {
	client  EventClient
	mapper  *EventMapper
	prints  *FingerprintCache
	courses CourseLookup
	logger  *slog.Logger
}

// NewExporter creates an Exporter writing through the given client.
func NewExporter(client EventClient, mapper *EventMapper, prints *FingerprintCache, courses CourseLookup, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Exporter{
		client:  client,
		mapper:  mapper,
		prints:  prints,
		courses: courses,
		logger:  logger,
	}
}

// PushResult accumulates a push pass's outcome. Item errors are isolated;
// a failed write for one session never blocks the rest.
type PushResult struct {
	Created int
	Updated int
	Deleted int
	Skipped int

	ItemErrors []ItemError
}

// Push writes every session in the merged set to the calendar, skipping
// unchanged ones via the fingerprint cache, then deletes remote events
// whose session id is no longer in the set. remoteIndex maps session id
// to the remote event id as pulled; it locates update targets for
// sessions whose local copy predates the linkage, and the orphans to
// delete. Sessions gain their EventID/CalendarID linkage in place.
func (ex *Exporter) Push(ctx context.Context, calendarID string, merged map[string]*Session, remoteIndex map[string]string) (*PushResult, error) {
	res := &PushResult{}

	var mu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)

	for _, s := range merged {
		if s.IsDerived() {
			continue
		}

		s := s

		g.Go(func() error {
			op, err := ex.pushOne(gctx, calendarID, s, remoteIndex)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				// Credential failures are run-level: retrying other items
				// cannot succeed either.
				if errors.Is(err, calendar.ErrUnauthorized) {
					return err
				}

				ex.logger.Warn("push failed for session",
					slog.String("session_id", s.ID),
					slog.String("op", op),
					slog.String("error", err.Error()),
				)

				res.ItemErrors = append(res.ItemErrors, ItemError{SessionID: s.ID, Op: op, Err: err})

				return nil
			}

			switch op {
			case "create":
				res.Created++
			case "update":
				res.Updated++
			default:
				res.Skipped++
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := ex.deleteOrphans(ctx, calendarID, merged, remoteIndex, res); err != nil {
		return res, err
	}

	return res, nil
}

// pushOne writes a single session and returns the operation performed:
// "create", "update", or "skip".
func (ex *Exporter) pushOne(ctx context.Context, calendarID string, s *Session, remoteIndex map[string]string) (string, error) {
	courseName := ""
	if c, ok := ex.courses.Course(s.CourseID); ok {
		courseName = c.Name
	}

	print := Digest(s, courseName)

	// Adopt the pulled linkage before deciding anything: a session can
	// lose its EventID locally (fresh install, restored backup) while the
	// remote event still exists.
	eventID := s.EventID
	if eventID == "" {
		eventID = remoteIndex[s.ID]
	}

	if eventID != "" && ex.prints.ShouldSkip(s.ID, print) {
		s.EventID = eventID
		s.CalendarID = calendarID

		return "skip", nil
	}

	ev, err := ex.mapper.ToEvent(s, courseName)
	if err != nil {
		return "map", err
	}

	if eventID == "" {
		return ex.create(ctx, calendarID, s, ev, print)
	}

	ev.ID = eventID

	updated, err := ex.client.UpdateEvent(ctx, calendarID, ev)
	if errors.Is(err, calendar.ErrNotFound) {
		// Stale linkage: the remote event vanished underneath us.
		// Re-create rather than fail.
		ev.ID = ""
		return ex.create(ctx, calendarID, s, ev, print)
	}

	if err != nil {
		return "update", err
	}

	s.EventID = updated.ID
	s.CalendarID = calendarID
	ex.prints.Commit(s.ID, print)

	return "update", nil
}

func (ex *Exporter) create(ctx context.Context, calendarID string, s *Session, ev *calendar.Event, print uint64) (string, error) {
	created, err := ex.client.InsertEvent(ctx, calendarID, ev)
	if err != nil {
		return "create", err
	}

	s.EventID = created.ID
	s.CalendarID = calendarID
	ex.prints.Commit(s.ID, print)

	return "create", nil
}

// deleteOrphans removes remote events whose session id is absent from the
// merged set. This is the authoritative deletion-propagation path:
// sessions the reconciler dropped leave orphans here.
func (ex *Exporter) deleteOrphans(ctx context.Context, calendarID string, merged map[string]*Session, remoteIndex map[string]string, res *PushResult) error {
	for sessionID, eventID := range remoteIndex {
		if _, ok := merged[sessionID]; ok {
			continue
		}

		err := ex.client.DeleteEvent(ctx, calendarID, eventID)
		if err != nil && !errors.Is(err, calendar.ErrNotFound) {
			if errors.Is(err, calendar.ErrUnauthorized) {
				return fmt.Errorf("sync: deleting event %s: %w", eventID, err)
			}

			ex.logger.Warn("orphan delete failed",
				slog.String("session_id", sessionID),
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)

			res.ItemErrors = append(res.ItemErrors, ItemError{SessionID: sessionID, Op: "delete", Err: err})

			continue
		}

		// ErrNotFound means the goal state was already reached.
		res.Deleted++
		ex.prints.Forget(sessionID)

		ex.logger.Debug("deleted orphaned event",
			slog.String("session_id", sessionID),
			slog.String("event_id", eventID),
		)
	}

	return nil
}
