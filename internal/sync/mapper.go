package sync

import (
	"fmt"
	"time"

	"github.com/planwise/plansync/internal/calendar"
)

// genericTitle is used for sessions with no course linkage. Unassigned
// sessions must never silently acquire a course-specific title.
const genericTitle = "Study session"

// Completion metadata keys, private to the mapper.
const (
	metaCompleted = "plansyncCompleted"
	metaProgress  = "plansyncProgress"
)

// EventMapper converts sessions to and from the remote event
// representation. It is pure data plumbing — no network I/O.
type EventMapper struct {
	codec    *RecurrenceCodec
	location *time.Location
}

// NewEventMapper creates a mapper rendering event times in the given
// location. A nil location falls back to UTC.
func NewEventMapper(codec *RecurrenceCodec, location *time.Location) *EventMapper {
	if location == nil {
		location = time.UTC
	}

	return &EventMapper{codec: codec, location: location}
}

// ToEvent builds the remote representation of a session. courseName may be
// empty for unassigned sessions, which produces the generic title.
func (m *EventMapper) ToEvent(s *Session, courseName string) (*calendar.Event, error) {
	start, end, err := m.sessionWindow(s)
	if err != nil {
		return nil, err
	}

	ev := &calendar.Event{
		ID:          s.EventID,
		Status:      calendar.StatusConfirmed,
		Summary:     eventTitle(courseName),
		Description: s.Notes,
		Start: &calendar.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: m.location.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: m.location.String(),
		},
		Private: map[string]string{
			calendar.MetaSessionID: s.ID,
			calendar.MetaOrigin:    calendar.OriginApp,
		},
	}

	if s.CourseID != "" {
		ev.Private[calendar.MetaCourseID] = s.CourseID
	}

	// Completion state travels in metadata rather than the description so
	// ticking a session done does not rewrite user-visible text.
	if s.Completed {
		ev.Private[metaCompleted] = "true"
	} else if s.CompletionPercent > 0 {
		ev.Private[metaProgress] = fmt.Sprint(s.CompletionPercent)
	}

	if s.Recurrence != nil {
		ev.Recurrence = m.codec.BuildRemote(s.Recurrence)
	}

	return ev, nil
}

// FromEvent builds a session from the remote representation. Cancelled
// events must be handled by the caller as deletions before mapping —
// FromEvent rejects them so a tombstone can never masquerade as a live
// session. Recurrence decoding is also the caller's job (the importer
// attaches it for masters), because exception overrides share this path
// and must not inherit the master's rule.
func (m *EventMapper) FromEvent(ev *calendar.Event) (*Session, error) {
	if ev.IsCancelled() {
		return nil, fmt.Errorf("sync: event %s is cancelled, not a session", ev.ID)
	}

	start, err := parseEventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("sync: event %s start: %w", ev.ID, err)
	}

	end, err := parseEventTime(ev.End)
	if err != nil {
		return nil, fmt.Errorf("sync: event %s end: %w", ev.ID, err)
	}

	start = start.In(m.location)
	end = end.In(m.location)

	s := &Session{
		ID:              ev.SessionID(),
		CourseID:        ev.Private[calendar.MetaCourseID],
		Date:            start.Format(dateLayout),
		StartTime:       start.Format(timeLayout),
		DurationMinutes: int(end.Sub(start) / time.Minute),
		Notes:           ev.Description,
		EventID:         ev.ID,
	}

	// Sessions authored directly in the calendar UI have no metadata —
	// adopt the event id as the session id so the link survives.
	if s.ID == "" {
		s.ID = ev.ID
	}

	// Multi-day spans keep explicit end fields; same-day sessions are
	// fully described by date + start + duration.
	if end.Format(dateLayout) != s.Date {
		s.EndDate = end.Format(dateLayout)
		s.EndTime = end.Format(timeLayout)
	}

	if ev.Private[metaCompleted] == "true" {
		s.Completed = true
		s.CompletionPercent = 100
	} else if p := ev.Private[metaProgress]; p != "" {
		fmt.Sscanf(p, "%d", &s.CompletionPercent)
	}

	if ev.Updated != "" {
		if updated, parseErr := time.Parse(time.RFC3339, ev.Updated); parseErr == nil {
			s.LastModified = updated.UnixNano()
		}
	}

	return s, nil
}

// sessionWindow computes the concrete [start, end) interval of a session.
func (m *EventMapper) sessionWindow(s *Session) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout+" "+timeLayout,
		s.Date+" "+startTimeOrMidnight(s), m.location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("sync: session %s start: %w", s.ID, err)
	}

	// Explicit end wins (multi-day spans); otherwise duration.
	if s.EndDate != "" && s.EndTime != "" {
		end, endErr := time.ParseInLocation(dateLayout+" "+timeLayout,
			s.EndDate+" "+s.EndTime, m.location)
		if endErr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("sync: session %s end: %w", s.ID, endErr)
		}

		return start, end, nil
	}

	minutes := s.DurationMinutes
	if minutes <= 0 {
		minutes = 60
	}

	return start, start.Add(time.Duration(minutes) * time.Minute), nil
}

// parseEventTime decodes an EventDateTime boundary. All-day events carry
// only a date and start at midnight.
func parseEventTime(edt *calendar.EventDateTime) (time.Time, error) {
	if edt == nil {
		return time.Time{}, fmt.Errorf("missing time boundary")
	}

	if edt.DateTime != "" {
		return time.Parse(time.RFC3339, edt.DateTime)
	}

	if edt.Date != "" {
		return time.Parse(dateLayout, edt.Date)
	}

	return time.Time{}, fmt.Errorf("time boundary has neither date nor dateTime")
}

func eventTitle(courseName string) string {
	if courseName == "" {
		return genericTitle
	}

	return "Study: " + courseName
}
