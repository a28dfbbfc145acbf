package calendar

// Keys in an event's private metadata bag. The session id key is the
// authoritative link between a remote event and the local session it was
// pushed from; events without it were authored directly in the calendar UI.
const (
	MetaSessionID = "plansyncSessionId"
	MetaCourseID  = "plansyncCourseId"
	MetaOrigin    = "plansyncOrigin"
)

// OriginApp is the MetaOrigin value stamped on every event plansync creates.
const OriginApp = "plansync"

// Event statuses as returned by the API.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// EventDateTime is a start or end boundary of an event. Exactly one of
// Date (all-day, YYYY-MM-DD) or DateTime (RFC 3339) is set.
type EventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Event is the wire representation of a calendar event.
//
// Recurring series use three shapes: a master carries Recurrence rules and
// no RecurringEventID; an exception override carries RecurringEventID plus
// OriginalStart; a plain expanded instance carries RecurringEventID only.
type Event struct {
	ID               string            `json:"id,omitempty"`
	Status           string            `json:"status,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	Description      string            `json:"description,omitempty"`
	Start            *EventDateTime    `json:"start,omitempty"`
	End              *EventDateTime    `json:"end,omitempty"`
	Recurrence       []string          `json:"recurrence,omitempty"`
	RecurringEventID string            `json:"recurringEventId,omitempty"`
	OriginalStart    *EventDateTime    `json:"originalStartTime,omitempty"`
	Updated          string            `json:"updated,omitempty"`
	Private          map[string]string `json:"private,omitempty"`
}

// SessionID returns the linked session id from the event's metadata,
// or empty for events authored outside the app.
func (e *Event) SessionID() string {
	return e.Private[MetaSessionID]
}

// IsCancelled reports whether the event is a cancellation tombstone.
func (e *Event) IsCancelled() bool {
	return e.Status == StatusCancelled
}

// IsRecurringMaster reports whether the event is the master of a series.
func (e *Event) IsRecurringMaster() bool {
	return len(e.Recurrence) > 0 && e.RecurringEventID == ""
}

// IsException reports whether the event is an override of a single
// occurrence of a series. Plain expanded instances have RecurringEventID
// but no OriginalStart and are not exceptions.
func (e *Event) IsException() bool {
	return e.RecurringEventID != "" && e.OriginalStart != nil
}

// EventPage is one page of a list response. NextPageToken continues the
// current listing; NextSyncToken is returned on the final page and enables
// incremental fetches on the next sync.
type EventPage struct {
	Events        []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
	NextSyncToken string  `json:"nextSyncToken,omitempty"`
}

// Calendar is the wire representation of a calendar.
type Calendar struct {
	ID       string `json:"id,omitempty"`
	Summary  string `json:"summary,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// calendarListPage is one page of the calendar list response.
type calendarListPage struct {
	Calendars     []Calendar `json:"items"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// ListOptions controls an event listing. When SyncToken is set the window
// fields are ignored — the API returns everything changed since the token
// was issued, including cancellations.
type ListOptions struct {
	SyncToken string
	TimeMin   string // RFC 3339 lower bound, inclusive
	TimeMax   string // RFC 3339 upper bound, exclusive
	PageToken string
}
