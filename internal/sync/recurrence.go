package sync

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Date and time layouts used throughout the engine.
const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// rulePrefixes in a remote event's recurrence array. COUNT/UNTIL live
// inside the RRULE line; EXDATE lines carry excluded occurrence dates.
const (
	rrulePrefix  = "RRULE:"
	exdatePrefix = "EXDATE"
)

// RecurrenceCodec converts between the remote rule grammar and the local
// Recurrence shape, and expands a master into date-bound instances for a
// display window. It performs no network I/O.
type RecurrenceCodec struct {
	// IncludeSeriesStart forces the series' own start date into the
	// expansion when it falls inside the window, even if the rule's
	// weekday constraints would exclude it. This mirrors the product
	// behavior that a session scheduled on Tuesday repeating "every
	// Monday" still shows its original Tuesday occurrence.
	IncludeSeriesStart bool

	logger *slog.Logger
}

// NewRecurrenceCodec creates a codec with the series-start inclusion
// policy enabled.
func NewRecurrenceCodec(logger *slog.Logger) *RecurrenceCodec {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecurrenceCodec{
		IncludeSeriesStart: true,
		logger:             logger,
	}
}

// ParseRemote extracts a Recurrence from a remote event's rule list.
// seriesStart is the master event's start date (YYYY-MM-DD). Returns an
// error for a missing or malformed RRULE — the importer skips such items
// rather than aborting the run.
func (c *RecurrenceCodec) ParseRemote(rules []string, seriesStart string) (*Recurrence, error) {
	rec := &Recurrence{SeriesStart: seriesStart}

	for _, line := range rules {
		switch {
		case strings.HasPrefix(line, rrulePrefix):
			rec.Rule = strings.TrimPrefix(line, rrulePrefix)

		case strings.HasPrefix(line, exdatePrefix):
			rec.ExceptionDates = append(rec.ExceptionDates, parseExdateLine(line)...)
		}
	}

	if rec.Rule == "" {
		return nil, fmt.Errorf("sync: recurrence rules %q carry no RRULE", rules)
	}

	opt, err := rrule.StrToROption(rec.Rule)
	if err != nil {
		return nil, fmt.Errorf("sync: malformed RRULE %q: %w", rec.Rule, err)
	}

	if opt.Count > 0 {
		rec.Count = opt.Count
	}

	if !opt.Until.IsZero() {
		rec.Until = opt.Until.Format(dateLayout)
	}

	return rec, nil
}

// BuildRemote emits the remote rule list for a master session.
func (c *RecurrenceCodec) BuildRemote(rec *Recurrence) []string {
	rules := []string{rrulePrefix + rec.Rule}

	if len(rec.ExceptionDates) > 0 {
		stamps := make([]string, 0, len(rec.ExceptionDates))
		for _, d := range rec.ExceptionDates {
			stamps = append(stamps, strings.ReplaceAll(d, "-", "")+"T000000Z")
		}

		rules = append(rules, exdatePrefix+":"+strings.Join(stamps, ","))
	}

	return rules
}

// Expand enumerates the occurrences of a master session inside
// [windowStart, windowEnd], excluding exception dates. Each instance gets
// a synthetic id {masterID}_{date}, carries ParentID, and has no
// Recurrence of its own, so downstream code never treats it as
// sync-eligible.
func (c *RecurrenceCodec) Expand(master *Session, windowStart, windowEnd time.Time) ([]Session, error) {
	if master.Recurrence == nil {
		return nil, fmt.Errorf("sync: session %s is not a recurring master", master.ID)
	}

	opt, err := rrule.StrToROption(master.Recurrence.Rule)
	if err != nil {
		return nil, fmt.Errorf("sync: malformed RRULE %q: %w", master.Recurrence.Rule, err)
	}

	dtstart, err := seriesStartTime(master)
	if err != nil {
		return nil, err
	}

	opt.Dtstart = dtstart

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("sync: building rule %q: %w", master.Recurrence.Rule, err)
	}

	exceptions := make(map[string]bool, len(master.Recurrence.ExceptionDates))
	for _, d := range master.Recurrence.ExceptionDates {
		exceptions[d] = true
	}

	occurrences := rule.Between(windowStart, windowEnd, true)

	seen := make(map[string]bool, len(occurrences))
	instances := make([]Session, 0, len(occurrences))

	// Series-start inclusion policy: the rule may exclude its own Dtstart
	// (e.g. a Tuesday start with BYDAY=MO,WE). Prepend it when it falls in
	// the window so the user's original session never disappears.
	if c.IncludeSeriesStart && !exceptions[master.Recurrence.SeriesStart] {
		if inWindow(dtstart, windowStart, windowEnd) {
			seen[master.Recurrence.SeriesStart] = true
			instances = append(instances, deriveInstance(master, master.Recurrence.SeriesStart))
		}
	}

	for _, occ := range occurrences {
		date := occ.Format(dateLayout)

		if exceptions[date] || seen[date] {
			continue
		}

		seen[date] = true
		instances = append(instances, deriveInstance(master, date))
	}

	return instances, nil
}

// deriveInstance materializes one occurrence of a master on the given
// date. Time-of-day fields come from the master.
func deriveInstance(master *Session, date string) Session {
	return Session{
		ID:                InstanceID(master.ID, date),
		CourseID:          master.CourseID,
		Date:              date,
		StartTime:         master.StartTime,
		EndTime:           master.EndTime,
		DurationMinutes:   master.DurationMinutes,
		Completed:         false,
		CompletionPercent: 0,
		Notes:             master.Notes,
		LastModified:      master.LastModified,
		ParentID:          master.ID,
	}
}

// InstanceID returns the synthetic id of a derived occurrence.
func InstanceID(masterID, date string) string {
	return masterID + "_" + date
}

// OverrideKey identifies an exception override: the master it belongs to
// plus the original occurrence date it replaces.
func OverrideKey(parentID, date string) string {
	return parentID + "_" + date
}

// seriesStartTime combines the series start date with the master's
// start-of-day time.
func seriesStartTime(master *Session) (time.Time, error) {
	date := master.Recurrence.SeriesStart
	if date == "" {
		date = master.Date
	}

	t, err := time.Parse(dateLayout+" "+timeLayout, date+" "+startTimeOrMidnight(master))
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: invalid series start %q: %w", date, err)
	}

	return t.UTC(), nil
}

func startTimeOrMidnight(s *Session) string {
	if s.StartTime != "" {
		return s.StartTime
	}

	return "00:00"
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// parseExdateLine extracts YYYY-MM-DD dates from an EXDATE line such as
// "EXDATE;TZID=UTC:20240101T090000" or "EXDATE:20240101T090000Z,20240108T090000Z".
func parseExdateLine(line string) []string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil
	}

	var dates []string

	for _, stamp := range strings.Split(line[idx+1:], ",") {
		stamp = strings.TrimSpace(stamp)
		if len(stamp) < len("20060102") {
			continue
		}

		t, err := time.Parse("20060102", stamp[:len("20060102")])
		if err != nil {
			continue
		}

		dates = append(dates, t.Format(dateLayout))
	}

	return dates
}
