package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// ListCalendars fetches all calendars visible to the account, following
// pagination to completion.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	var all []Calendar

	pageToken := ""

	for {
		path := "/calendars"
		if pageToken != "" {
			path += "?pageToken=" + url.QueryEscape(pageToken)
		}

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var page calendarListPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if decodeErr != nil {
			return nil, fmt.Errorf("calendar: decoding calendar list: %w", decodeErr)
		}

		all = append(all, page.Calendars...)

		if page.NextPageToken == "" {
			return all, nil
		}

		pageToken = page.NextPageToken
	}
}

// CreateCalendar creates a new calendar with the given summary and returns
// the server's representation (including the assigned ID).
func (c *Client) CreateCalendar(ctx context.Context, summary, timeZone string) (*Calendar, error) {
	body, err := json.Marshal(Calendar{Summary: summary, TimeZone: timeZone})
	if err != nil {
		return nil, fmt.Errorf("calendar: encoding calendar: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/calendars", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cal Calendar
	if err := json.NewDecoder(resp.Body).Decode(&cal); err != nil {
		return nil, fmt.Errorf("calendar: decoding calendar: %w", err)
	}

	c.logger.Info("calendar created",
		slog.String("calendar_id", cal.ID),
		slog.String("summary", cal.Summary),
	)

	return &cal, nil
}

// EnsureCalendar returns the ID of the calendar with the given summary,
// creating it if it does not exist. Callers deduplicate concurrent calls
// through the engine's single-flight guard — two racing EnsureCalendar
// calls would otherwise both observe "missing" and create duplicates.
func (c *Client) EnsureCalendar(ctx context.Context, summary, timeZone string) (string, error) {
	calendars, err := c.ListCalendars(ctx)
	if err != nil {
		return "", fmt.Errorf("calendar: listing calendars: %w", err)
	}

	for i := range calendars {
		if calendars[i].Summary == summary {
			return calendars[i].ID, nil
		}
	}

	created, err := c.CreateCalendar(ctx, summary, timeZone)
	if err != nil {
		return "", fmt.Errorf("calendar: creating destination calendar: %w", err)
	}

	return created.ID, nil
}
