package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// listPageSize is the maxResults value for event list requests.
// 250 is the maximum allowed by the API for event collections.
const listPageSize = 250

// ListEvents fetches one page of events from a calendar. With
// opts.SyncToken set, the API returns only items changed since the token
// was issued (including cancellations); otherwise the listing is bounded
// by opts.TimeMin/TimeMax. HTTP 410 (Gone) means the sync token has
// expired — returns ErrGone and the caller falls back to a window fetch.
func (c *Client) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	path := c.buildListPath(calendarID, opts)

	c.logger.Debug("listing events",
		slog.String("calendar_id", calendarID),
		slog.Bool("incremental", opts.SyncToken != ""),
	)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page EventPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("calendar: decoding event list: %w", err)
	}

	return &page, nil
}

// buildListPath assembles the list request path with query parameters.
func (c *Client) buildListPath(calendarID string, opts ListOptions) string {
	q := url.Values{}
	q.Set("maxResults", fmt.Sprint(listPageSize))

	if opts.SyncToken != "" {
		q.Set("syncToken", opts.SyncToken)
	} else {
		if opts.TimeMin != "" {
			q.Set("timeMin", opts.TimeMin)
		}

		if opts.TimeMax != "" {
			q.Set("timeMax", opts.TimeMax)
		}
	}

	if opts.PageToken != "" {
		q.Set("pageToken", opts.PageToken)
	}

	return "/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()
}

// GetEvent fetches a single event by ID.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeEvent(resp.Body)
}

// InsertEvent creates a new event and returns the server's representation
// (including the assigned event ID).
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("calendar: encoding event: %w", err)
	}

	path := "/calendars/" + url.PathEscape(calendarID) + "/events"

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug("event created", slog.String("calendar_id", calendarID))

	return decodeEvent(resp.Body)
}

// UpdateEvent replaces an existing event and returns the server's
// representation.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("calendar: update requires an event ID")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("calendar: encoding event: %w", err)
	}

	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(event.ID)

	resp, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.logger.Debug("event updated",
		slog.String("calendar_id", calendarID),
		slog.String("event_id", event.ID),
	)

	return decodeEvent(resp.Body)
}

// DeleteEvent removes an event. The caller treats ErrNotFound as
// success-equivalent: the goal state (event gone) is already achieved.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Debug("event deleted",
		slog.String("calendar_id", calendarID),
		slog.String("event_id", eventID),
	)

	return nil
}

// decodeEvent decodes a single event response body.
func decodeEvent(r io.Reader) (*Event, error) {
	var ev Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return nil, fmt.Errorf("calendar: decoding event: %w", err)
	}

	return &ev, nil
}
