package rosterlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rosterline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Musician represents the API musician model (partial).
type Musician struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	InstrumentID     *string `json:"instrument_id,omitempty"`
	Status           string  `json:"status"`
	UnavailableFrom  *string `json:"unavailable_from,omitempty"`
	UnavailableUntil *string `json:"unavailable_until,omitempty"`
}

// Event represents the API event model (partial).
type Event struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	ScheduledAt string   `json:"scheduled_at"`
	Location    string   `json:"location"`
	SongIDs     []string `json:"song_ids,omitempty"`
}

// RosterEntry is a musician bound to an event.
type RosterEntry struct {
	ID          string `json:"id"`
	MusicianID  string `json:"musician_id"`
	EventID     string `json:"event_id"`
	Instrument  string `json:"instrument,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	EventName   string `json:"event_name"`
	ScheduledAt string `json:"scheduled_at"`
}

// OverloadAlert flags a musician with too many closely-spaced bookings.
type OverloadAlert struct {
	Musician  Musician `json:"musician"`
	MaxStreak int      `json:"max_streak"`
}

// RankingEntry pairs a musician with a booking count.
type RankingEntry struct {
	Musician Musician `json:"musician"`
	Count    int      `json:"count"`
}

// RotationSuggestion is a song resting long enough to schedule again.
type RotationSuggestion struct {
	Song struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Artist string `json:"artist"`
	} `json:"song"`
	UsageCount int `json:"usage_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMusician registers a musician.
func (c *Client) CreateMusician(ctx context.Context, name, email, instrument string) (Musician, error) {
	body := map[string]any{
		"name":  name,
		"email": email,
	}
	if instrument != "" {
		body["instrument"] = instrument
	}
	var resp Musician
	err := c.do(ctx, http.MethodPost, "v1/musicians", body, &resp)
	return resp, err
}

// Musicians lists musicians, optionally filtered by status.
func (c *Client) Musicians(ctx context.Context, status string) ([]Musician, error) {
	endpoint := "v1/musicians"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Musician
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateEvent schedules an event.
func (c *Client) CreateEvent(ctx context.Context, name, category, scheduledAt string, songIDs []string) (Event, error) {
	body := map[string]any{
		"name":         name,
		"category":     category,
		"scheduled_at": scheduledAt,
	}
	if len(songIDs) > 0 {
		body["song_ids"] = songIDs
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v1/events", body, &resp)
	return resp, err
}

// Assign puts a musician on an event's roster.
func (c *Client) Assign(ctx context.Context, musicianID, eventID, instrument string) (RosterEntry, error) {
	body := map[string]any{
		"musician_id": musicianID,
		"event_id":    eventID,
	}
	if instrument != "" {
		body["instrument"] = instrument
	}
	var resp RosterEntry
	err := c.do(ctx, http.MethodPost, "v1/rosters", body, &resp)
	return resp, err
}

// Confirm marks a roster entry as confirmed.
func (c *Client) Confirm(ctx context.Context, rosterID string) (RosterEntry, error) {
	var resp RosterEntry
	endpoint := fmt.Sprintf("v1/rosters/%s/confirm", url.PathEscape(rosterID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Unassign removes a roster entry.
func (c *Client) Unassign(ctx context.Context, rosterID string) error {
	endpoint := fmt.Sprintf("v1/rosters/%s", url.PathEscape(rosterID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// MusicianRosters lists a musician's roster entries.
func (c *Client) MusicianRosters(ctx context.Context, musicianID string, futureOnly bool) ([]RosterEntry, error) {
	endpoint := fmt.Sprintf("v1/musicians/%s/rosters", url.PathEscape(musicianID))
	if futureOnly {
		endpoint += "?future=true"
	}
	var resp []RosterEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OverloadAlerts returns musicians whose booking streak meets the threshold.
func (c *Client) OverloadAlerts(ctx context.Context, threshold, windowDays int) ([]OverloadAlert, error) {
	endpoint := "v1/analytics/overload"
	if threshold > 0 {
		endpoint += fmt.Sprintf("?threshold=%d", threshold)
	}
	if windowDays > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += fmt.Sprintf("%swindow_days=%d", sep, windowDays)
	}
	var resp []OverloadAlert
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MostBooked returns the busiest active musicians.
func (c *Client) MostBooked(ctx context.Context, top int) ([]RankingEntry, error) {
	endpoint := "v1/analytics/most-booked"
	if top > 0 {
		endpoint += fmt.Sprintf("?top=%d", top)
	}
	var resp []RankingEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RotationSuggestions returns songs that have rested past the cooldown.
func (c *Client) RotationSuggestions(ctx context.Context, cooldownDays, top int) ([]RotationSuggestion, error) {
	endpoint := "v1/analytics/rotation"
	if cooldownDays > 0 {
		endpoint += fmt.Sprintf("?cooldown_days=%d", cooldownDays)
	}
	if top > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += fmt.Sprintf("%stop=%d", sep, top)
	}
	var resp []RotationSuggestion
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
