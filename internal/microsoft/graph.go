// Package microsoft adapts Outlook / Microsoft 365 calendars through Microsoft Graph.
package microsoft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	graphTime    = "2006-01-02T15:04:05"
	preferUTC    = `outlook.timezone="UTC"`
)

// Scopes requested during consent.
var Scopes = []string{"offline_access", "User.Read", "Calendars.ReadWrite", "OnlineMeetings.ReadWrite"}

// OAuthConfig returns the Azure AD OAuth2 config. An empty tenant means "common".
func OAuthConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Client implements provider.Provider and provider.LinkReader for Microsoft Graph.
type Client struct {
	*provider.Refresher
	baseURL string
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

var (
	_ provider.Provider   = (*Client)(nil)
	_ provider.LinkReader = (*Client)(nil)
)

// NewClient creates a Graph adapter. An empty baseURL uses the public v1.0 endpoint.
func NewClient(baseURL string, oauthCfg *oauth2.Config, store provider.IntegrationStore, logger *slog.Logger, rec *metrics.Recorder) *Client {
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	logger = logging.OrDiscard(logger)
	return &Client{
		Refresher: provider.NewRefresher(models.ProviderMicrosoft, oauthCfg, store, logger, rec),
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With(logging.KeyProvider, models.ProviderMicrosoft),
		metrics:   rec,
		now:       time.Now,
	}
}

func (c *Client) Name() models.Provider { return models.ProviderMicrosoft }

func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{Calendar: true, VideoProvider: models.VideoTeams}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	ID            string         `json:"id,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Body          *graphBody     `json:"body,omitempty"`
	BodyPreview   string         `json:"bodyPreview,omitempty"`
	Start         *graphDateTime `json:"start,omitempty"`
	End           *graphDateTime `json:"end,omitempty"`
	Location      *graphLocation `json:"location,omitempty"`
	IsAllDay      bool           `json:"isAllDay,omitempty"`
	IsCancelled   bool           `json:"isCancelled,omitempty"`
	ShowAs        string         `json:"showAs,omitempty"`
	WebLink       string         `json:"webLink,omitempty"`
	ICalUID       string         `json:"iCalUId,omitempty"`
	OnlineMeeting *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting,omitempty"`
	OriginalStartTimeZone string `json:"originalStartTimeZone,omitempty"`
	Removed               *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type eventPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

// graphError is a non-2xx Graph response.
type graphError struct {
	Status  int
	Code    string
	Message string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph API status %d: %s %s", e.Status, e.Code, e.Message)
}

func (e *graphError) Unwrap() error {
	switch {
	case e.Status == http.StatusGone || strings.EqualFold(e.Code, "syncStateNotFound") || strings.EqualFold(e.Code, "resyncRequired"):
		return provider.ErrCursorExpired
	case e.Status == http.StatusNotFound:
		return provider.ErrNotFound
	}
	return nil
}

func isStatus(err error, status int) bool {
	ge, ok := err.(*graphError)
	return ok && ge.Status == status
}

// do sends one authenticated Graph request. endpoint may be absolute (next/delta links) or
// relative to the base URL.
func (c *Client) do(ctx context.Context, integ *models.Integration, method, endpoint string, in, out interface{}) error {
	token, err := c.EnsureFreshToken(ctx, integ)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = c.baseURL + endpoint
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", preferUTC)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := provider.BearerClient(ctx, token).Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ge := &graphError{Status: resp.StatusCode}
		var payload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if b, _ := io.ReadAll(resp.Body); len(b) > 0 && json.Unmarshal(b, &payload) == nil {
			ge.Code, ge.Message = payload.Error.Code, payload.Error.Message
		}
		return ge
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) calendarPath(integ *models.Integration) string {
	if integ.CalendarID == "" {
		return "/me"
	}
	return "/me/calendars/" + url.PathEscape(integ.CalendarID)
}

func rangeParams(from, to time.Time) url.Values {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	return params
}

// ListBusy reads calendarView, which expands recurrences, and drops free and cancelled entries.
func (c *Client) ListBusy(ctx context.Context, integ *models.Integration, from, to time.Time) (_ []models.TimeSlot, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "list_busy")(&err)

	params := rangeParams(from, to)
	params.Set("$select", "id,start,end,isCancelled,showAs,isAllDay")
	endpoint := c.calendarPath(integ) + "/calendarView?" + params.Encode()

	var busy []models.TimeSlot
	for endpoint != "" {
		var page eventPage
		if err := c.do(ctx, integ, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list calendar view: %w", err)
		}
		for _, ev := range page.Value {
			if ev.IsCancelled || ev.ShowAs == "free" {
				continue
			}
			start, end, err := eventTimes(&ev)
			if err != nil {
				c.logger.Warn("Skipping event with unreadable times", logging.KeyProviderEvent, ev.ID, logging.Err(err))
				continue
			}
			busy = append(busy, models.TimeSlot{Start: start, End: end})
		}
		endpoint = page.NextLink
	}
	return busy, nil
}

// ListChanges reads one page of calendarView/delta. Sync and page tokens are Graph's
// opaque delta and next links.
func (c *Client) ListChanges(ctx context.Context, integ *models.Integration, q provider.ChangeQuery) (_ *provider.ChangeSet, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "list_changes")(&err)

	return provider.WithCursorFallback(q, func(q provider.ChangeQuery) (*provider.ChangeSet, error) {
		var endpoint string
		switch {
		case q.PageToken != "":
			endpoint = q.PageToken
		case q.SyncToken != "":
			endpoint = q.SyncToken
		default:
			q = provider.FullWindow(q, c.now())
			endpoint = c.calendarPath(integ) + "/calendarView/delta?" + rangeParams(q.TimeMin, q.TimeMax).Encode()
		}

		var page eventPage
		if err := c.do(ctx, integ, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list changes: %w", err)
		}
		cs := &provider.ChangeSet{NextPageToken: page.NextLink, NextSyncToken: page.DeltaLink}
		for i := range page.Value {
			cs.Events = append(cs.Events, toRemote(&page.Value[i]))
		}
		return cs, nil
	})
}

// CreateEvent posts an event to the configured calendar, falling back to the default calendar.
func (c *Client) CreateEvent(ctx context.Context, integ *models.Integration, in provider.EventInput) (_ *provider.Created, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "create_event")(&err)

	body := map[string]interface{}{
		"subject":  in.Title,
		"body":     graphBody{ContentType: "text", Content: in.Description},
		"start":    toGraphTime(in.Start, in.TimeZone, in.AllDay),
		"end":      toGraphTime(in.End, in.TimeZone, in.AllDay),
		"isAllDay": in.AllDay,
	}
	if in.Location != "" {
		body["location"] = graphLocation{DisplayName: in.Location}
	}
	if in.ReferenceID != "" {
		body["transactionId"] = in.ReferenceID
	}
	if in.RequestVideo {
		body["isOnlineMeeting"] = true
		body["onlineMeetingProvider"] = "teamsForBusiness"
	}

	var created graphEvent
	err = c.do(ctx, integ, http.MethodPost, c.calendarPath(integ)+"/events", body, &created)
	if isStatus(err, http.StatusNotFound) && integ.CalendarID != "" {
		c.logger.Warn("Configured calendar not found, falling back to default", "calendar_id", integ.CalendarID)
		err = c.do(ctx, integ, http.MethodPost, "/me/events", body, &created)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	c.logger.Info("Created event", logging.KeyIntegration, integ.ID, logging.KeyProviderEvent, created.ID)
	return &provider.Created{
		ProviderID: created.ID,
		HTMLLink:   created.WebLink,
		VideoLink:  joinURL(&created),
	}, nil
}

// GetVideoLink re-reads the Teams join URL, which Graph can fill in after creation.
func (c *Client) GetVideoLink(ctx context.Context, integ *models.Integration, providerID string) (_ string, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "get_event")(&err)
	var ev graphEvent
	if err := c.do(ctx, integ, http.MethodGet, "/me/events/"+url.PathEscape(providerID)+"?$select=id,onlineMeeting", nil, &ev); err != nil {
		return "", fmt.Errorf("failed to get event: %w", err)
	}
	return joinURL(&ev), nil
}

func (c *Client) UpdateEvent(ctx context.Context, integ *models.Integration, providerID string, changes provider.EventChanges) (err error) {
	if changes.IsEmpty() {
		return nil
	}
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "update_event")(&err)

	tz := ""
	if changes.TimeZone != nil {
		tz = *changes.TimeZone
	}
	body := map[string]interface{}{}
	if changes.Title != nil {
		body["subject"] = *changes.Title
	}
	if changes.Description != nil {
		body["body"] = graphBody{ContentType: "text", Content: *changes.Description}
	}
	if changes.Location != nil {
		body["location"] = graphLocation{DisplayName: *changes.Location}
	}
	allDay := changes.AllDay != nil && *changes.AllDay
	if changes.AllDay != nil {
		body["isAllDay"] = allDay
	}
	if changes.Start != nil {
		body["start"] = toGraphTime(*changes.Start, tz, allDay)
	}
	if changes.End != nil {
		body["end"] = toGraphTime(*changes.End, tz, allDay)
	}
	if err := c.do(ctx, integ, http.MethodPatch, "/me/events/"+url.PathEscape(providerID), body, nil); err != nil {
		return fmt.Errorf("failed to update event %s: %w", providerID, err)
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, integ *models.Integration, providerID string) (err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderMicrosoft), "delete_event")(&err)
	err = c.do(ctx, integ, http.MethodDelete, "/me/events/"+url.PathEscape(providerID), nil, nil)
	if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusGone) {
		c.logger.Debug("Event already absent", logging.KeyProviderEvent, providerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", providerID, err)
	}
	return nil
}

// toGraphTime sends timed events in UTC. All-day events must be midnight in their own zone.
func toGraphTime(t time.Time, tz string, allDay bool) graphDateTime {
	if allDay && tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return graphDateTime{DateTime: t.In(loc).Format(graphTime), TimeZone: tz}
		}
	}
	return graphDateTime{DateTime: t.UTC().Format(graphTime), TimeZone: "UTC"}
}

func parseGraphTime(dt *graphDateTime) (time.Time, error) {
	t, err := time.ParseInLocation(graphTime, dt.DateTime, location(dt.TimeZone))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func eventTimes(ev *graphEvent) (time.Time, time.Time, error) {
	if ev.Start == nil || ev.End == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("event %s has no start or end", ev.ID)
	}
	start, err := parseGraphTime(ev.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseGraphTime(ev.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func joinURL(ev *graphEvent) string {
	if ev.OnlineMeeting != nil {
		return ev.OnlineMeeting.JoinURL
	}
	return ""
}

func toRemote(ev *graphEvent) provider.RemoteEvent {
	out := provider.RemoteEvent{
		ProviderID: ev.ID,
		Title:      ev.Subject,
		Cancelled:  ev.Removed != nil || ev.IsCancelled,
		AllDay:     ev.IsAllDay,
		VideoLink:  joinURL(ev),
		ICalUID:    ev.ICalUID,
		TimeZone:   ianaName(ev.OriginalStartTimeZone),
	}
	if ev.Body != nil {
		out.Description = ev.Body.Content
	} else {
		out.Description = ev.BodyPreview
	}
	if ev.Location != nil {
		out.Location = ev.Location.DisplayName
	}
	if start, end, err := eventTimes(ev); err == nil {
		out.Start, out.End = start, end
	}
	return out
}
