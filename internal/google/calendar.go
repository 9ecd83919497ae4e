// Package google adapts Google Calendar to the provider contract.
package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
)

const (
	credentialsFile = "credentials.json"
	primaryCalendar = "primary"
	dateLayout      = "2006-01-02"
)

// Config holds the OAuth client and optional endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint overrides the Calendar API base URL.
	Endpoint string
}

// CalendarClient implements provider.Provider and provider.LinkReader for Google Calendar.
type CalendarClient struct {
	*provider.Refresher
	endpoint string
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

var (
	_ provider.Provider   = (*CalendarClient)(nil)
	_ provider.LinkReader = (*CalendarClient)(nil)
)

// NewClient creates a Google Calendar adapter. Refreshed tokens are written to store.
func NewClient(cfg Config, oauthCfg *oauth2.Config, store provider.IntegrationStore, logger *slog.Logger, rec *metrics.Recorder) *CalendarClient {
	logger = logging.OrDiscard(logger)
	return &CalendarClient{
		Refresher: provider.NewRefresher(models.ProviderGoogle, oauthCfg, store, logger, rec),
		endpoint:  cfg.Endpoint,
		logger:    logger.With(logging.KeyProvider, models.ProviderGoogle),
		metrics:   rec,
		now:       time.Now,
	}
}

func (c *CalendarClient) Name() models.Provider { return models.ProviderGoogle }

func (c *CalendarClient) Capabilities() provider.Capabilities {
	return provider.Capabilities{Calendar: true, VideoProvider: models.VideoGoogleMeet}
}

func (c *CalendarClient) service(ctx context.Context, integ *models.Integration) (*calendar.Service, error) {
	token, err := c.EnsureFreshToken(ctx, integ)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(provider.BearerClient(ctx, token))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

func calendarID(integ *models.Integration) string {
	if integ.CalendarID != "" {
		return integ.CalendarID
	}
	return primaryCalendar
}

// ListBusy returns confirmed, opaque events overlapping [from, to).
func (c *CalendarClient) ListBusy(ctx context.Context, integ *models.Integration, from, to time.Time) (_ []models.TimeSlot, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "list_busy")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return nil, err
	}

	var busy []models.TimeSlot
	pageToken := ""
	for {
		call := service.Events.List(calendarID(integ)).Context(ctx).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(from.UTC().Format(time.RFC3339)).
			TimeMax(to.UTC().Format(time.RFC3339))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events: %w", classify(err))
		}
		for _, item := range events.Items {
			if item.Status == "cancelled" || item.Transparency == "transparent" {
				continue
			}
			start, end, _, err := eventTimes(item)
			if err != nil {
				c.logger.Warn("Skipping event with unreadable times", logging.KeyProviderEvent, item.Id, logging.Err(err))
				continue
			}
			busy = append(busy, models.TimeSlot{Start: start, End: end})
		}
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}
	c.logger.Debug("Fetched busy intervals", logging.KeyIntegration, integ.ID, "count", len(busy))
	return busy, nil
}

// ListChanges lists one page of events, incrementally when a sync token is known.
func (c *CalendarClient) ListChanges(ctx context.Context, integ *models.Integration, q provider.ChangeQuery) (_ *provider.ChangeSet, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "list_changes")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return nil, err
	}
	return provider.WithCursorFallback(q, func(q provider.ChangeQuery) (*provider.ChangeSet, error) {
		call := service.Events.List(calendarID(integ)).Context(ctx).
			ShowDeleted(true).
			SingleEvents(true)
		if q.SyncToken != "" {
			call = call.SyncToken(q.SyncToken)
		} else {
			q = provider.FullWindow(q, c.now())
			call = call.TimeMin(q.TimeMin.UTC().Format(time.RFC3339)).TimeMax(q.TimeMax.UTC().Format(time.RFC3339))
		}
		if q.PageToken != "" {
			call = call.PageToken(q.PageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list changes: %w", classify(err))
		}
		cs := &provider.ChangeSet{NextPageToken: events.NextPageToken, NextSyncToken: events.NextSyncToken}
		for _, item := range events.Items {
			cs.Events = append(cs.Events, toRemote(item))
		}
		return cs, nil
	})
}

// CreateEvent inserts an event, asking for a Meet link when requested.
func (c *CalendarClient) CreateEvent(ctx context.Context, integ *models.Integration, in provider.EventInput) (_ *provider.Created, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "create_event")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return nil, err
	}

	event := &calendar.Event{
		Summary:     in.Title,
		Description: in.Description,
		Location:    in.Location,
		Start:       toDateTime(in.Start, in.TimeZone, in.AllDay),
		End:         toDateTime(in.End, in.TimeZone, in.AllDay),
	}
	if in.RequestVideo {
		requestID := in.ReferenceID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		event.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             requestID,
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
	}

	insert := func(calID string) (*calendar.Event, error) {
		call := service.Events.Insert(calID, event).Context(ctx)
		if in.RequestVideo {
			call = call.ConferenceDataVersion(1)
		}
		return call.Do()
	}

	calID := calendarID(integ)
	created, err := insert(calID)
	if isStatus(err, http.StatusNotFound) && calID != primaryCalendar {
		c.logger.Warn("Configured calendar not found, falling back to primary", "calendar_id", calID)
		created, err = insert(primaryCalendar)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", classify(err))
	}

	c.logger.Info("Created event", logging.KeyIntegration, integ.ID, logging.KeyProviderEvent, created.Id)
	return &provider.Created{
		ProviderID: created.Id,
		HTMLLink:   created.HtmlLink,
		VideoLink:  videoLink(created),
	}, nil
}

// GetVideoLink re-reads an event to pick up a conference link that was still pending at creation.
func (c *CalendarClient) GetVideoLink(ctx context.Context, integ *models.Integration, providerID string) (_ string, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "get_event")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return "", err
	}
	event, err := service.Events.Get(calendarID(integ), providerID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get event: %w", classify(err))
	}
	return videoLink(event), nil
}

func (c *CalendarClient) UpdateEvent(ctx context.Context, integ *models.Integration, providerID string, changes provider.EventChanges) (err error) {
	if changes.IsEmpty() {
		return nil
	}
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "update_event")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return err
	}

	patch := &calendar.Event{}
	if changes.Title != nil {
		patch.Summary = *changes.Title
		patch.ForceSendFields = append(patch.ForceSendFields, "Summary")
	}
	if changes.Description != nil {
		patch.Description = *changes.Description
		patch.ForceSendFields = append(patch.ForceSendFields, "Description")
	}
	if changes.Location != nil {
		patch.Location = *changes.Location
		patch.ForceSendFields = append(patch.ForceSendFields, "Location")
	}
	tz := ""
	if changes.TimeZone != nil {
		tz = *changes.TimeZone
	}
	allDay := changes.AllDay != nil && *changes.AllDay
	if changes.Start != nil {
		patch.Start = toDateTime(*changes.Start, tz, allDay)
	}
	if changes.End != nil {
		patch.End = toDateTime(*changes.End, tz, allDay)
	}

	if _, err := service.Events.Patch(calendarID(integ), providerID, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to update event %s: %w", providerID, classify(err))
	}
	return nil
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, integ *models.Integration, providerID string) (err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderGoogle), "delete_event")(&err)
	service, err := c.service(ctx, integ)
	if err != nil {
		return err
	}
	err = service.Events.Delete(calendarID(integ), providerID).Context(ctx).Do()
	if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusGone) {
		c.logger.Debug("Event already absent", logging.KeyProviderEvent, providerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", providerID, classify(err))
	}
	return nil
}

// ListCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) ListCalendars(ctx context.Context, integ *models.Integration) ([]string, error) {
	service, err := c.service(ctx, integ)
	if err != nil {
		return nil, err
	}
	list, err := service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", classify(err))
	}
	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

func classify(err error) error {
	switch {
	case isStatus(err, http.StatusGone):
		return fmt.Errorf("%v: %w", err, provider.ErrCursorExpired)
	case isStatus(err, http.StatusNotFound):
		return fmt.Errorf("%v: %w", err, provider.ErrNotFound)
	}
	return err
}

func toDateTime(t time.Time, tz string, allDay bool) *calendar.EventDateTime {
	if allDay {
		if loc, err := time.LoadLocation(tz); tz != "" && err == nil {
			t = t.In(loc)
		}
		return &calendar.EventDateTime{Date: t.Format(dateLayout), TimeZone: tz}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

// eventTimes converts an event's start and end to UTC. All-day dates are read
// in the event's own time zone.
func eventTimes(item *calendar.Event) (start, end time.Time, allDay bool, err error) {
	if item.Start == nil || item.End == nil {
		return start, end, false, fmt.Errorf("event %s has no start or end", item.Id)
	}
	if start, allDay, err = parseDateTime(item.Start); err != nil {
		return
	}
	if end, _, err = parseDateTime(item.End); err != nil {
		return
	}
	return start, end, allDay, nil
}

func parseDateTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t.UTC(), false, err
	}
	loc := time.UTC
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(dateLayout, dt.Date, loc)
	return t.UTC(), true, err
}

func toRemote(item *calendar.Event) provider.RemoteEvent {
	ev := provider.RemoteEvent{
		ProviderID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Cancelled:   item.Status == "cancelled",
		VideoLink:   videoLink(item),
		ICalUID:     item.ICalUID,
	}
	if start, end, allDay, err := eventTimes(item); err == nil {
		ev.Start, ev.End, ev.AllDay = start, end, allDay
	}
	if item.Start != nil {
		ev.TimeZone = item.Start.TimeZone
	}
	return ev
}

func videoLink(event *calendar.Event) string {
	if event.HangoutLink != "" {
		return event.HangoutLink
	}
	if event.ConferenceData != nil {
		for _, ep := range event.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ""
}

// OAuthConfig returns the OAuth2 config for the consent flow and token refresh.
// It prioritizes explicit credentials over a local credentials.json file.
func OAuthConfig(clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	if redirectURL == "" {
		redirectURL = "urn:ietf:wg:oauth:2.0:oob"
	}
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = redirectURL
	return config, nil
}
