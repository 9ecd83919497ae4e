// Package zoom creates and manages dedicated Zoom meetings. Zoom is not a calendar:
// it takes no part in inbound sync.
package zoom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
)

const (
	apiBaseURL = "https://api.zoom.us/v2"
	authURL    = "https://zoom.us/oauth/authorize"
	tokenURL   = "https://zoom.us/oauth/token"

	meetingTypeScheduled = 2
	maxPageSize          = 300
)

// OAuthConfig returns the Zoom OAuth2 config.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"meeting:read", "meeting:write"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Client implements provider.Provider for Zoom meetings.
type Client struct {
	*provider.Refresher
	baseURL string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a Zoom adapter. An empty baseURL uses the public API.
func NewClient(baseURL string, oauthCfg *oauth2.Config, store provider.IntegrationStore, logger *slog.Logger, rec *metrics.Recorder) *Client {
	if baseURL == "" {
		baseURL = apiBaseURL
	}
	logger = logging.OrDiscard(logger)
	return &Client{
		Refresher: provider.NewRefresher(models.ProviderZoom, oauthCfg, store, logger, rec),
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger.With(logging.KeyProvider, models.ProviderZoom),
		metrics:   rec,
	}
}

func (c *Client) Name() models.Provider { return models.ProviderZoom }

func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{VideoProvider: models.VideoZoom, DedicatedMeetings: true}
}

type meeting struct {
	ID        int64  `json:"id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Type      int    `json:"type,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Agenda    string `json:"agenda,omitempty"`
	JoinURL   string `json:"join_url,omitempty"`
}

type apiError struct {
	Status  int
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("zoom API status %d: code %d %s", e.Status, e.Code, e.Message)
}

func (e *apiError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return provider.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, integ *models.Integration, method, path string, in, out interface{}) error {
	token, err := c.EnsureFreshToken(ctx, integ)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := provider.BearerClient(ctx, token).Do(req)
	if err != nil {
		return fmt.Errorf("zoom request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{Status: resp.StatusCode}
		var payload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if b, _ := io.ReadAll(resp.Body); len(b) > 0 && json.Unmarshal(b, &payload) == nil {
			ae.Code, ae.Message = payload.Code, payload.Message
		}
		return ae
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListBusy returns the user's upcoming scheduled meetings overlapping [from, to).
func (c *Client) ListBusy(ctx context.Context, integ *models.Integration, from, to time.Time) (_ []models.TimeSlot, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderZoom), "list_busy")(&err)

	var busy []models.TimeSlot
	nextPage := ""
	for {
		params := url.Values{}
		params.Set("type", "upcoming")
		params.Set("page_size", strconv.Itoa(maxPageSize))
		if nextPage != "" {
			params.Set("next_page_token", nextPage)
		}
		var page struct {
			Meetings      []meeting `json:"meetings"`
			NextPageToken string    `json:"next_page_token"`
		}
		if err := c.do(ctx, integ, http.MethodGet, "/users/me/meetings?"+params.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list meetings: %w", err)
		}
		for _, m := range page.Meetings {
			if m.Type != meetingTypeScheduled || m.StartTime == "" {
				continue
			}
			start, err := time.Parse(time.RFC3339, m.StartTime)
			if err != nil {
				c.logger.Warn("Skipping meeting with unreadable start", logging.KeyProviderEvent, m.ID, logging.Err(err))
				continue
			}
			slot := models.TimeSlot{Start: start.UTC(), End: start.UTC().Add(time.Duration(m.Duration) * time.Minute)}
			if slot.Start.Before(to) && slot.End.After(from) {
				busy = append(busy, slot)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		nextPage = page.NextPageToken
	}
	return busy, nil
}

// ListChanges is not offered: meetings are pushed, never pulled.
func (c *Client) ListChanges(context.Context, *models.Integration, provider.ChangeQuery) (*provider.ChangeSet, error) {
	return nil, provider.ErrNotSupported
}

// CreateEvent schedules a meeting and returns its join URL.
func (c *Client) CreateEvent(ctx context.Context, integ *models.Integration, in provider.EventInput) (_ *provider.Created, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderZoom), "create_event")(&err)

	body := meeting{
		Topic:     in.Title,
		Type:      meetingTypeScheduled,
		StartTime: in.Start.UTC().Format(time.RFC3339),
		Duration:  minutes(in.End.Sub(in.Start)),
		Timezone:  in.TimeZone,
		Agenda:    in.Description,
	}
	var created meeting
	if err := c.do(ctx, integ, http.MethodPost, "/users/me/meetings", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create meeting: %w", err)
	}
	id := strconv.FormatInt(created.ID, 10)
	c.logger.Info("Created meeting", logging.KeyIntegration, integ.ID, logging.KeyProviderEvent, id)
	return &provider.Created{ProviderID: id, HTMLLink: created.JoinURL, VideoLink: created.JoinURL}, nil
}

func (c *Client) UpdateEvent(ctx context.Context, integ *models.Integration, providerID string, changes provider.EventChanges) (err error) {
	if changes.IsEmpty() {
		return nil
	}
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderZoom), "update_event")(&err)

	body := map[string]interface{}{}
	if changes.Title != nil {
		body["topic"] = *changes.Title
	}
	if changes.Description != nil {
		body["agenda"] = *changes.Description
	}
	if changes.Start != nil {
		body["start_time"] = changes.Start.UTC().Format(time.RFC3339)
		if changes.End != nil {
			body["duration"] = minutes(changes.End.Sub(*changes.Start))
		}
	}
	if changes.TimeZone != nil {
		body["timezone"] = *changes.TimeZone
	}
	if len(body) == 0 {
		return nil
	}
	if err := c.do(ctx, integ, http.MethodPatch, "/meetings/"+url.PathEscape(providerID), body, nil); err != nil {
		return fmt.Errorf("failed to update meeting %s: %w", providerID, err)
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, integ *models.Integration, providerID string) (err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderZoom), "delete_event")(&err)
	err = c.do(ctx, integ, http.MethodDelete, "/meetings/"+url.PathEscape(providerID), nil, nil)
	if ae, ok := err.(*apiError); ok && ae.Status == http.StatusNotFound {
		c.logger.Debug("Meeting already absent", logging.KeyProviderEvent, providerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete meeting %s: %w", providerID, err)
	}
	return nil
}

func minutes(d time.Duration) int {
	m := int(d.Round(time.Minute) / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}
