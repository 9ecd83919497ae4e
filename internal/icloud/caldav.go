// Package icloud adapts Apple iCloud calendars over CalDAV. Credentials are an Apple ID
// and an app-specific password; there is no OAuth refresh.
package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
	productID            = "-//schedsync//EN"
	userAgent            = "schedsync/1.0"
)

// customTransport handles adding Basic Auth and custom headers to requests. It remembers
// the status of the last response so failures can be told apart by code.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper

	mu         sync.Mutex
	lastStatus int
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.Transport.RoundTrip(req)

	t.mu.Lock()
	t.lastStatus = 0
	if err == nil {
		t.lastStatus = resp.StatusCode
	}
	t.mu.Unlock()
	return resp, err
}

// LastStatus returns the status code of the most recent response, or 0 when the last
// request got no response.
func (t *customTransport) LastStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStatus
}

// CalDAVClient implements provider.Provider for iCloud.
type CalDAVClient struct {
	endpoint string
	store    provider.IntegrationStore
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

var _ provider.Provider = (*CalDAVClient)(nil)

// NewClient creates the adapter. An empty endpoint uses iCloud.
func NewClient(endpoint string, store provider.IntegrationStore, logger *slog.Logger, rec *metrics.Recorder) *CalDAVClient {
	if endpoint == "" {
		endpoint = iCloudCalDAVEndpoint
	}
	return &CalDAVClient{
		endpoint: endpoint,
		store:    store,
		logger:   logging.OrDiscard(logger).With(logging.KeyProvider, models.ProviderApple),
		metrics:  rec,
		now:      time.Now,
	}
}

func (c *CalDAVClient) Name() models.Provider { return models.ProviderApple }

func (c *CalDAVClient) Capabilities() provider.Capabilities {
	return provider.Capabilities{Calendar: true}
}

// EnsureFreshToken returns the app-specific password. A missing password deactivates the integration.
func (c *CalDAVClient) EnsureFreshToken(ctx context.Context, integ *models.Integration) (string, error) {
	if !integ.IsActive {
		return "", fmt.Errorf("integration %s is inactive: %w", integ.ID, provider.ErrReauthRequired)
	}
	if integ.AccessToken != "" {
		return integ.AccessToken, nil
	}
	c.logger.Warn("Missing app password, deactivating integration", logging.KeyIntegration, integ.ID)
	if err := c.store.DeactivateIntegration(ctx, integ.ID); err != nil {
		c.logger.Error("Failed to deactivate integration", logging.KeyIntegration, integ.ID, logging.Err(err))
	}
	integ.IsActive = false
	return "", fmt.Errorf("apple integration %s has no app password: %w", integ.ID, provider.ErrReauthRequired)
}

// client returns a CalDAV client for one adapter call together with its transport, which
// reports the status of the call's last response.
func (c *CalDAVClient) client(ctx context.Context, integ *models.Integration) (*caldav.Client, *customTransport, error) {
	password, err := c.EnsureFreshToken(ctx, integ)
	if err != nil {
		return nil, nil, err
	}
	tr := &customTransport{
		Username:  integ.AccountEmail,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	cl, err := caldav.NewClient(&http.Client{Transport: tr}, c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return cl, tr, nil
}

// calendarPath resolves the integration's calendar. CalendarID may be a collection path,
// a display name, or empty for the first event calendar.
func (c *CalDAVClient) calendarPath(ctx context.Context, cl *caldav.Client, integ *models.Integration) (string, error) {
	if strings.HasPrefix(integ.CalendarID, "/") {
		return ensureSlash(integ.CalendarID), nil
	}
	return c.findCalendar(ctx, cl, integ.CalendarID)
}

// findCalendar discovers the user's calendars and returns the path of the one with the
// matching name, or the first that holds events when name is empty.
func (c *CalDAVClient) findCalendar(ctx context.Context, cl *caldav.Client, name string) (string, error) {
	principalPath, err := cl.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := cl.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := cl.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if name != "" && cal.Name == name {
			return ensureSlash(cal.Path), nil
		}
		if name == "" && supportsEvents(cal) {
			return ensureSlash(cal.Path), nil
		}
	}
	if name == "" {
		return "", fmt.Errorf("no event calendar found: %w", provider.ErrNotFound)
	}
	return "", fmt.Errorf("no calendar found with name '%s': %w", name, provider.ErrNotFound)
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

// ListBusy queries VEVENTs in range, expanding recurrences, and skips cancelled and transparent ones.
func (c *CalDAVClient) ListBusy(ctx context.Context, integ *models.Integration, from, to time.Time) (_ []models.TimeSlot, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderApple), "list_busy")(&err)
	events, err := c.query(ctx, integ, from, to, true)
	if err != nil {
		return nil, err
	}
	var busy []models.TimeSlot
	for _, ev := range events {
		if ev.Cancelled || ev.transparent {
			continue
		}
		busy = append(busy, models.TimeSlot{Start: ev.Start, End: ev.End})
	}
	return busy, nil
}

// ListChanges has no continuation token on CalDAV; every call lists the full window.
func (c *CalDAVClient) ListChanges(ctx context.Context, integ *models.Integration, q provider.ChangeQuery) (_ *provider.ChangeSet, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderApple), "list_changes")(&err)
	q = provider.FullWindow(provider.ChangeQuery{TimeMin: q.TimeMin, TimeMax: q.TimeMax}, c.now())
	events, err := c.query(ctx, integ, q.TimeMin, q.TimeMax, false)
	if err != nil {
		return nil, err
	}
	cs := &provider.ChangeSet{}
	for _, ev := range events {
		cs.Events = append(cs.Events, ev.RemoteEvent)
	}
	return cs, nil
}

type occurrence struct {
	provider.RemoteEvent
	transparent bool
}

// query lists events in range. With instances set, recurring events are expanded into
// their occurrences; otherwise each object yields its master event once.
func (c *CalDAVClient) query(ctx context.Context, integ *models.Integration, from, to time.Time, instances bool) ([]occurrence, error) {
	cl, tr, err := c.client(ctx, integ)
	if err != nil {
		return nil, err
	}
	calPath, err := c.calendarPath(ctx, cl, integ)
	if err != nil {
		return nil, err
	}
	objects, err := cl.QueryCalendar(ctx, calPath, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: from.UTC(), End: to.UTC()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", classify(err, tr))
	}

	var out []occurrence
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			if !instances {
				master, _, err := parseEvent(comp, obj.Path)
				if err != nil {
					c.logger.Warn("Skipping unreadable event", logging.KeyProviderEvent, obj.Path, logging.Err(err))
					continue
				}
				out = append(out, master)
				break
			}
			occ, err := expand(comp, obj.Path, from, to)
			if err != nil {
				c.logger.Warn("Skipping unreadable event", logging.KeyProviderEvent, obj.Path, logging.Err(err))
				continue
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

// CreateEvent writes a new calendar object named after a fresh UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, integ *models.Integration, in provider.EventInput) (_ *provider.Created, err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderApple), "create_event")(&err)
	cl, tr, err := c.client(ctx, integ)
	if err != nil {
		return nil, err
	}
	calPath, err := c.calendarPath(ctx, cl, integ)
	if err != nil {
		return nil, err
	}

	uid := GenerateUID()
	cal := newCalendar(toICal(uid, in, c.now()))
	objPath := path.Join(calPath, uid+".ics")
	obj, err := cl.PutCalendarObject(ctx, objPath, cal)
	if isNotFound(err, tr) && integ.CalendarID != "" {
		c.logger.Warn("Configured calendar not found, falling back to default", "calendar_id", integ.CalendarID)
		var fallback string
		if fallback, err = c.findCalendar(ctx, cl, ""); err == nil {
			objPath = path.Join(fallback, uid+".ics")
			obj, err = cl.PutCalendarObject(ctx, objPath, cal)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create event on CalDAV server: %w", classify(err, tr))
	}
	if obj != nil && obj.Path != "" {
		objPath = obj.Path
	}
	c.logger.Info("Created event", logging.KeyIntegration, integ.ID, logging.KeyProviderEvent, objPath)
	return &provider.Created{ProviderID: objPath}, nil
}

// UpdateEvent rewrites the stored object with the changed properties.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, integ *models.Integration, providerID string, changes provider.EventChanges) (err error) {
	if changes.IsEmpty() {
		return nil
	}
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderApple), "update_event")(&err)
	cl, tr, err := c.client(ctx, integ)
	if err != nil {
		return err
	}
	obj, err := cl.GetCalendarObject(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to get event %s: %w", providerID, classify(err, tr))
	}
	ve := firstEvent(obj.Data)
	if ve == nil {
		return fmt.Errorf("object %s holds no event: %w", providerID, provider.ErrNotFound)
	}
	applyChanges(ve, changes, c.now())
	if _, err := cl.PutCalendarObject(ctx, providerID, obj.Data); err != nil {
		return fmt.Errorf("failed to update event %s: %w", providerID, classify(err, tr))
	}
	return nil
}

func (c *CalDAVClient) DeleteEvent(ctx context.Context, integ *models.Integration, providerID string) (err error) {
	defer c.metrics.TrackProviderCall(ctx, string(models.ProviderApple), "delete_event")(&err)
	cl, tr, err := c.client(ctx, integ)
	if err != nil {
		return err
	}
	err = cl.RemoveAll(ctx, providerID)
	if isNotFound(err, tr) {
		c.logger.Debug("Event already absent", logging.KeyProviderEvent, providerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", providerID, err)
	}
	return nil
}

// isNotFound reports whether err came from a 404 or 410 response.
func isNotFound(err error, tr *customTransport) bool {
	if err == nil || tr == nil {
		return false
	}
	switch tr.LastStatus() {
	case http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func classify(err error, tr *customTransport) error {
	if isNotFound(err, tr) && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, provider.ErrNotFound)
	}
	return err
}

func ensureSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
