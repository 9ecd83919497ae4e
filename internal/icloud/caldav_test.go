package icloud

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/models"
	"schedsync/internal/provider"
)

type recordingStore struct {
	deactivated []string
}

func (s *recordingStore) UpdateIntegrationTokens(context.Context, string, string, string, *time.Time) error {
	return nil
}

func (s *recordingStore) DeactivateIntegration(_ context.Context, id string) error {
	s.deactivated = append(s.deactivated, id)
	return nil
}

func decode(t *testing.T, raw string) *ical.Component {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(strings.ReplaceAll(raw, "\n", "\r\n"))).Decode()
	require.NoError(t, err)
	ve := firstEvent(cal)
	require.NotNil(t, ve)
	return ve
}

func TestToICalRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.FixedZone("EDT", -4*3600))
	in := provider.EventInput{
		Title:       "Demo",
		Description: "Join: https://meet.google.com/abc",
		Location:    "Office",
		Start:       start,
		End:         start.Add(30 * time.Minute),
	}

	var buf bytes.Buffer
	require.NoError(t, ical.NewEncoder(&buf).Encode(newCalendar(toICal("uid-1", in, start))))

	ve := decode(t, strings.ReplaceAll(buf.String(), "\r\n", "\n"))
	occ, dur, err := parseEvent(ve, "/cal/uid-1.ics")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, dur)
	assert.Equal(t, "uid-1", occ.ICalUID)
	assert.Equal(t, "/cal/uid-1.ics", occ.ProviderID)
	assert.Equal(t, "Demo", occ.Title)
	assert.Equal(t, "Office", occ.Location)
	assert.True(t, occ.Start.Equal(start))
	assert.False(t, occ.AllDay)
}

func TestExpandRecurringEvent(t *testing.T) {
	ve := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20260301T000000Z
DTSTART:20260309T140000Z
DTEND:20260309T141500Z
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Standup
END:VEVENT
END:VCALENDAR
`)
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	occ, err := expand(ve, "/cal/standup.ics", from, to)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), occ[0].Start)
	assert.Equal(t, time.Date(2026, 3, 11, 14, 15, 0, 0, time.UTC), occ[1].End)
}

func TestParseAllDayCancelledAndTransparent(t *testing.T) {
	ve := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:off
DTSTAMP:20260301T000000Z
DTSTART;VALUE=DATE:20260310
STATUS:CANCELLED
TRANSP:TRANSPARENT
SUMMARY:Day off
END:VEVENT
END:VCALENDAR
`)
	occ, dur, err := parseEvent(ve, "/cal/off.ics")
	require.NoError(t, err)
	assert.True(t, occ.AllDay)
	assert.True(t, occ.Cancelled)
	assert.True(t, occ.transparent)
	assert.Equal(t, 24*time.Hour, dur)

	none, err := expand(ve, "/cal/off.ics", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyChangesReplacesDuration(t *testing.T) {
	ve := decode(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:x
DTSTAMP:20260301T000000Z
DTSTART:20260310T140000Z
DURATION:PT30M
SUMMARY:Old
END:VEVENT
END:VCALENDAR
`)
	title := "New"
	start := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	applyChanges(ve, provider.EventChanges{Title: &title, Start: &start, End: &end}, start)

	occ, dur, err := parseEvent(ve, "/cal/x.ics")
	require.NoError(t, err)
	assert.Equal(t, "New", occ.Title)
	assert.Equal(t, time.Hour, dur)
	assert.Nil(t, ve.Props.Get(ical.PropDuration))
}

func TestEnsureFreshTokenDeactivatesWithoutPassword(t *testing.T) {
	store := &recordingStore{}
	c := NewClient("", store, nil, nil)

	integ := &models.Integration{ID: "a1", IsActive: true, AccessToken: "app-pass"}
	token, err := c.EnsureFreshToken(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "app-pass", token)

	integ.AccessToken = ""
	_, err = c.EnsureFreshToken(context.Background(), integ)
	assert.ErrorIs(t, err, provider.ErrReauthRequired)
	assert.False(t, integ.IsActive)
	assert.Equal(t, []string{"a1"}, store.deactivated)
}

func TestCustomTransportSetsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "me@icloud.com", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &customTransport{Username: "me@icloud.com", Password: "secret", Transport: http.DefaultTransport}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestIsNotFound(t *testing.T) {
	notFound := &customTransport{lastStatus: http.StatusNotFound}
	assert.False(t, isNotFound(nil, notFound))
	assert.False(t, isNotFound(assert.AnError, nil))
	assert.True(t, isNotFound(assert.AnError, notFound))
	assert.True(t, isNotFound(assert.AnError, &customTransport{lastStatus: http.StatusGone}))
	assert.False(t, isNotFound(errString("500 Internal Server Error: /cal/404.ics"), &customTransport{lastStatus: http.StatusInternalServerError}))
	assert.ErrorIs(t, classify(assert.AnError, notFound), provider.ErrNotFound)
}

func TestDeleteEvent_StatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "deleted", status: http.StatusNoContent},
		{name: "already absent", status: http.StatusNotFound},
		{name: "gone", status: http.StatusGone},
		{name: "server error mentioning 404", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				gotPath = r.URL.Path
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("object /cal/410-404.ics"))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, &recordingStore{}, nil, nil)
			integ := &models.Integration{ID: "a1", AccountEmail: "me@icloud.com", AccessToken: "secret", IsActive: true}
			err := c.DeleteEvent(context.Background(), integ, "/cal/410-404.ics")
			assert.Equal(t, "/cal/410-404.ics", gotPath)
			if tt.wantErr {
				require.Error(t, err)
				assert.NotErrorIs(t, err, provider.ErrNotFound)
				return
			}
			assert.NoError(t, err)
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
