package zoom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/models"
	"schedsync/internal/provider"
)

type nopStore struct{}

func (nopStore) UpdateIntegrationTokens(context.Context, string, string, string, *time.Time) error {
	return nil
}
func (nopStore) DeactivateIntegration(context.Context, string) error { return nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil, nopStore{}, nil, nil)
}

func integration() *models.Integration {
	return &models.Integration{ID: "z1", CompanyID: "c1", Provider: models.ProviderZoom, AccessToken: "tok", IsActive: true}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCapabilities(t *testing.T) {
	c := NewClient("", nil, nopStore{}, nil, nil)
	caps := c.Capabilities()
	assert.False(t, caps.Calendar)
	assert.True(t, caps.DedicatedMeetings)
	assert.Equal(t, models.VideoZoom, caps.VideoProvider)

	_, err := c.ListChanges(context.Background(), integration(), provider.ChangeQuery{})
	assert.ErrorIs(t, err, provider.ErrNotSupported)
}

func TestCreateMeeting(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST /users/me/meetings", r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var in meeting
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "Demo", in.Topic)
		assert.Equal(t, 45, in.Duration)
		assert.Equal(t, "2026-03-10T14:00:00Z", in.StartTime)
		writeJSON(w, http.StatusCreated, meeting{ID: 987654321, JoinURL: "https://zoom.us/j/987654321"})
	})

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	created, err := client.CreateEvent(context.Background(), integration(), provider.EventInput{
		Title: "Demo", Start: start, End: start.Add(45 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "987654321", created.ProviderID)
	assert.Equal(t, "https://zoom.us/j/987654321", created.VideoLink)
}

func TestListBusyFiltersRangeAndPages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upcoming", r.URL.Query().Get("type"))
		if r.URL.Query().Get("next_page_token") == "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"meetings": []meeting{
					{ID: 1, Type: meetingTypeScheduled, StartTime: "2026-03-10T14:00:00Z", Duration: 30},
					{ID: 2, Type: 3, StartTime: "", Duration: 60},
				},
				"next_page_token": "n2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"meetings": []meeting{{ID: 3, Type: meetingTypeScheduled, StartTime: "2026-03-12T14:00:00Z", Duration: 30}},
		})
	})

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	busy, err := client.ListBusy(context.Background(), integration(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC), busy[0].End)
}

func TestUpdateAndDeleteMeeting(t *testing.T) {
	var seen []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPatch:
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(60), body["duration"])
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/meetings/404":
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"code": 3001, "message": "Meeting does not exist"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx := context.Background()
	start := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	require.NoError(t, client.UpdateEvent(ctx, integration(), "42", provider.EventChanges{Start: &start, End: &end}))
	require.NoError(t, client.DeleteEvent(ctx, integration(), "42"))
	require.NoError(t, client.DeleteEvent(ctx, integration(), "404"))
	assert.Equal(t, []string{"PATCH /meetings/42", "DELETE /meetings/42", "DELETE /meetings/404"}, seen)
}
