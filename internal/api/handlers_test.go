package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/appointments"
	"schedsync/internal/availability"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/schedule"
	"schedsync/internal/store"
	"schedsync/internal/store/storetest"
	"schedsync/internal/syncer"
)

type calendarStub struct {
	busy []models.TimeSlot
	n    int
}

func (s *calendarStub) Name() models.Provider { return models.ProviderGoogle }
func (s *calendarStub) Capabilities() provider.Capabilities {
	return provider.Capabilities{Calendar: true, VideoProvider: models.VideoGoogleMeet}
}
func (s *calendarStub) EnsureFreshToken(context.Context, *models.Integration) (string, error) {
	return "tok", nil
}
func (s *calendarStub) ListBusy(context.Context, *models.Integration, time.Time, time.Time) ([]models.TimeSlot, error) {
	return s.busy, nil
}
func (s *calendarStub) ListChanges(context.Context, *models.Integration, provider.ChangeQuery) (*provider.ChangeSet, error) {
	return &provider.ChangeSet{NextSyncToken: "next"}, nil
}
func (s *calendarStub) CreateEvent(_ context.Context, _ *models.Integration, in provider.EventInput) (*provider.Created, error) {
	s.n++
	created := &provider.Created{ProviderID: "evt"}
	if in.RequestVideo {
		created.VideoLink = "https://meet.example/abc"
	}
	return created, nil
}
func (s *calendarStub) UpdateEvent(context.Context, *models.Integration, string, provider.EventChanges) error {
	return nil
}
func (s *calendarStub) DeleteEvent(context.Context, *models.Integration, string) error { return nil }

type testServer struct {
	router *gin.Engine
	store  *store.Store
	stub   *calendarStub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := storetest.New(t)
	stub := &calendarStub{}
	registry := provider.NewRegistry(stub)
	agg := availability.NewAggregator(st, registry, nil)
	svc := availability.NewService(schedule.NewResolver(st), agg)
	h := NewHandler(Deps{
		Availability: svc,
		Busy:         agg,
		Appointments: appointments.NewManager(st, registry, svc, nil, nil),
		Syncer:       syncer.NewSyncer(st, registry, nil, nil),
		Store:        st,
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	return &testServer{router: NewRouter(h, metrics), store: st, stub: stub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# metrics")
}

func TestGetAvailability(t *testing.T) {
	s := newTestServer(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ten := time.Date(2026, 3, 10, 10, 0, 0, 0, ny)
	s.stub.busy = []models.TimeSlot{{Start: ten, End: ten.Add(30 * time.Minute)}}
	require.NoError(t, s.store.CreateIntegration(context.Background(), &models.Integration{CompanyID: "acme", Provider: models.ProviderGoogle, IsActive: true}))

	w := s.do(t, http.MethodGet, "/api/v1/companies/acme/availability?date=2026-03-10&start=09:00&end=12:00", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var day availability.Day
	decode(t, w, &day)
	assert.True(t, day.IsWorkingDay)
	assert.Len(t, day.AvailableSlots, 5)
	assert.Len(t, day.BusySlots, 1)
}

func TestGetAvailability_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []string{
		"/api/v1/companies/acme/availability",
		"/api/v1/companies/acme/availability?date=2026-03-10&timezone=Mars/Base",
		"/api/v1/companies/acme/availability?date=2026-03-10&start=12:00&end=09:00",
		"/api/v1/companies/acme/availability?date=2026-03-10&slot_minutes=-5",
	}
	for _, path := range tests {
		w := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		var resp ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, CodeValidation, resp.Code)
	}
}

func TestFindNextSlot(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/companies/acme/availability/next?after=2026-03-14T12:00:00Z&duration_minutes=60&max_days=1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, CodeNoSlotFound, resp.Code)

	w = s.do(t, http.MethodGet, "/api/v1/companies/acme/availability/next?after=2026-03-14T12:00:00Z&duration_minutes=60", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var slot models.TimeSlot
	decode(t, w, &slot)
	assert.Equal(t, time.Date(2026, 3, 16, 13, 0, 0, 0, time.UTC), slot.Start.UTC())
}

func TestAppointmentLifecycle(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.CreateIntegration(context.Background(), &models.Integration{CompanyID: "acme", Provider: models.ProviderGoogle, IsActive: true}))
	base := "/api/v1/companies/acme/appointments"

	w := s.do(t, http.MethodPost, base, map[string]interface{}{
		"title":          "Demo",
		"start":          "2026-03-10T15:00:00Z",
		"end":            "2026-03-10T15:30:00Z",
		"video_provider": "google_meet",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Appointment
	decode(t, w, &created)
	assert.Equal(t, "https://meet.example/abc", created.VideoLink)
	assert.Equal(t, models.SyncSynced, created.SyncStatus)

	w = s.do(t, http.MethodPost, base, map[string]interface{}{
		"title": "Clash",
		"start": "2026-03-10T15:15:00Z",
		"end":   "2026-03-10T15:45:00Z",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict ErrorResponse
	decode(t, w, &conflict)
	assert.Equal(t, CodeSlotUnavailable, conflict.Code)
	assert.Len(t, conflict.Conflicts, 1)

	w = s.do(t, http.MethodGet, "/api/v1/companies/acme/availability/check?start=2026-03-10T15:15:00Z&end=2026-03-10T15:45:00Z&exclude="+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var check availability.Conflict
	decode(t, w, &check)
	assert.True(t, check.Available)

	w = s.do(t, http.MethodPost, base+"/"+created.ID+"/reschedule", map[string]interface{}{
		"start": "2026-03-11T15:00:00Z", "end": "2026-03-11T15:30:00Z", "reason": "conflict",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var moved models.Appointment
	decode(t, w, &moved)
	assert.Equal(t, 1, moved.RescheduleCount)

	w = s.do(t, http.MethodPost, base+"/"+created.ID+"/cancel", map[string]string{"reason": "done"})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, base+"/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, base+"/"+created.ID+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var transition ErrorResponse
	decode(t, w, &transition)
	assert.Equal(t, CodeInvalidTransition, transition.Code)

	w = s.do(t, http.MethodGet, base+"?status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Appointments []models.Appointment `json:"appointments"`
	}
	decode(t, w, &list)
	require.Len(t, list.Appointments, 1)
	assert.Equal(t, created.ID, list.Appointments[0].ID)

	w = s.do(t, http.MethodGet, "/api/v1/companies/other/appointments/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	path := "/api/v1/companies/acme/settings"

	w := s.do(t, http.MethodPut, path, map[string]interface{}{"working_hours_start": "25:00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, path, map[string]interface{}{
		"working_hours_start":   "08:00",
		"working_hours_end":     "16:00",
		"working_days":          []string{"monday", "tuesday"},
		"timezone":              "Europe/Berlin",
		"slot_duration_minutes": 45,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.ScheduleSettings
	decode(t, w, &got)
	assert.Equal(t, "acme", got.CompanyID)
	assert.Equal(t, []string{"monday", "tuesday"}, got.WorkingDays)
	assert.Equal(t, 45, got.SlotDurationMinutes)
}

func TestSyncEndpoints(t *testing.T) {
	s := newTestServer(t)
	integ := &models.Integration{CompanyID: "acme", Provider: models.ProviderGoogle, IsActive: true}
	require.NoError(t, s.store.CreateIntegration(context.Background(), integ))

	w := s.do(t, http.MethodPost, "/api/v1/companies/acme/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var all struct {
		Results []syncer.Result `json:"results"`
	}
	decode(t, w, &all)
	require.Len(t, all.Results, 1)
	assert.Equal(t, models.SyncFull, all.Results[0].SyncType)

	w = s.do(t, http.MethodPost, "/api/v1/companies/acme/integrations/"+integ.ID+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one syncer.Result
	decode(t, w, &one)
	assert.Equal(t, models.SyncIncremental, one.SyncType)

	w = s.do(t, http.MethodPost, "/api/v1/companies/other/integrations/"+integ.ID+"/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/companies/acme/integrations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses struct {
		Integrations []syncer.IntegrationStatus `json:"integrations"`
	}
	decode(t, w, &statuses)
	require.Len(t, statuses.Integrations, 1)
	assert.True(t, statuses.Integrations[0].Incremental)
}
