package appointments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/availability"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/schedule"
	"schedsync/internal/store"
	"schedsync/internal/store/storetest"
)

const company = "acme"

type call struct {
	provider   models.Provider
	op         string
	providerID string
	input      provider.EventInput
	changes    provider.EventChanges
}

type callLog struct {
	mu    sync.Mutex
	calls []call
}

func (l *callLog) add(c call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) filter(op string) []call {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []call
	for _, c := range l.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeAdapter struct {
	name       models.Provider
	caps       provider.Capabilities
	log        *callLog
	createErr  error
	deleteErr  error
	linkReread bool
	n          int
}

func (f *fakeAdapter) Name() models.Provider               { return f.name }
func (f *fakeAdapter) Capabilities() provider.Capabilities { return f.caps }
func (f *fakeAdapter) EnsureFreshToken(context.Context, *models.Integration) (string, error) {
	return "tok", nil
}
func (f *fakeAdapter) ListBusy(context.Context, *models.Integration, time.Time, time.Time) ([]models.TimeSlot, error) {
	return nil, nil
}
func (f *fakeAdapter) ListChanges(context.Context, *models.Integration, provider.ChangeQuery) (*provider.ChangeSet, error) {
	return nil, provider.ErrNotSupported
}

func (f *fakeAdapter) CreateEvent(_ context.Context, _ *models.Integration, in provider.EventInput) (*provider.Created, error) {
	f.log.add(call{provider: f.name, op: "create", input: in})
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.n++
	created := &provider.Created{ProviderID: fmt.Sprintf("%s-%d", f.name, f.n)}
	if in.RequestVideo && !f.linkReread {
		created.VideoLink = "https://video.example/" + string(f.name)
	}
	return created, nil
}

func (f *fakeAdapter) GetVideoLink(_ context.Context, _ *models.Integration, providerID string) (string, error) {
	f.log.add(call{provider: f.name, op: "read_link", providerID: providerID})
	return "https://video.example/" + string(f.name) + "/reread", nil
}

func (f *fakeAdapter) UpdateEvent(_ context.Context, _ *models.Integration, providerID string, changes provider.EventChanges) error {
	f.log.add(call{provider: f.name, op: "update", providerID: providerID, changes: changes})
	return nil
}

func (f *fakeAdapter) DeleteEvent(_ context.Context, _ *models.Integration, providerID string) error {
	f.log.add(call{provider: f.name, op: "delete", providerID: providerID})
	return f.deleteErr
}

type invalidations struct{ ids []string }

func (i *invalidations) Invalidate(_ context.Context, id string) { i.ids = append(i.ids, id) }

type env struct {
	store    *store.Store
	manager  *Manager
	log      *callLog
	adapters map[models.Provider]*fakeAdapter
	cache    *invalidations
}

var ny = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

func at(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, ny)
}

func newEnv(t *testing.T, connected ...models.Provider) *env {
	t.Helper()
	st := storetest.New(t)
	log := &callLog{}
	adapters := map[models.Provider]*fakeAdapter{
		models.ProviderGoogle:    {name: models.ProviderGoogle, caps: provider.Capabilities{Calendar: true, VideoProvider: models.VideoGoogleMeet}, log: log, linkReread: true},
		models.ProviderMicrosoft: {name: models.ProviderMicrosoft, caps: provider.Capabilities{Calendar: true, VideoProvider: models.VideoTeams}, log: log},
		models.ProviderZoom:      {name: models.ProviderZoom, caps: provider.Capabilities{VideoProvider: models.VideoZoom, DedicatedMeetings: true}, log: log},
	}
	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}
	for _, p := range connected {
		require.NoError(t, st.CreateIntegration(context.Background(), &models.Integration{
			CompanyID: company, Provider: p, AccountEmail: "ops@acme.test", IsActive: true,
		}))
	}

	agg := availability.NewAggregator(st, registry, nil)
	svc := availability.NewService(schedule.NewResolver(st), agg)
	m := NewManager(st, registry, svc, nil, nil)
	m.SetClock(func() time.Time { return at(10, 10, 30) })
	cache := &invalidations{}
	m.SetCache(cache)
	return &env{store: st, manager: m, log: log, adapters: adapters, cache: cache}
}

func (e *env) book(t *testing.T, start time.Time, video models.VideoProvider) *models.Appointment {
	t.Helper()
	a, err := e.manager.Create(context.Background(), CreateRequest{
		CompanyID:     company,
		Title:         "Discovery call",
		Description:   "Intro",
		Start:         start,
		End:           start.Add(30 * time.Minute),
		TimeZone:      "America/New_York",
		VideoProvider: video,
	})
	require.NoError(t, err)
	return a
}

func TestCreate_NativeCalendarGeneratesLinkFirst(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderMicrosoft)

	a := e.book(t, at(10, 10, 0), models.VideoGoogleMeet)

	creates := e.log.filter("create")
	require.Len(t, creates, 2)
	assert.Equal(t, models.ProviderGoogle, creates[0].provider)
	assert.True(t, creates[0].input.RequestVideo)
	assert.Equal(t, a.ID, creates[0].input.ReferenceID)

	assert.Equal(t, models.ProviderMicrosoft, creates[1].provider)
	assert.False(t, creates[1].input.RequestVideo, "secondary calendar must not generate its own link")
	assert.Contains(t, creates[1].input.Description, "https://video.example/google/reread")
	assert.Contains(t, creates[1].input.Description, "Intro")

	assert.Len(t, e.log.filter("read_link"), 1)
	assert.Equal(t, "https://video.example/google/reread", a.VideoLink)
	assert.Equal(t, models.SyncSynced, a.SyncStatus)

	stored, err := e.store.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExternalIDs{models.ProviderGoogle: "google-1", models.ProviderMicrosoft: "microsoft-1"}, stored.ExternalIDs)
	require.NotNil(t, stored.IntegrationID)
	assert.Len(t, e.cache.ids, 2)
}

func TestCreate_DedicatedMeetingServiceFirst(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderMicrosoft, models.ProviderZoom)

	a := e.book(t, at(10, 11, 0), models.VideoZoom)

	creates := e.log.filter("create")
	require.Len(t, creates, 3)
	assert.Equal(t, models.ProviderZoom, creates[0].provider)
	assert.True(t, creates[0].input.RequestVideo)
	for _, c := range creates[1:] {
		assert.False(t, c.input.RequestVideo, c.provider)
		assert.Contains(t, c.input.Description, "https://video.example/zoom", c.provider)
	}
	assert.Equal(t, "https://video.example/zoom", a.VideoLink)
	assert.Equal(t, "zoom-1", a.ExternalIDs[models.ProviderZoom])
}

func TestCreate_WithoutVideoSkipsMeetingService(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderZoom)

	a := e.book(t, at(10, 11, 0), models.VideoNone)

	creates := e.log.filter("create")
	require.Len(t, creates, 1)
	assert.Equal(t, models.ProviderGoogle, creates[0].provider)
	assert.False(t, creates[0].input.RequestVideo)
	assert.Empty(t, a.VideoLink)
}

func TestCreate_ConflictIsRejected(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	e.book(t, at(10, 10, 0), models.VideoNone)

	_, err := e.manager.Create(context.Background(), CreateRequest{
		CompanyID: company, Title: "Overlap", Start: at(10, 10, 15), End: at(10, 10, 45),
	})
	require.ErrorIs(t, err, ErrSlotUnavailable)
	conflicts, ok := IsConflict(err)
	require.True(t, ok)
	assert.Len(t, conflicts, 1)
	assert.Len(t, e.log.filter("create"), 1)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no company", CreateRequest{Start: at(10, 9, 0), End: at(10, 10, 0)}},
		{"inverted range", CreateRequest{CompanyID: company, Start: at(10, 10, 0), End: at(10, 9, 0)}},
		{"unknown video", CreateRequest{CompanyID: company, Start: at(10, 9, 0), End: at(10, 10, 0), VideoProvider: "skype"}},
		{"terminal status", CreateRequest{CompanyID: company, Start: at(10, 9, 0), End: at(10, 10, 0), Status: models.StatusCancelled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.manager.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCreate_ProviderFailureKeepsBooking(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderMicrosoft)
	e.adapters[models.ProviderMicrosoft].createErr = errors.New("graph unavailable")

	a := e.book(t, at(10, 14, 0), models.VideoNone)

	assert.Equal(t, models.SyncError, a.SyncStatus)
	assert.Contains(t, a.SyncError, "graph unavailable")
	assert.Equal(t, "google-1", a.ExternalIDs[models.ProviderGoogle])

	stored, err := e.store.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, stored.SyncStatus)
	assert.Equal(t, models.StatusScheduled, stored.Status)
}

func TestCreate_EmbedsContact(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	require.NoError(t, e.store.SaveContact(context.Background(), &models.Contact{
		ID: "c-1", CompanyID: company, Name: "Dana Lee", Phone: "+1 555 0100", Email: "dana@example.test",
	}))

	a, err := e.manager.Create(context.Background(), CreateRequest{
		CompanyID: company, ContactID: "c-1", Title: "Follow-up", Start: at(10, 9, 0), End: at(10, 9, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, "Contact: Dana Lee\nPhone: +1 555 0100\nEmail: dana@example.test", a.Description)
	require.NotNil(t, a.ContactID)
}

func TestReschedule_KeepsOriginalStart(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	ctx := context.Background()
	t1 := at(10, 10, 0)
	a := e.book(t, t1, models.VideoNone)

	t2 := at(11, 13, 0)
	_, err := e.manager.Reschedule(ctx, company, a.ID, t2, t2.Add(30*time.Minute), "contact asked")
	require.NoError(t, err)
	t3 := at(12, 15, 0)
	a, err = e.manager.Reschedule(ctx, company, a.ID, t3, t3.Add(30*time.Minute), "again")
	require.NoError(t, err)

	stored, err := e.store.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OriginalStartTime)
	assert.True(t, stored.OriginalStartTime.Equal(t1))
	assert.True(t, stored.StartTime.Equal(t3))
	assert.Equal(t, 2, stored.RescheduleCount)
	assert.Equal(t, models.StatusRescheduled, stored.Status)
	assert.Equal(t, "again", stored.RescheduleReason)

	updates := e.log.filter("update")
	require.Len(t, updates, 2)
	require.NotNil(t, updates[1].changes.Start)
	assert.True(t, updates[1].changes.Start.Equal(t3))
	assert.Contains(t, *updates[1].changes.Description, "Status: rescheduled")
}

func TestReschedule_IgnoresOwnInterval(t *testing.T) {
	e := newEnv(t)
	a := e.book(t, at(10, 10, 0), models.VideoNone)

	moved, err := e.manager.Reschedule(context.Background(), company, a.ID, at(10, 10, 15), at(10, 10, 45), "")
	require.NoError(t, err)
	assert.Equal(t, 1, moved.RescheduleCount)
}

func TestReschedule_Conflict(t *testing.T) {
	e := newEnv(t)
	a := e.book(t, at(10, 10, 0), models.VideoNone)
	e.book(t, at(10, 11, 0), models.VideoNone)

	_, err := e.manager.Reschedule(context.Background(), company, a.ID, at(10, 11, 0), at(10, 11, 30), "")
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestUpdate_PropagatesChangedFields(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	a := e.book(t, at(10, 10, 0), models.VideoNone)

	title := "Renamed"
	same := a.Location
	_, err := e.manager.Update(context.Background(), company, a.ID, UpdateRequest{Title: &title, Location: &same})
	require.NoError(t, err)

	updates := e.log.filter("update")
	require.Len(t, updates, 1)
	assert.Equal(t, "google-1", updates[0].providerID)
	assert.Equal(t, "Renamed", *updates[0].changes.Title)
	assert.Nil(t, updates[0].changes.Location)
	assert.Nil(t, updates[0].changes.Start)
	assert.Nil(t, updates[0].changes.Description)
}

func TestUpdate_TimeZoneOnlyIsPropagated(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	a := e.book(t, at(10, 10, 0), models.VideoNone)

	zone := "Europe/Lisbon"
	_, err := e.manager.Update(context.Background(), company, a.ID, UpdateRequest{TimeZone: &zone})
	require.NoError(t, err)

	stored, err := e.store.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Lisbon", stored.TimeZone)

	updates := e.log.filter("update")
	require.Len(t, updates, 1)
	c := updates[0].changes
	require.NotNil(t, c.TimeZone)
	assert.Equal(t, "Europe/Lisbon", *c.TimeZone)
	require.NotNil(t, c.Start)
	require.NotNil(t, c.End)
	assert.True(t, c.Start.Equal(a.StartTime))
	require.NotNil(t, c.AllDay)
	assert.False(t, *c.AllDay)
	assert.Nil(t, c.Title)
}

func TestReschedule_CarriesAllDayForm(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	ctx := context.Background()
	a := e.book(t, at(10, 10, 0), models.VideoNone)
	a.AllDay = true
	require.NoError(t, e.store.SaveAppointment(ctx, a))

	_, err := e.manager.Reschedule(ctx, company, a.ID, at(11, 13, 0), at(11, 13, 30), "")
	require.NoError(t, err)

	updates := e.log.filter("update")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].changes.AllDay)
	assert.True(t, *updates[0].changes.AllDay)
}

func TestConfirm_PropagatesStatus(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderMicrosoft)
	a := e.book(t, at(10, 10, 0), models.VideoTeams)

	a, err := e.manager.Confirm(context.Background(), company, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, a.Status)
	assert.Equal(t, models.ConfirmationConfirmed, a.ConfirmationStatus)
	require.NotNil(t, a.ConfirmedAt)

	updates := e.log.filter("update")
	require.Len(t, updates, 2)
	for _, u := range updates {
		desc := *u.changes.Description
		assert.Contains(t, desc, "Status: confirmed")
		if u.provider == models.ProviderMicrosoft {
			assert.NotContains(t, desc, "Join video call", "the link generator keeps its native link")
		} else {
			assert.Contains(t, desc, "https://video.example/microsoft")
		}
	}

	_, err = e.manager.Confirm(context.Background(), company, a.ID)
	require.NoError(t, err)
	assert.Len(t, e.log.filter("update"), 2)
}

func TestCancel_IsIdempotent(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle, models.ProviderMicrosoft)
	e.adapters[models.ProviderMicrosoft].deleteErr = provider.ErrNotFound
	a := e.book(t, at(10, 10, 0), models.VideoNone)
	ctx := context.Background()

	first, err := e.manager.Cancel(ctx, company, a.ID, "no longer needed")
	require.NoError(t, err)
	second, err := e.manager.Cancel(ctx, company, a.ID, "again")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, first.Status)
	assert.Equal(t, models.StatusCancelled, second.Status)
	assert.Equal(t, "no longer needed", second.CancelReason)
	assert.Equal(t, models.SyncSynced, second.SyncStatus)
	assert.Len(t, e.log.filter("delete"), 2)

	_, err = e.manager.Confirm(ctx, company, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The cancelled interval is bookable again.
	e.book(t, at(10, 10, 0), models.VideoNone)
}

func TestMarkNoShow_BooksRetry(t *testing.T) {
	e := newEnv(t, models.ProviderGoogle)
	ctx := context.Background()
	require.NoError(t, e.store.SaveCampaign(ctx, &models.Campaign{
		ID: "camp-1", CompanyID: company, AutoRetryNoShow: true, RetryDelayMinutes: 60,
	}))
	a, err := e.manager.Create(ctx, CreateRequest{
		CompanyID: company, CampaignID: "camp-1", Title: "Call", Start: at(10, 10, 0), End: at(10, 10, 30),
	})
	require.NoError(t, err)

	original, retry, err := e.manager.MarkNoShow(ctx, company, a.ID)
	require.NoError(t, err)
	require.NotNil(t, retry)

	assert.Equal(t, models.StatusNoShow, original.Status)
	assert.Equal(t, retry.ID, original.Metadata[MetaRetryAppointmentID])
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, a.ID, *retry.RetryOf)
	assert.Equal(t, models.StatusScheduled, retry.Status)
	// clock is 10:30, delay is one hour
	assert.True(t, retry.StartTime.Equal(at(10, 11, 30)), retry.StartTime)
	assert.Equal(t, 30*time.Minute, retry.EndTime.Sub(retry.StartTime))

	again, second, err := e.manager.MarkNoShow(ctx, company, a.ID)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, models.StatusNoShow, again.Status)
}

func TestMarkNoShow_WithoutAutoRetry(t *testing.T) {
	e := newEnv(t)
	a := e.book(t, at(10, 10, 0), models.VideoNone)

	original, retry, err := e.manager.MarkNoShow(context.Background(), company, a.ID)
	require.NoError(t, err)
	assert.Nil(t, retry)
	assert.Equal(t, models.StatusNoShow, original.Status)
}

func TestGet_ScopedToCompany(t *testing.T) {
	e := newEnv(t)
	a := e.book(t, at(10, 10, 0), models.VideoNone)

	_, err := e.manager.Get(context.Background(), "other", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.manager.Get(context.Background(), company, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	e := newEnv(t)
	first := e.book(t, at(10, 10, 0), models.VideoNone)
	e.book(t, at(11, 10, 0), models.VideoNone)
	_, err := e.manager.Cancel(context.Background(), company, first.ID, "")
	require.NoError(t, err)

	got, err := e.manager.List(context.Background(), company, store.AppointmentFilter{
		Statuses: []models.AppointmentStatus{models.StatusScheduled},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].StartTime.Equal(at(11, 10, 0)))
}
