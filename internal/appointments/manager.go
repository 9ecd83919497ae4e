// Package appointments owns the lifecycle of canonical appointments and pushes every change
// to the providers holding a copy.
package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"schedsync/internal/availability"
	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/store"
)

var (
	// ErrNotFound means the appointment does not exist for the company.
	ErrNotFound = errors.New("appointment not found")
	// ErrSlotUnavailable means the requested interval overlaps busy time. The concrete
	// error is a *ConflictError.
	ErrSlotUnavailable = errors.New("time slot is not available")
	// ErrInvalidTransition means the status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRequest means the request is malformed.
	ErrInvalidRequest = errors.New("invalid appointment request")
)

// ConflictError lists the busy intervals that block a booking.
type ConflictError struct {
	Conflicts []models.TimeSlot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %d conflicting interval(s)", ErrSlotUnavailable, len(e.Conflicts))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrSlotUnavailable
}

// Metadata keys written on appointments.
const (
	MetaRetryAppointmentID = "retry_appointment_id"
	MetaRetryReason        = "retry_reason"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateAppointment(ctx context.Context, a *models.Appointment) error
	SaveAppointment(ctx context.Context, a *models.Appointment) error
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	ListAppointments(ctx context.Context, companyID string, f store.AppointmentFilter) ([]models.Appointment, error)
	ActiveIntegrations(ctx context.Context, companyID string) ([]models.Integration, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
}

// Availability is the conflict checker and slot finder.
type Availability interface {
	IsSlotAvailable(ctx context.Context, companyID string, start, end time.Time, excludeAppointmentID string) (*availability.Conflict, error)
	FindNextAvailableSlot(ctx context.Context, companyID string, after time.Time, duration time.Duration, maxDays int) (*models.TimeSlot, error)
}

// Invalidator drops cached busy time of an integration.
type Invalidator interface {
	Invalidate(ctx context.Context, integrationID string)
}

// CreateRequest describes a new appointment.
type CreateRequest struct {
	CompanyID     string
	ContactID     string
	CampaignID    string
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	TimeZone      string
	VideoProvider models.VideoProvider
	// Status defaults to scheduled. Only scheduled and pending_confirmation are accepted.
	Status   models.AppointmentStatus
	Metadata map[string]interface{}
	// SkipConflictCheck books even when the interval overlaps busy time.
	SkipConflictCheck bool

	retryOf string
}

// UpdateRequest is a partial update; nil fields are left untouched.
type UpdateRequest struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	TimeZone    *string
}

// Manager implements create, update, reschedule, confirm, cancel and no-show handling.
type Manager struct {
	store    Store
	registry *provider.Registry
	avail    Availability
	cache    Invalidator
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(st Store, registry *provider.Registry, avail Availability, logger *slog.Logger, rec *metrics.Recorder) *Manager {
	return &Manager{
		store:    st,
		registry: registry,
		avail:    avail,
		metrics:  rec,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

// SetCache makes writes invalidate cached provider busy time.
func (m *Manager) SetCache(c Invalidator) {
	m.cache = c
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Get returns the appointment if it belongs to the company.
func (m *Manager) Get(ctx context.Context, companyID, id string) (*models.Appointment, error) {
	a, err := m.store.GetAppointment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load appointment: %w", err)
	}
	if a.CompanyID != companyID {
		return nil, ErrNotFound
	}
	return a, nil
}

// List is the read model for dashboards and notifications.
func (m *Manager) List(ctx context.Context, companyID string, f store.AppointmentFilter) ([]models.Appointment, error) {
	out, err := m.store.ListAppointments(ctx, companyID, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return out, nil
}

// Create checks the interval against live busy time, stores the appointment and pushes it
// to every connected calendar following the video-link ordering. A provider failure does
// not fail the booking; it leaves the appointment with sync status error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Appointment, error) {
	logger := logging.WithOperation(m.logger, "create_appointment").With(logging.KeyCompany, req.CompanyID)

	if err := validateCreate(&req); err != nil {
		m.metrics.Booking(ctx, "invalid")
		return nil, err
	}
	if !req.SkipConflictCheck {
		res, err := m.avail.IsSlotAvailable(ctx, req.CompanyID, req.Start, req.End, "")
		if err != nil {
			m.metrics.Booking(ctx, metrics.ResultError)
			return nil, fmt.Errorf("failed to check availability: %w", err)
		}
		if !res.Available {
			m.metrics.Booking(ctx, "conflict")
			return nil, &ConflictError{Conflicts: res.Conflicts}
		}
	}

	a := &models.Appointment{
		CompanyID:          req.CompanyID,
		Title:              req.Title,
		Description:        req.Description,
		Location:           req.Location,
		StartTime:          req.Start,
		EndTime:            req.End,
		TimeZone:           req.TimeZone,
		Status:             req.Status,
		ConfirmationStatus: models.ConfirmationUnconfirmed,
		VideoProvider:      req.VideoProvider,
		SyncStatus:         models.SyncPendingPush,
		ExternalIDs:        models.ExternalIDs{},
	}
	if req.ContactID != "" {
		a.ContactID = &req.ContactID
		a.Description = m.withContact(ctx, req.ContactID, a.Description)
	}
	if req.CampaignID != "" {
		a.CampaignID = &req.CampaignID
	}
	if req.retryOf != "" {
		a.RetryOf = &req.retryOf
	}
	for k, v := range req.Metadata {
		a.SetMeta(k, v)
	}

	if err := m.store.CreateAppointment(ctx, a); err != nil {
		m.metrics.Booking(ctx, metrics.ResultError)
		return nil, fmt.Errorf("failed to store appointment: %w", err)
	}
	logger = logger.With(logging.KeyAppointment, a.ID)
	logger.Info("Appointment stored, pushing to providers", "start", a.StartTime, "video", a.VideoProvider)

	m.push(ctx, logger, a)
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save appointment sync state: %w", err)
	}
	m.metrics.Booking(ctx, "created")
	return a, nil
}

func validateCreate(req *CreateRequest) error {
	if req.CompanyID == "" {
		return fmt.Errorf("%w: company is required", ErrInvalidRequest)
	}
	if req.Start.IsZero() || !req.End.After(req.Start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	}
	if !req.VideoProvider.Valid() {
		return fmt.Errorf("%w: unknown video provider %q", ErrInvalidRequest, req.VideoProvider)
	}
	switch req.Status {
	case "":
		req.Status = models.StatusScheduled
	case models.StatusScheduled, models.StatusPendingConfirmation:
	default:
		return fmt.Errorf("%w: cannot create an appointment in status %q", ErrInvalidRequest, req.Status)
	}
	return nil
}

// withContact appends the contact's details to a description. A missing contact is not an error.
func (m *Manager) withContact(ctx context.Context, contactID, description string) string {
	c, err := m.store.GetContact(ctx, contactID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("Failed to load contact", "contact_id", contactID, logging.Err(err))
		}
		return description
	}
	var lines []string
	if c.Name != "" {
		lines = append(lines, "Contact: "+c.Name)
	}
	if c.Phone != "" {
		lines = append(lines, "Phone: "+c.Phone)
	}
	if c.Email != "" {
		lines = append(lines, "Email: "+c.Email)
	}
	if len(lines) == 0 {
		return description
	}
	if description == "" {
		return strings.Join(lines, "\n")
	}
	return description + "\n\n" + strings.Join(lines, "\n")
}

// Update applies a partial update. A time change is checked against live busy time with the
// appointment itself excluded.
func (m *Manager) Update(ctx context.Context, companyID, id string, req UpdateRequest) (*models.Appointment, error) {
	a, err := m.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.IsBusy() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
	}

	start, end := a.StartTime, a.EndTime
	if req.Start != nil {
		start = *req.Start
	}
	if req.End != nil {
		end = *req.End
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	}
	timeChanged := !start.Equal(a.StartTime) || !end.Equal(a.EndTime)
	if timeChanged {
		if err := m.checkSlot(ctx, a, start, end); err != nil {
			return nil, err
		}
	}

	var changes provider.EventChanges
	if req.Title != nil && *req.Title != a.Title {
		a.Title = *req.Title
		changes.Title = req.Title
	}
	if req.Location != nil && *req.Location != a.Location {
		a.Location = *req.Location
		changes.Location = req.Location
	}
	if req.Description != nil && *req.Description != a.Description {
		a.Description = *req.Description
	}
	zoneChanged := req.TimeZone != nil && *req.TimeZone != a.TimeZone
	if zoneChanged {
		a.TimeZone = *req.TimeZone
		changes.TimeZone = req.TimeZone
	}
	if timeChanged || zoneChanged {
		// Providers express the zone through the start and end, so both travel with it.
		a.StartTime, a.EndTime = start, end
		changes.Start, changes.End = &start, &end
		allDay := a.AllDay
		changes.AllDay = &allDay
	}
	return a, m.saveAndPropagate(ctx, "update_appointment", a, changes, req.Description != nil)
}

// Reschedule moves the appointment. The first reschedule keeps the original start time.
func (m *Manager) Reschedule(ctx context.Context, companyID, id string, newStart, newEnd time.Time, reason string) (*models.Appointment, error) {
	a, err := m.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(a.Status, models.StatusRescheduled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, models.StatusRescheduled)
	}
	if !newEnd.After(newStart) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidRequest)
	}
	if err := m.checkSlot(ctx, a, newStart, newEnd); err != nil {
		return nil, err
	}

	if a.OriginalStartTime == nil {
		original := a.StartTime
		a.OriginalStartTime = &original
	}
	a.RescheduleCount++
	a.RescheduleReason = reason
	a.Status = models.StatusRescheduled
	a.StartTime, a.EndTime = newStart, newEnd

	allDay := a.AllDay
	changes := provider.EventChanges{Start: &newStart, End: &newEnd, AllDay: &allDay}
	return a, m.saveAndPropagate(ctx, "reschedule_appointment", a, changes, true)
}

// Confirm records the contact's confirmation.
func (m *Manager) Confirm(ctx context.Context, companyID, id string) (*models.Appointment, error) {
	a, err := m.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.StatusConfirmed {
		return a, nil
	}
	if !models.CanTransition(a.Status, models.StatusConfirmed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, models.StatusConfirmed)
	}
	now := m.now().UTC()
	a.Status = models.StatusConfirmed
	a.ConfirmationStatus = models.ConfirmationConfirmed
	a.ConfirmedAt = &now
	return a, m.saveAndPropagate(ctx, "confirm_appointment", a, provider.EventChanges{}, true)
}

// Cancel cancels the appointment and deletes its provider copies. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, companyID, id, reason string) (*models.Appointment, error) {
	a, err := m.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.StatusCancelled {
		return a, nil
	}
	if !models.CanTransition(a.Status, models.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, models.StatusCancelled)
	}
	logger := logging.WithOperation(m.logger, "cancel_appointment").With(logging.KeyCompany, companyID, logging.KeyAppointment, id)

	now := m.now().UTC()
	a.Status = models.StatusCancelled
	a.CancelledAt = &now
	a.CancelReason = reason
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save appointment: %w", err)
	}

	integrations := m.integrations(ctx, logger, companyID)
	var errs []error
	for _, p := range a.ExternalIDs.Providers() {
		providerID, _ := a.ExternalIDs.Get(p)
		adapter, integ, err := m.target(p, integrations)
		if err == nil {
			err = adapter.DeleteEvent(ctx, integ, providerID)
			m.invalidate(ctx, integ)
		}
		if err != nil && !errors.Is(err, provider.ErrNotFound) {
			logger.Warn("Failed to delete provider copy", logging.KeyProvider, p, logging.KeyProviderEvent, providerID, logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	m.setSyncResult(a, errs)
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save appointment sync state: %w", err)
	}
	logger.Info("Appointment cancelled", "providers", len(a.ExternalIDs.Providers()), "sync_status", a.SyncStatus)
	return a, nil
}

// MarkNoShow records a missed appointment. When the appointment's campaign enables automatic
// retries, a new appointment is booked at the first free slot after the campaign's delay and
// returned as the second value. The original is never moved back to scheduled.
func (m *Manager) MarkNoShow(ctx context.Context, companyID, id string) (*models.Appointment, *models.Appointment, error) {
	a, err := m.Get(ctx, companyID, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != models.StatusNoShow {
		if !models.CanTransition(a.Status, models.StatusNoShow) {
			return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, models.StatusNoShow)
		}
		a.Status = models.StatusNoShow
		if err := m.saveAndPropagate(ctx, "mark_no_show", a, provider.EventChanges{}, true); err != nil {
			return nil, nil, err
		}
	}
	if _, ok := a.Metadata[MetaRetryAppointmentID]; ok {
		return a, nil, nil
	}

	retry, err := m.scheduleRetry(ctx, a)
	if err != nil || retry == nil {
		return a, nil, err
	}
	a.SetMeta(MetaRetryAppointmentID, retry.ID)
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return nil, nil, fmt.Errorf("failed to link retry appointment: %w", err)
	}
	return a, retry, nil
}

func (m *Manager) scheduleRetry(ctx context.Context, a *models.Appointment) (*models.Appointment, error) {
	if a.CampaignID == nil {
		return nil, nil
	}
	logger := logging.WithOperation(m.logger, "no_show_retry").With(logging.KeyCompany, a.CompanyID, logging.KeyAppointment, a.ID)

	campaign, err := m.store.GetCampaign(ctx, *a.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if !campaign.AutoRetryNoShow {
		return nil, nil
	}

	after := m.now().Add(campaign.RetryDelay())
	duration := a.EndTime.Sub(a.StartTime)
	slot, err := m.avail.FindNextAvailableSlot(ctx, a.CompanyID, after, duration, 0)
	if errors.Is(err, availability.ErrNoSlotFound) {
		logger.Warn("No free slot for no-show retry", "after", after)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find retry slot: %w", err)
	}

	req := CreateRequest{
		CompanyID:     a.CompanyID,
		CampaignID:    *a.CampaignID,
		Title:         a.Title,
		Description:   fmt.Sprintf("Retry of missed appointment %s.", a.ID),
		Location:      a.Location,
		Start:         slot.Start,
		End:           slot.End,
		TimeZone:      a.TimeZone,
		VideoProvider: a.VideoProvider,
		Metadata:      map[string]interface{}{MetaRetryReason: string(models.StatusNoShow)},
		retryOf:       a.ID,
	}
	if a.ContactID != nil {
		req.ContactID = *a.ContactID
	}
	retry, err := m.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry appointment: %w", err)
	}
	logger.Info("No-show retry booked", "retry_id", retry.ID, "start", retry.StartTime)
	return retry, nil
}

func (m *Manager) checkSlot(ctx context.Context, a *models.Appointment, start, end time.Time) error {
	res, err := m.avail.IsSlotAvailable(ctx, a.CompanyID, start, end, a.ID)
	if err != nil {
		return fmt.Errorf("failed to check availability: %w", err)
	}
	if !res.Available {
		return &ConflictError{Conflicts: res.Conflicts}
	}
	return nil
}

// saveAndPropagate stores a and sends changes to every provider copy. With description set,
// the rendered description is sent too.
func (m *Manager) saveAndPropagate(ctx context.Context, op string, a *models.Appointment, changes provider.EventChanges, description bool) error {
	logger := logging.WithOperation(m.logger, op).With(logging.KeyCompany, a.CompanyID, logging.KeyAppointment, a.ID)
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return fmt.Errorf("failed to save appointment: %w", err)
	}
	if len(a.ExternalIDs.Providers()) == 0 {
		return nil
	}

	integrations := m.integrations(ctx, logger, a.CompanyID)
	generator := m.linkGenerator(a)
	var errs []error
	for _, p := range a.ExternalIDs.Providers() {
		providerID, _ := a.ExternalIDs.Get(p)
		c := changes
		if description {
			d := render(a, p != generator)
			c.Description = &d
		}
		if c.IsEmpty() {
			continue
		}
		adapter, integ, err := m.target(p, integrations)
		if err == nil {
			err = adapter.UpdateEvent(ctx, integ, providerID, c)
			m.invalidate(ctx, integ)
		}
		if err != nil {
			logger.Warn("Failed to update provider copy", logging.KeyProvider, p, logging.KeyProviderEvent, providerID, logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	m.setSyncResult(a, errs)
	if err := m.store.SaveAppointment(ctx, a); err != nil {
		return fmt.Errorf("failed to save appointment sync state: %w", err)
	}
	return nil
}

func (m *Manager) integrations(ctx context.Context, logger *slog.Logger, companyID string) map[models.Provider]*models.Integration {
	list, err := m.store.ActiveIntegrations(ctx, companyID)
	if err != nil {
		logger.Warn("Failed to load integrations", logging.Err(err))
	}
	out := make(map[models.Provider]*models.Integration, len(list))
	for i := range list {
		out[list[i].Provider] = &list[i]
	}
	return out
}

func (m *Manager) target(p models.Provider, integrations map[models.Provider]*models.Integration) (provider.Provider, *models.Integration, error) {
	integ, ok := integrations[p]
	if !ok {
		return nil, nil, fmt.Errorf("no active %s integration", p)
	}
	adapter, err := m.registry.Get(p)
	if err != nil {
		return nil, nil, err
	}
	return adapter, integ, nil
}

func (m *Manager) invalidate(ctx context.Context, integ *models.Integration) {
	if m.cache != nil && integ != nil {
		m.cache.Invalidate(ctx, integ.ID)
	}
}

func (m *Manager) setSyncResult(a *models.Appointment, errs []error) {
	if len(errs) > 0 {
		a.SyncStatus = models.SyncError
		a.SyncError = errors.Join(errs...).Error()
		return
	}
	a.SyncStatus = models.SyncSynced
	a.SyncError = ""
}
