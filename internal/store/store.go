// Package store persists integrations, appointments, schedule settings and sync logs with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"schedsync/internal/models"
	"schedsync/internal/schedule"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the gorm-backed repository. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&models.Integration{},
		&models.Appointment{},
		&models.ScheduleSettings{},
		&models.SyncLogEntry{},
		&models.Contact{},
		&models.Campaign{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- integrations ---

func (s *Store) CreateIntegration(ctx context.Context, integ *models.Integration) error {
	return s.db.WithContext(ctx).Create(integ).Error
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	var integ models.Integration
	if err := s.db.WithContext(ctx).First(&integ, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &integ, nil
}

// ListIntegrations returns every integration of the company, active or not.
func (s *Store) ListIntegrations(ctx context.Context, companyID string) ([]models.Integration, error) {
	var out []models.Integration
	err := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

// ActiveIntegrations returns at most one active integration per provider: the most recently updated.
func (s *Store) ActiveIntegrations(ctx context.Context, companyID string) ([]models.Integration, error) {
	var rows []models.Integration
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND is_active = ?", companyID, true).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[models.Provider]bool)
	out := rows[:0]
	for _, r := range rows {
		if seen[r.Provider] {
			continue
		}
		seen[r.Provider] = true
		out = append(out, r)
	}
	return out, nil
}

// CompaniesWithActiveIntegrations lists company ids that have something to sync.
func (s *Store) CompaniesWithActiveIntegrations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Integration{}).
		Where("is_active = ?", true).
		Distinct().
		Order("company_id").
		Pluck("company_id", &ids).Error
	return ids, err
}

func (s *Store) UpdateIntegrationTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(map[string]interface{}{
		"access_token":     accessToken,
		"refresh_token":    refreshToken,
		"token_expires_at": expiresAt,
	}).Error
}

func (s *Store) DeactivateIntegration(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Update("is_active", false).Error
}

// SaveSyncState stores a new continuation token together with the sync time.
func (s *Store) SaveSyncState(ctx context.Context, id, syncToken string, syncedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_token":     syncToken,
		"last_synced_at": syncedAt.UTC(),
	}).Error
}

// ClearSyncToken forces the next run to be a full sync.
func (s *Store) ClearSyncToken(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", id).Update("sync_token", "").Error
}

// --- schedule settings ---

// GetScheduleSettings returns schedule.ErrNoSettings when the company has none stored.
func (s *Store) GetScheduleSettings(ctx context.Context, companyID string) (*models.ScheduleSettings, error) {
	var out models.ScheduleSettings
	err := s.db.WithContext(ctx).First(&out, "company_id = ?", companyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, schedule.ErrNoSettings
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) SaveScheduleSettings(ctx context.Context, settings *models.ScheduleSettings) error {
	return s.db.WithContext(ctx).Save(settings).Error
}

// --- appointments ---

func (s *Store) CreateAppointment(ctx context.Context, a *models.Appointment) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *Store) SaveAppointment(ctx context.Context, a *models.Appointment) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *Store) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListBusyAppointments returns appointments in a busy status overlapping [from, to).
func (s *Store) ListBusyAppointments(ctx context.Context, companyID string, from, to time.Time) ([]models.Appointment, error) {
	var out []models.Appointment
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND status IN ? AND start_time < ? AND end_time > ?",
			companyID, models.BusyStatuses, to.UTC(), from.UTC()).
		Order("start_time").
		Find(&out).Error
	return out, err
}

// FindByExternalID returns the company's appointment mirrored by the given provider event.
func (s *Store) FindByExternalID(ctx context.Context, companyID string, provider models.Provider, providerID string) (*models.Appointment, error) {
	q := s.db.WithContext(ctx).Where("company_id = ?", companyID)
	switch s.db.Dialector.Name() {
	case "postgres":
		q = q.Where("(external_ids::jsonb ->> ?) = ?", string(provider), providerID)
	default:
		q = q.Where("json_extract(external_ids, ?) = ?", "$."+string(provider), providerID)
	}
	var a models.Appointment
	if err := q.Order("created_at").First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// AppointmentFilter narrows ListAppointments. Zero fields are ignored.
type AppointmentFilter struct {
	From      time.Time
	To        time.Time
	Statuses  []models.AppointmentStatus
	ContactID string
	Limit     int
	Offset    int
}

// ListAppointments is the read model used by dashboards and notifications.
func (s *Store) ListAppointments(ctx context.Context, companyID string, f AppointmentFilter) ([]models.Appointment, error) {
	q := s.db.WithContext(ctx).Where("company_id = ?", companyID)
	if !f.From.IsZero() {
		q = q.Where("end_time > ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("start_time < ?", f.To.UTC())
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ContactID != "" {
		q = q.Where("contact_id = ?", f.ContactID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []models.Appointment
	err := q.Order("start_time").Find(&out).Error
	return out, err
}

// --- sync logs ---

func (s *Store) CreateSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// FinishSyncLog writes the terminal status and counters of a run.
func (s *Store) FinishSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return s.db.WithContext(ctx).Model(&models.SyncLogEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"status":           entry.Status,
		"events_created":   entry.EventsCreated,
		"events_updated":   entry.EventsUpdated,
		"events_cancelled": entry.EventsCancelled,
		"events_skipped":   entry.EventsSkipped,
		"error":            entry.Error,
		"finished_at":      entry.FinishedAt,
	}).Error
}

// LatestSyncLog returns the most recent run of an integration.
func (s *Store) LatestSyncLog(ctx context.Context, integrationID string) (*models.SyncLogEntry, error) {
	var e models.SyncLogEntry
	err := s.db.WithContext(ctx).Where("integration_id = ?", integrationID).Order("started_at DESC").First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// --- collaborators (read-only) ---

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) SaveContact(ctx context.Context, c *models.Contact) error {
	return s.db.WithContext(ctx).Save(c).Error
}

func (s *Store) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	return s.db.WithContext(ctx).Save(c).Error
}
