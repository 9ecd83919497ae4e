package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusScheduled           AppointmentStatus = "scheduled"
	StatusPendingConfirmation AppointmentStatus = "pending_confirmation"
	StatusConfirmed           AppointmentStatus = "confirmed"
	StatusRescheduled         AppointmentStatus = "rescheduled"
	StatusCancelled           AppointmentStatus = "cancelled"
	StatusNoShow              AppointmentStatus = "no_show"
	StatusCompleted           AppointmentStatus = "completed"
)

// BusyStatuses are the statuses that occupy calendar time.
var BusyStatuses = []AppointmentStatus{
	StatusScheduled,
	StatusPendingConfirmation,
	StatusConfirmed,
	StatusRescheduled,
}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:           {StatusPendingConfirmation, StatusConfirmed, StatusRescheduled, StatusCancelled, StatusNoShow, StatusCompleted},
	StatusPendingConfirmation: {StatusConfirmed, StatusRescheduled, StatusCancelled, StatusNoShow},
	StatusRescheduled:         {StatusConfirmed, StatusRescheduled, StatusCancelled, StatusNoShow, StatusCompleted},
	StatusConfirmed:           {StatusRescheduled, StatusCancelled, StatusNoShow, StatusCompleted},
}

// CanTransition reports whether an appointment may move from one status to another.
// A no_show never returns to scheduled on the same record; a retry appointment is created instead.
func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsBusy reports whether the status blocks calendar time.
func (s AppointmentStatus) IsBusy() bool {
	for _, b := range BusyStatuses {
		if s == b {
			return true
		}
	}
	return false
}

// ConfirmationStatus tracks whether the contact confirmed attendance.
type ConfirmationStatus string

const (
	ConfirmationUnconfirmed ConfirmationStatus = "unconfirmed"
	ConfirmationConfirmed   ConfirmationStatus = "confirmed"
	ConfirmationDeclined    ConfirmationStatus = "declined"
)

// SyncStatus records whether the local record has been pushed to its providers.
type SyncStatus string

const (
	SyncPendingPush SyncStatus = "pending_push"
	SyncSynced      SyncStatus = "synced"
	SyncError       SyncStatus = "error"
)

// ExternalIDs maps a provider to the id of the event that mirrors an appointment there.
type ExternalIDs map[Provider]string

// Get returns the provider event id, if any.
func (e ExternalIDs) Get(p Provider) (string, bool) {
	id, ok := e[p]
	return id, ok && id != ""
}

// Providers returns the providers holding a copy of the appointment, in a stable order.
func (e ExternalIDs) Providers() []Provider {
	var out []Provider
	for _, p := range AllProviders {
		if _, ok := e.Get(p); ok {
			out = append(out, p)
		}
	}
	return out
}

// Appointment is the canonical, provider-independent representation of a bookable occurrence.
// It is never hard-deleted; cancellation is a status transition.
type Appointment struct {
	ID            string  `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CompanyID     string  `gorm:"type:varchar(64);not null;index" json:"company_id"`
	IntegrationID *string `gorm:"type:varchar(36);index" json:"integration_id,omitempty"` // nil means locally authored, not yet pushed
	ContactID     *string `gorm:"type:varchar(64);index" json:"contact_id,omitempty"`
	CampaignID    *string `gorm:"type:varchar(64)" json:"campaign_id,omitempty"`

	Title       string    `gorm:"type:text" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Location    string    `gorm:"type:text" json:"location"`
	StartTime   time.Time `gorm:"not null;index" json:"start_time"`
	EndTime     time.Time `gorm:"not null;index" json:"end_time"`
	TimeZone    string    `gorm:"type:varchar(64)" json:"timezone"`
	AllDay      bool      `json:"all_day"`

	Status             AppointmentStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	ConfirmationStatus ConfirmationStatus `gorm:"type:varchar(32)" json:"confirmation_status"`
	ConfirmedAt        *time.Time         `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason       string             `gorm:"type:text" json:"cancel_reason,omitempty"`

	ExternalIDs   ExternalIDs   `gorm:"type:text;serializer:json" json:"external_ids"`
	VideoProvider VideoProvider `gorm:"type:varchar(32)" json:"video_provider,omitempty"`
	VideoLink     string        `gorm:"type:text" json:"video_link,omitempty"`

	OriginalStartTime *time.Time `json:"original_start_time,omitempty"`
	RescheduleCount   int        `gorm:"not null;default:0" json:"rescheduled_count"`
	RescheduleReason  string     `gorm:"type:text" json:"reschedule_reason,omitempty"`

	RetryOf *string `gorm:"type:varchar(36);index" json:"retry_of,omitempty"`

	SyncStatus SyncStatus        `gorm:"type:varchar(32)" json:"sync_status"`
	SyncError  string            `gorm:"type:text" json:"sync_error,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns an id and normalizes timestamps to UTC.
func (a *Appointment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return a.BeforeSave(tx)
}

// BeforeSave keeps stored instants in UTC so range queries compare consistently.
func (a *Appointment) BeforeSave(*gorm.DB) error {
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	if a.ExternalIDs == nil {
		a.ExternalIDs = ExternalIDs{}
	}
	return nil
}

// Slot returns the interval occupied by the appointment.
func (a *Appointment) Slot() TimeSlot {
	return TimeSlot{Start: a.StartTime, End: a.EndTime}
}

// SetExternalID records the id of the provider-side copy.
func (a *Appointment) SetExternalID(p Provider, id string) {
	if a.ExternalIDs == nil {
		a.ExternalIDs = ExternalIDs{}
	}
	a.ExternalIDs[p] = id
}

// SetMeta stores a metadata value, allocating the map when needed.
func (a *Appointment) SetMeta(key string, value interface{}) {
	if a.Metadata == nil {
		a.Metadata = datatypes.JSONMap{}
	}
	a.Metadata[key] = value
}
