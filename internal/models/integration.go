package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Integration is an OAuth-authenticated connection between a company and one provider.
// Rows are deactivated rather than deleted, so several may exist per (company, provider).
type Integration struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CompanyID      string     `gorm:"type:varchar(64);not null;index:idx_integrations_company_provider" json:"company_id"`
	Provider       Provider   `gorm:"type:varchar(32);not null;index:idx_integrations_company_provider" json:"provider"`
	AccountEmail   string     `gorm:"type:varchar(255)" json:"account_email"`
	AccessToken    string     `gorm:"type:text" json:"-"`
	RefreshToken   string     `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"` // nil means the credential does not expire
	SyncToken      string     `gorm:"type:text" json:"-"`         // opaque, provider-defined continuation token
	CalendarID     string     `gorm:"type:text" json:"calendar_id"`
	IsActive       bool       `gorm:"not null;default:true;index" json:"is_active"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (i *Integration) BeforeCreate(*gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}
