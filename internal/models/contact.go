package models

import "time"

// Contact is owned by the CRM collaborator; the engine only reads it to
// describe appointments.
type Contact struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CompanyID string `gorm:"type:varchar(64);index" json:"company_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

// Campaign carries the follow-up policy of a calling campaign.
type Campaign struct {
	ID                string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CompanyID         string `gorm:"type:varchar(64);index" json:"company_id"`
	Name              string `json:"name"`
	AutoRetryNoShow   bool   `json:"auto_retry_no_show"`
	RetryDelayMinutes int    `json:"retry_delay_minutes"` // 0 means the default delay
}

// DefaultRetryDelay is used when a campaign does not set its own delay.
const DefaultRetryDelay = 24 * time.Hour

// RetryDelay returns the configured no-show retry delay.
func (c *Campaign) RetryDelay() time.Duration {
	if c == nil || c.RetryDelayMinutes <= 0 {
		return DefaultRetryDelay
	}
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}
