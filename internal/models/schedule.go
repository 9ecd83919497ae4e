package models

import "time"

// ScheduleSettings is a company's working-hours policy. Zero-valued fields are
// absent and get defaults when resolved.
type ScheduleSettings struct {
	CompanyID           string    `gorm:"primaryKey;type:varchar(64)" json:"company_id"`
	WorkingHoursStart   string    `gorm:"type:varchar(5)" json:"working_hours_start"` // "HH:MM" wall clock
	WorkingHoursEnd     string    `gorm:"type:varchar(5)" json:"working_hours_end"`
	WorkingDays         []string  `gorm:"type:text;serializer:json" json:"working_days"` // lowercase weekday names
	ExcludeHolidays     *bool     `json:"exclude_holidays,omitempty"`
	TimeZone            string    `gorm:"type:varchar(64)" json:"timezone"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	UpdatedAt           time.Time `json:"updated_at"`
}
