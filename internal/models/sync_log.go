package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

type SyncDirection string

const (
	SyncInbound  SyncDirection = "inbound"
	SyncOutbound SyncDirection = "outbound"
)

type SyncRunStatus string

const (
	SyncRunning   SyncRunStatus = "running"
	SyncCompleted SyncRunStatus = "completed"
	SyncFailed    SyncRunStatus = "failed"
)

// SyncLogEntry records one orchestrator run for observability.
type SyncLogEntry struct {
	ID              string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	IntegrationID   string        `gorm:"type:varchar(36);not null;index" json:"integration_id"`
	CompanyID       string        `gorm:"type:varchar(64);not null;index" json:"company_id"`
	Provider        Provider      `gorm:"type:varchar(32)" json:"provider"`
	SyncType        SyncType      `gorm:"type:varchar(16)" json:"sync_type"`
	Direction       SyncDirection `gorm:"type:varchar(16)" json:"direction"`
	Status          SyncRunStatus `gorm:"type:varchar(16);index" json:"status"`
	EventsCreated   int           `json:"events_created"`
	EventsUpdated   int           `json:"events_updated"`
	EventsCancelled int           `json:"events_cancelled"`
	EventsSkipped   int           `json:"events_skipped"`
	Error           string        `gorm:"type:text" json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

func (e *SyncLogEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
