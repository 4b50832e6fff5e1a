package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncRecord statuses.
const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
	SyncStatusFailed   = "failed"
)

// SyncRecord is the per-(event, integration) ledger entry: what the remote
// side is believed to hold and whether the two sides converged. At most one
// row exists per composite key; all writes are idempotent upserts.
type SyncRecord struct {
	EventID          string         `gorm:"primaryKey;type:text" json:"event_id"`
	IntegrationID    string         `gorm:"primaryKey;type:text" json:"integration_id"`
	ExternalID       *string        `gorm:"type:text;index" json:"external_id,omitempty"`
	Status           string         `gorm:"type:text;not null;default:'pending'" json:"status"`
	LocalVersion     time.Time      `gorm:"type:timestamptz;not null" json:"local_version"`
	RemoteVersion    *time.Time     `gorm:"type:timestamptz" json:"remote_version,omitempty"`
	LastError        *string        `gorm:"type:text" json:"last_error,omitempty"`
	RetryCount       int            `gorm:"not null;default:0" json:"retry_count"`
	ConflictSnapshot datatypes.JSON `gorm:"type:jsonb" json:"conflict_snapshot,omitempty"`
	UpdatedAt        time.Time      `gorm:"type:timestamptz;not null" json:"updated_at"`
}

func (SyncRecord) TableName() string {
	return "sync_records"
}
