package models

import (
	"time"
)

// CanonicalEvent is the provider-agnostic representation of an appointment.
// The local store owns every field; the sync engine only reads and writes
// LocalVersion and DeletedAt.
type CanonicalEvent struct {
	ID             string     `gorm:"primaryKey;type:text" json:"id"`
	Title          string     `gorm:"type:text;not null" json:"title"`
	Description    *string    `gorm:"type:text" json:"description,omitempty"`
	Location       *string    `gorm:"type:text" json:"location,omitempty"`
	StartAt        time.Time  `gorm:"type:timestamptz;not null;index" json:"start_at"`
	EndAt          time.Time  `gorm:"type:timestamptz;not null" json:"end_at"`
	AllDay         bool       `gorm:"not null;default:false" json:"all_day"`
	MultiDay       bool       `gorm:"not null;default:false" json:"multi_day"`
	RecurrenceRule *string    `gorm:"type:text" json:"recurrence_rule,omitempty"`
	LocalVersion   time.Time  `gorm:"type:timestamptz;not null" json:"local_version"`
	DeletedAt      *time.Time `gorm:"type:timestamptz;index" json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `gorm:"type:timestamptz;not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"type:timestamptz;not null" json:"updated_at"`
}

func (CanonicalEvent) TableName() string {
	return "canonical_events"
}

func (e *CanonicalEvent) Deleted() bool {
	return e != nil && e.DeletedAt != nil
}
