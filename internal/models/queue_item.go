package models

import (
	"time"

	"gorm.io/datatypes"
)

// Queue operations.
const (
	OpPushCreate      = "push-create"
	OpPushUpdate      = "push-update"
	OpPushDelete      = "push-delete"
	OpPullIncremental = "pull-incremental"
)

// Queue item statuses. Completed and failed are terminal.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

const DefaultMaxRetries = 3

// QueueItem is one durable unit of retryable sync work. Payload is a
// snapshot, not a live reference: the item must survive the source record
// changing or disappearing.
type QueueItem struct {
	ID            string         `gorm:"primaryKey;type:text" json:"id"`
	IntegrationID string         `gorm:"type:text;not null;index" json:"integration_id"`
	EventID       *string        `gorm:"type:text;index" json:"event_id,omitempty"`
	Operation     string         `gorm:"type:text;not null" json:"operation"`
	Payload       datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	Status        string         `gorm:"type:text;not null;default:'pending';index:idx_queue_ready" json:"status"`
	RetryCount    int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries    int            `gorm:"not null;default:3" json:"max_retries"`
	ScheduledFor  time.Time      `gorm:"type:timestamptz;not null;index:idx_queue_ready" json:"scheduled_for"`
	LastError     *string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"type:timestamptz;not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"type:timestamptz;not null" json:"updated_at"`
}

func (QueueItem) TableName() string {
	return "sync_queue_items"
}

func (q *QueueItem) Terminal() bool {
	return q.Status == QueueCompleted || q.Status == QueueFailed
}
