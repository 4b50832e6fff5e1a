package models

import (
	"time"

	"gorm.io/datatypes"
)

// Provider kinds. A kind is push-capable when its adapter can register
// webhook channels; poll-only kinds are asked for changes on a schedule.
const (
	ProviderGoogleCalendar = "gcal"
	ProviderNotion         = "notion"
)

// Sync directions.
const (
	DirectionPushOnly      = "push-only"
	DirectionPullOnly      = "pull-only"
	DirectionBidirectional = "bidirectional"
)

// Webhook channel states.
const (
	ChannelUnregistered = "unregistered"
	ChannelActive       = "active"
	ChannelExpiring     = "expiring"
	ChannelExpired      = "expired"
)

// Integration is one configured external calendar connection. The cursor and
// channel metadata are mutated only by the sync engine.
type Integration struct {
	ID               string  `gorm:"primaryKey;type:text" json:"id"`
	ProviderKind     string  `gorm:"type:text;not null;index" json:"provider_kind"`
	RemoteCalendarID string  `gorm:"type:text;not null" json:"remote_calendar_id"`
	AuthRef          string  `gorm:"type:text;not null" json:"auth_ref"`
	Direction        string  `gorm:"type:text;not null;default:'bidirectional'" json:"direction"`
	Cursor           *string `gorm:"type:text" json:"cursor,omitempty"`
	ChannelID        *string `gorm:"type:text;index" json:"channel_id,omitempty"`
	// ChannelResourceID is the provider-assigned watch target; Google requires
	// it alongside the channel id when a channel is stopped.
	ChannelResourceID *string        `gorm:"type:text" json:"channel_resource_id,omitempty"`
	ChannelToken      *string        `gorm:"type:text" json:"-"`
	ChannelExpiresAt  *time.Time     `gorm:"type:timestamptz" json:"channel_expires_at,omitempty"`
	ChannelState      string         `gorm:"type:text;not null;default:'unregistered'" json:"channel_state"`
	LastPullAt        *time.Time     `gorm:"type:timestamptz" json:"last_pull_at,omitempty"`
	LastPullStats     datatypes.JSON `gorm:"type:jsonb" json:"last_pull_stats,omitempty"`
	CreatedAt         time.Time      `gorm:"type:timestamptz;not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"type:timestamptz;not null" json:"updated_at"`
}

func (Integration) TableName() string {
	return "integrations"
}

func (i *Integration) PushEnabled() bool {
	return i.Direction == DirectionPushOnly || i.Direction == DirectionBidirectional
}

func (i *Integration) PullEnabled() bool {
	return i.Direction == DirectionPullOnly || i.Direction == DirectionBidirectional
}

func (i *Integration) ChannelUsable(now time.Time) bool {
	if i.ChannelID == nil || i.ChannelState == ChannelUnregistered || i.ChannelState == ChannelExpired {
		return false
	}
	return i.ChannelExpiresAt == nil || i.ChannelExpiresAt.After(now)
}
