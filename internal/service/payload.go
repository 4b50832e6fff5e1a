package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"calsync/internal/models"
)

// pushPayload is the snapshot carried by push queue items. It must be enough
// to perform the remote call even after the source event row changed or
// disappeared.
type pushPayload struct {
	Event      models.CanonicalEvent `json:"event"`
	ExternalID string                `json:"external_id,omitempty"`
}

// pullPayload records what triggered a pull. The worker reads the
// integration's cursor at processing time, so a redelivered or stacked pull
// converges on the current stream position instead of replaying this one.
type pullPayload struct {
	IntegrationID string `json:"integration_id"`
	Cursor        string `json:"cursor,omitempty"`
	Trigger       string `json:"trigger"`
}

// Pull triggers.
const (
	TriggerWebhook = "webhook"
	TriggerPoll    = "poll"
	TriggerManual  = "manual"
)

func newPushQueueItem(op string, integrationID string, event *models.CanonicalEvent, externalID string, maxRetries int, scheduledFor time.Time) (*models.QueueItem, error) {
	raw, err := json.Marshal(pushPayload{Event: *event, ExternalID: externalID})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot event payload: %w", err)
	}
	eventID := event.ID
	now := time.Now().UTC()
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &models.QueueItem{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		EventID:       &eventID,
		Operation:     op,
		Payload:       datatypes.JSON(raw),
		Status:        models.QueuePending,
		MaxRetries:    maxRetries,
		ScheduledFor:  scheduledFor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func newPullQueueItem(integrationID, cursor, trigger string, maxRetries int) (*models.QueueItem, error) {
	raw, err := json.Marshal(pullPayload{IntegrationID: integrationID, Cursor: cursor, Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pull payload: %w", err)
	}
	now := time.Now().UTC()
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &models.QueueItem{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		Operation:     models.OpPullIncremental,
		Payload:       datatypes.JSON(raw),
		Status:        models.QueuePending,
		MaxRetries:    maxRetries,
		ScheduledFor:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func decodePushPayload(item *models.QueueItem) (pushPayload, error) {
	var payload pushPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return pushPayload{}, fmt.Errorf("malformed push payload on item %s: %w", item.ID, err)
	}
	return payload, nil
}
