package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"calsync/internal/models"
)

// Repository is the storage surface of the sync engine: the local event
// store, the per-(event, integration) ledger, the durable retry queue and
// the integration registry. Ledger writes are idempotent keyed by the
// composite (event, integration) key so queue redelivery cannot change the
// end state.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Local event store.
	GetEvent(ctx context.Context, id string) (*models.CanonicalEvent, error)
	UpsertEvent(ctx context.Context, item *models.CanonicalEvent) error
	UpsertEventTx(ctx context.Context, tx *gorm.DB, item *models.CanonicalEvent) error
	ListEvents(ctx context.Context, params ListEventsParams) ([]models.CanonicalEvent, error)

	// Ledger.
	GetSyncRecord(ctx context.Context, eventID, integrationID string) (*models.SyncRecord, error)
	GetSyncRecordByExternalID(ctx context.Context, integrationID, externalID string) (*models.SyncRecord, error)
	UpsertSyncRecord(ctx context.Context, item *models.SyncRecord) error
	UpsertSyncRecordTx(ctx context.Context, tx *gorm.DB, item *models.SyncRecord) error
	MarkSynced(ctx context.Context, eventID, integrationID, externalID string, localVersion time.Time, remoteVersion time.Time) error
	MarkConflictTx(ctx context.Context, tx *gorm.DB, eventID, integrationID string, localVersion time.Time, remoteVersion time.Time, snapshot datatypes.JSON) error
	MarkSyncFailed(ctx context.Context, eventID, integrationID string, lastError string) error
	DeleteSyncRecord(ctx context.Context, eventID, integrationID string) error
	ListSyncRecords(ctx context.Context, params ListSyncRecordsParams) ([]models.SyncRecord, error)

	// Queue.
	EnqueueQueueItem(ctx context.Context, item *models.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	DequeueReadyQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	// ClaimQueueItem flips pending to processing; the boolean reports whether
	// this caller won the claim against concurrent workers.
	ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateQueueItem(ctx context.Context, item *models.QueueItem) error
	RequeueQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	ConvertPendingPushesToDelete(ctx context.Context, eventID string, payload datatypes.JSON, now time.Time) (int64, error)
	HasPendingPull(ctx context.Context, integrationID string) (bool, error)
	ListQueueItems(ctx context.Context, params ListQueueItemsParams) ([]models.QueueItem, error)
	QueueStats(ctx context.Context) (QueueStats, error)
	DeleteTerminalQueueItemsBefore(ctx context.Context, before time.Time) (int64, error)

	// Integrations.
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByChannelID(ctx context.Context, channelID string) (*models.Integration, error)
	ListIntegrations(ctx context.Context) ([]models.Integration, error)
	UpsertIntegration(ctx context.Context, item *models.Integration) error
	SaveIntegrationCursorTx(ctx context.Context, tx *gorm.DB, id, cursor string, pulledAt time.Time, stats datatypes.JSON) error
	UpdateIntegrationChannel(ctx context.Context, item *models.Integration) error
	DeleteIntegration(ctx context.Context, id string) error
}

type ListEventsParams struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
	Since          *time.Time
	Until          *time.Time
}

type ListSyncRecordsParams struct {
	Limit         int
	Offset        int
	EventID       *string
	IntegrationID *string
	Status        *string
}

type ListQueueItemsParams struct {
	Limit         int
	Offset        int
	IntegrationID *string
	Status        *string
	Operation     *string
}

type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
