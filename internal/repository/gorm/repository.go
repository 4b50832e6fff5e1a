package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calsync/internal/models"
	"calsync/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- events -----------------------------------------------------------------

func (s *Store) GetEvent(ctx context.Context, id string) (*models.CanonicalEvent, error) {
	if s == nil || s.db == nil || id == "" {
		return nil, nil
	}
	var item models.CanonicalEvent
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertEvent(ctx context.Context, item *models.CanonicalEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.UpsertEventTx(ctx, s.db.WithContext(ctx), item)
}

func (s *Store) UpsertEventTx(ctx context.Context, tx *gorm.DB, item *models.CanonicalEvent) error {
	if tx == nil || item == nil || strings.TrimSpace(item.ID) == "" {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title",
			"description",
			"location",
			"start_at",
			"end_at",
			"all_day",
			"multi_day",
			"recurrence_rule",
			"local_version",
			"deleted_at",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListEvents(ctx context.Context, params repository.ListEventsParams) ([]models.CanonicalEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.CanonicalEvent{})
	if !params.IncludeDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("start_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("start_at < ?", *params.Until)
	}
	var items []models.CanonicalEvent
	err := query.
		Order("start_at asc").
		Limit(normalizeLimit(params.Limit, 200)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- ledger -----------------------------------------------------------------

func (s *Store) GetSyncRecord(ctx context.Context, eventID, integrationID string) (*models.SyncRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SyncRecord
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND integration_id = ?", eventID, integrationID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetSyncRecordByExternalID(ctx context.Context, integrationID, externalID string) (*models.SyncRecord, error) {
	if s == nil || s.db == nil || externalID == "" {
		return nil, nil
	}
	var item models.SyncRecord
	err := s.db.WithContext(ctx).
		Where("integration_id = ? AND external_id = ?", integrationID, externalID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSyncRecord(ctx context.Context, item *models.SyncRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.UpsertSyncRecordTx(ctx, s.db.WithContext(ctx), item)
}

func (s *Store) UpsertSyncRecordTx(ctx context.Context, tx *gorm.DB, item *models.SyncRecord) error {
	if tx == nil || item == nil || item.EventID == "" || item.IntegrationID == "" {
		return nil
	}
	item.UpdatedAt = time.Now().UTC()
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}, {Name: "integration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_id",
			"status",
			"local_version",
			"remote_version",
			"last_error",
			"retry_count",
			"conflict_snapshot",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) MarkSynced(ctx context.Context, eventID, integrationID, externalID string, localVersion, remoteVersion time.Time) error {
	ext := &externalID
	if externalID == "" {
		ext = nil
	}
	return s.UpsertSyncRecord(ctx, &models.SyncRecord{
		EventID:       eventID,
		IntegrationID: integrationID,
		ExternalID:    ext,
		Status:        models.SyncStatusSynced,
		LocalVersion:  localVersion,
		RemoteVersion: &remoteVersion,
		LastError:     nil,
		RetryCount:    0,
	})
}

// MarkConflictTx records a split-brain outcome inside the pull transaction,
// stamping the conflict status, both versions and the losing snapshot while
// preserving the external binding.
func (s *Store) MarkConflictTx(ctx context.Context, tx *gorm.DB, eventID, integrationID string, localVersion, remoteVersion time.Time, snapshot datatypes.JSON) error {
	if s == nil || tx == nil {
		return nil
	}
	var existing models.SyncRecord
	err := tx.WithContext(ctx).
		Where("event_id = ? AND integration_id = ?", eventID, integrationID).
		First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	item := &models.SyncRecord{
		EventID:          eventID,
		IntegrationID:    integrationID,
		Status:           models.SyncStatusConflict,
		LocalVersion:     localVersion,
		RemoteVersion:    &remoteVersion,
		ConflictSnapshot: snapshot,
	}
	if err == nil {
		item.ExternalID = existing.ExternalID
		item.RetryCount = existing.RetryCount
	}
	return s.UpsertSyncRecordTx(ctx, tx, item)
}

func (s *Store) MarkSyncFailed(ctx context.Context, eventID, integrationID, lastError string) error {
	if s == nil || s.db == nil {
		return nil
	}
	existing, err := s.GetSyncRecord(ctx, eventID, integrationID)
	if err != nil {
		return err
	}
	item := &models.SyncRecord{
		EventID:       eventID,
		IntegrationID: integrationID,
		Status:        models.SyncStatusFailed,
		LastError:     &lastError,
	}
	if existing != nil {
		item.ExternalID = existing.ExternalID
		item.LocalVersion = existing.LocalVersion
		item.RemoteVersion = existing.RemoteVersion
		item.RetryCount = existing.RetryCount + 1
		item.ConflictSnapshot = existing.ConflictSnapshot
	} else {
		item.RetryCount = 1
	}
	return s.UpsertSyncRecord(ctx, item)
}

func (s *Store) DeleteSyncRecord(ctx context.Context, eventID, integrationID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("event_id = ? AND integration_id = ?", eventID, integrationID).
		Delete(&models.SyncRecord{}).Error
}

func (s *Store) ListSyncRecords(ctx context.Context, params repository.ListSyncRecordsParams) ([]models.SyncRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SyncRecord{})
	if params.EventID != nil && strings.TrimSpace(*params.EventID) != "" {
		query = query.Where("event_id = ?", strings.TrimSpace(*params.EventID))
	}
	if params.IntegrationID != nil && strings.TrimSpace(*params.IntegrationID) != "" {
		query = query.Where("integration_id = ?", strings.TrimSpace(*params.IntegrationID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	var items []models.SyncRecord
	err := query.
		Order("updated_at desc").
		Limit(normalizeLimit(params.Limit, 200)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- queue ------------------------------------------------------------------

func (s *Store) EnqueueQueueItem(ctx context.Context, item *models.QueueItem) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	if s == nil || s.db == nil || id == "" {
		return nil, nil
	}
	var item models.QueueItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) DequeueReadyQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", models.QueuePending).
		Where("scheduled_for <= ?", now).
		// An integration with an item mid-flight keeps its whole lane out of
		// the batch; the claim guard below enforces the same rule atomically.
		Where("integration_id NOT IN (?)", s.db.
			Model(&models.QueueItem{}).
			Select("integration_id").
			Where("status = ?", models.QueueProcessing)).
		Order("scheduled_for asc, created_at asc").
		Limit(normalizeLimit(limit, 50)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	if s == nil || s.db == nil || id == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", id, models.QueuePending).
		// The claim only wins while the integration has nothing else
		// mid-flight, so deliveries stay ordered across overlapping batches.
		Where("NOT EXISTS (SELECT 1 FROM sync_queue_items busy WHERE busy.integration_id = sync_queue_items.integration_id AND busy.status = ? AND busy.id <> sync_queue_items.id)", models.QueueProcessing).
		Updates(map[string]any{
			"status":     models.QueueProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) UpdateQueueItem(ctx context.Context, item *models.QueueItem) error {
	if s == nil || s.db == nil || item == nil || item.ID == "" {
		return nil
	}
	item.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) RequeueQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	if s == nil || s.db == nil || id == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueFailed).
		Updates(map[string]any{
			"status":        models.QueuePending,
			"retry_count":   0,
			"scheduled_for": now,
			"last_error":    nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ConvertPendingPushesToDelete(ctx context.Context, eventID string, payload datatypes.JSON, now time.Time) (int64, error) {
	if s == nil || s.db == nil || eventID == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("event_id = ?", eventID).
		Where("status = ?", models.QueuePending).
		Where("operation IN ?", []string{models.OpPushCreate, models.OpPushUpdate}).
		Updates(map[string]any{
			"operation":  models.OpPushDelete,
			"payload":    payload,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) HasPendingPull(ctx context.Context, integrationID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Where("integration_id = ?", integrationID).
		Where("operation = ?", models.OpPullIncremental).
		Where("status = ?", models.QueuePending).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) ListQueueItems(ctx context.Context, params repository.ListQueueItemsParams) ([]models.QueueItem, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.QueueItem{})
	if params.IntegrationID != nil && strings.TrimSpace(*params.IntegrationID) != "" {
		query = query.Where("integration_id = ?", strings.TrimSpace(*params.IntegrationID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Operation != nil && strings.TrimSpace(*params.Operation) != "" {
		query = query.Where("operation = ?", strings.TrimSpace(*params.Operation))
	}
	var items []models.QueueItem
	err := query.
		Order("scheduled_for asc, created_at asc").
		Limit(normalizeLimit(params.Limit, 200)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) QueueStats(ctx context.Context) (repository.QueueStats, error) {
	var stats repository.QueueStats
	if s == nil || s.db == nil {
		return stats, nil
	}
	rows := []struct {
		Status string
		Count  int64
	}{}
	err := s.db.WithContext(ctx).
		Model(&models.QueueItem{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, row := range rows {
		switch row.Status {
		case models.QueuePending:
			stats.Pending = row.Count
		case models.QueueProcessing:
			stats.Processing = row.Count
		case models.QueueCompleted:
			stats.Completed = row.Count
		case models.QueueFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

func (s *Store) DeleteTerminalQueueItemsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.QueueCompleted, models.QueueFailed}).
		Where("updated_at < ?", before).
		Delete(&models.QueueItem{})
	return res.RowsAffected, res.Error
}

// --- integrations -----------------------------------------------------------

func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	if s == nil || s.db == nil || id == "" {
		return nil, nil
	}
	var item models.Integration
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetIntegrationByChannelID(ctx context.Context, channelID string) (*models.Integration, error) {
	if s == nil || s.db == nil || channelID == "" {
		return nil, nil
	}
	var item models.Integration
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListIntegrations(ctx context.Context) ([]models.Integration, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Integration
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertIntegration(ctx context.Context, item *models.Integration) error {
	if s == nil || s.db == nil || item == nil || strings.TrimSpace(item.ID) == "" {
		return nil
	}
	item.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_kind",
			"remote_calendar_id",
			"auth_ref",
			"direction",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) SaveIntegrationCursorTx(ctx context.Context, tx *gorm.DB, id, cursor string, pulledAt time.Time, stats datatypes.JSON) error {
	if tx == nil || id == "" {
		return nil
	}
	updates := map[string]any{
		"last_pull_at":    pulledAt,
		"last_pull_stats": stats,
		"updated_at":      pulledAt,
	}
	if cursor != "" {
		updates["cursor"] = cursor
	}
	return tx.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Store) UpdateIntegrationChannel(ctx context.Context, item *models.Integration) error {
	if s == nil || s.db == nil || item == nil || item.ID == "" {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"channel_id":          item.ChannelID,
			"channel_resource_id": item.ChannelResourceID,
			"channel_token":       item.ChannelToken,
			"channel_expires_at":  item.ChannelExpiresAt,
			"channel_state":       item.ChannelState,
			"updated_at":          time.Now().UTC(),
		}).Error
}

// DeleteIntegration removes the connection and cascades its ledger and queue
// rows in one transaction.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	if s == nil || s.db == nil || id == "" {
		return nil
	}
	return s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("integration_id = ?", id).Delete(&models.SyncRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("integration_id = ?", id).Delete(&models.QueueItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Integration{}).Error
	})
}

// --- helpers ----------------------------------------------------------------

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 || limit > 1000 {
		return fallback
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
