package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"calsync/internal/models"
	"calsync/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// It mirrors the gorm store's semantics closely enough for the sync engine
// tests: idempotent upserts, pending-only claims, cursor saves.
type stubRepo struct {
	mu           sync.Mutex
	events       map[string]models.CanonicalEvent
	records      map[string]models.SyncRecord
	queue        map[string]models.QueueItem
	integrations map[string]models.Integration

	markConflictCalls int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		events:       make(map[string]models.CanonicalEvent),
		records:      make(map[string]models.SyncRecord),
		queue:        make(map[string]models.QueueItem),
		integrations: make(map[string]models.Integration),
	}
}

func recKey(eventID, integrationID string) string {
	return eventID + "|" + integrationID
}

func listQueueParams(integrationID, status string) repository.ListQueueItemsParams {
	return repository.ListQueueItemsParams{IntegrationID: &integrationID, Status: &status}
}

func listEventParams() repository.ListEventsParams {
	return repository.ListEventsParams{IncludeDeleted: true}
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubRepo) GetEvent(ctx context.Context, id string) (*models.CanonicalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.events[id]; ok {
		out := item
		return &out, nil
	}
	return nil, nil
}

func (s *stubRepo) UpsertEvent(ctx context.Context, item *models.CanonicalEvent) error {
	return s.UpsertEventTx(ctx, nil, item)
}

func (s *stubRepo) UpsertEventTx(ctx context.Context, tx *gorm.DB, item *models.CanonicalEvent) error {
	if item == nil || item.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[item.ID] = *item
	return nil
}

func (s *stubRepo) ListEvents(ctx context.Context, params repository.ListEventsParams) ([]models.CanonicalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CanonicalEvent
	for _, item := range s.events {
		if !params.IncludeDeleted && item.DeletedAt != nil {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (s *stubRepo) GetSyncRecord(ctx context.Context, eventID, integrationID string) (*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.records[recKey(eventID, integrationID)]; ok {
		out := item
		return &out, nil
	}
	return nil, nil
}

func (s *stubRepo) GetSyncRecordByExternalID(ctx context.Context, integrationID, externalID string) (*models.SyncRecord, error) {
	if externalID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.records {
		if item.IntegrationID == integrationID && item.ExternalID != nil && *item.ExternalID == externalID {
			out := item
			return &out, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) UpsertSyncRecord(ctx context.Context, item *models.SyncRecord) error {
	return s.UpsertSyncRecordTx(ctx, nil, item)
}

func (s *stubRepo) UpsertSyncRecordTx(ctx context.Context, tx *gorm.DB, item *models.SyncRecord) error {
	if item == nil || item.EventID == "" || item.IntegrationID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	s.records[recKey(item.EventID, item.IntegrationID)] = *item
	return nil
}

func (s *stubRepo) MarkSynced(ctx context.Context, eventID, integrationID, externalID string, localVersion, remoteVersion time.Time) error {
	var ext *string
	if externalID != "" {
		ext = &externalID
	}
	return s.UpsertSyncRecord(ctx, &models.SyncRecord{
		EventID:       eventID,
		IntegrationID: integrationID,
		ExternalID:    ext,
		Status:        models.SyncStatusSynced,
		LocalVersion:  localVersion,
		RemoteVersion: &remoteVersion,
	})
}

func (s *stubRepo) MarkConflictTx(ctx context.Context, tx *gorm.DB, eventID, integrationID string, localVersion, remoteVersion time.Time, snapshot datatypes.JSON) error {
	s.mu.Lock()
	s.markConflictCalls++
	s.mu.Unlock()
	existing, _ := s.GetSyncRecord(ctx, eventID, integrationID)
	item := &models.SyncRecord{
		EventID:          eventID,
		IntegrationID:    integrationID,
		Status:           models.SyncStatusConflict,
		LocalVersion:     localVersion,
		RemoteVersion:    &remoteVersion,
		ConflictSnapshot: snapshot,
	}
	if existing != nil {
		item.ExternalID = existing.ExternalID
		item.RetryCount = existing.RetryCount
	}
	return s.UpsertSyncRecord(ctx, item)
}

func (s *stubRepo) MarkSyncFailed(ctx context.Context, eventID, integrationID, lastError string) error {
	existing, _ := s.GetSyncRecord(ctx, eventID, integrationID)
	item := &models.SyncRecord{
		EventID:       eventID,
		IntegrationID: integrationID,
		Status:        models.SyncStatusFailed,
		LastError:     &lastError,
		RetryCount:    1,
	}
	if existing != nil {
		item.ExternalID = existing.ExternalID
		item.LocalVersion = existing.LocalVersion
		item.RemoteVersion = existing.RemoteVersion
		item.RetryCount = existing.RetryCount + 1
		item.ConflictSnapshot = existing.ConflictSnapshot
	}
	return s.UpsertSyncRecord(ctx, item)
}

func (s *stubRepo) DeleteSyncRecord(ctx context.Context, eventID, integrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recKey(eventID, integrationID))
	return nil
}

func (s *stubRepo) ListSyncRecords(ctx context.Context, params repository.ListSyncRecordsParams) ([]models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncRecord
	for _, item := range s.records {
		if params.EventID != nil && item.EventID != *params.EventID {
			continue
		}
		if params.IntegrationID != nil && item.IntegrationID != *params.IntegrationID {
			continue
		}
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *stubRepo) EnqueueQueueItem(ctx context.Context, item *models.QueueItem) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[item.ID] = *item
	return nil
}

func (s *stubRepo) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.queue[id]; ok {
		out := item
		return &out, nil
	}
	return nil, nil
}

func (s *stubRepo) DequeueReadyQueueItems(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[string]bool)
	for _, item := range s.queue {
		if item.Status == models.QueueProcessing {
			busy[item.IntegrationID] = true
		}
	}
	var out []models.QueueItem
	for _, item := range s.queue {
		if item.Status == models.QueuePending && !item.ScheduledFor.After(now) && !busy[item.IntegrationID] {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[id]
	if !ok || item.Status != models.QueuePending {
		return false, nil
	}
	for _, other := range s.queue {
		if other.ID != id && other.IntegrationID == item.IntegrationID && other.Status == models.QueueProcessing {
			return false, nil
		}
	}
	item.Status = models.QueueProcessing
	item.UpdatedAt = now
	s.queue[id] = item
	return true, nil
}

func (s *stubRepo) UpdateQueueItem(ctx context.Context, item *models.QueueItem) error {
	if item == nil || item.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	s.queue[item.ID] = *item
	return nil
}

func (s *stubRepo) RequeueQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[id]
	if !ok || item.Status != models.QueueFailed {
		return false, nil
	}
	item.Status = models.QueuePending
	item.RetryCount = 0
	item.ScheduledFor = now
	item.LastError = nil
	item.UpdatedAt = now
	s.queue[id] = item
	return true, nil
}

func (s *stubRepo) ConvertPendingPushesToDelete(ctx context.Context, eventID string, payload datatypes.JSON, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.queue {
		if item.EventID == nil || *item.EventID != eventID || item.Status != models.QueuePending {
			continue
		}
		if item.Operation != models.OpPushCreate && item.Operation != models.OpPushUpdate {
			continue
		}
		item.Operation = models.OpPushDelete
		item.Payload = payload
		item.UpdatedAt = now
		s.queue[id] = item
		n++
	}
	return n, nil
}

func (s *stubRepo) HasPendingPull(ctx context.Context, integrationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.queue {
		if item.IntegrationID == integrationID && item.Operation == models.OpPullIncremental && item.Status == models.QueuePending {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) ListQueueItems(ctx context.Context, params repository.ListQueueItemsParams) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueItem
	for _, item := range s.queue {
		if params.IntegrationID != nil && item.IntegrationID != *params.IntegrationID {
			continue
		}
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		if params.Operation != nil && item.Operation != *params.Operation {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *stubRepo) QueueStats(ctx context.Context) (repository.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats repository.QueueStats
	for _, item := range s.queue {
		switch item.Status {
		case models.QueuePending:
			stats.Pending++
		case models.QueueProcessing:
			stats.Processing++
		case models.QueueCompleted:
			stats.Completed++
		case models.QueueFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *stubRepo) DeleteTerminalQueueItemsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, item := range s.queue {
		if (item.Status == models.QueueCompleted || item.Status == models.QueueFailed) && item.UpdatedAt.Before(before) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.integrations[id]; ok {
		out := item
		return &out, nil
	}
	return nil, nil
}

func (s *stubRepo) GetIntegrationByChannelID(ctx context.Context, channelID string) (*models.Integration, error) {
	if channelID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.integrations {
		if item.ChannelID != nil && *item.ChannelID == channelID {
			out := item
			return &out, nil
		}
	}
	return nil, nil
}

func (s *stubRepo) ListIntegrations(ctx context.Context) ([]models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Integration
	for _, item := range s.integrations {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) UpsertIntegration(ctx context.Context, item *models.Integration) error {
	if item == nil || item.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations[item.ID] = *item
	return nil
}

func (s *stubRepo) SaveIntegrationCursorTx(ctx context.Context, tx *gorm.DB, id, cursor string, pulledAt time.Time, stats datatypes.JSON) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.integrations[id]
	if !ok {
		return nil
	}
	if cursor != "" {
		c := cursor
		item.Cursor = &c
	}
	t := pulledAt
	item.LastPullAt = &t
	item.LastPullStats = stats
	item.UpdatedAt = pulledAt
	s.integrations[id] = item
	return nil
}

func (s *stubRepo) UpdateIntegrationChannel(ctx context.Context, item *models.Integration) error {
	if item == nil || item.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.integrations[item.ID]
	if !ok {
		return nil
	}
	existing.ChannelID = item.ChannelID
	existing.ChannelResourceID = item.ChannelResourceID
	existing.ChannelToken = item.ChannelToken
	existing.ChannelExpiresAt = item.ChannelExpiresAt
	existing.ChannelState = item.ChannelState
	existing.UpdatedAt = time.Now().UTC()
	s.integrations[item.ID] = existing
	return nil
}

func (s *stubRepo) DeleteIntegration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.records {
		if item.IntegrationID == id {
			delete(s.records, key)
		}
	}
	for key, item := range s.queue {
		if item.IntegrationID == id {
			delete(s.queue, key)
		}
	}
	delete(s.integrations, id)
	return nil
}
