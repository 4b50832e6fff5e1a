package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/repository"
)

// Change kinds reported by the local event store.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// Orchestrator composes the ledger, the queue and the provider adapters into
// push-on-write and pull-on-notify. It is the only entry point the event
// CRUD collaborator talks to.
type Orchestrator struct {
	Repo       repository.Repository
	Providers  *provider.Registry
	Logger     *zap.Logger
	MaxRetries int
}

// PushOutcome describes one integration's synchronous push attempt.
type PushOutcome struct {
	IntegrationID string `json:"integration_id"`
	Status        string `json:"status"`
	Enqueued      bool   `json:"enqueued"`
	Error         string `json:"error,omitempty"`
}

// OnLocalEventChanged attempts each push-enabled integration synchronously,
// records the outcome in the ledger and hands failures to the queue.
func (o *Orchestrator) OnLocalEventChanged(ctx context.Context, event *models.CanonicalEvent, changeKind string) ([]PushOutcome, error) {
	if event == nil {
		return nil, nil
	}

	if changeKind == ChangeDeleted {
		// A pending push for a deleted event must not resurrect it remotely:
		// convert the queued work to a delete in place before anything else.
		if err := o.convertPendingPushes(ctx, event); err != nil {
			return nil, err
		}
	}

	integrations, err := o.Repo.ListIntegrations(ctx)
	if err != nil {
		return nil, err
	}

	var outcomes []PushOutcome
	for i := range integrations {
		integ := integrations[i]
		if !integ.PushEnabled() {
			continue
		}
		outcome := o.pushToIntegration(ctx, &integ, event, changeKind)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (o *Orchestrator) convertPendingPushes(ctx context.Context, event *models.CanonicalEvent) error {
	raw, err := json.Marshal(pushPayload{Event: *event})
	if err != nil {
		return fmt.Errorf("failed to snapshot deleted event: %w", err)
	}
	converted, err := o.Repo.ConvertPendingPushesToDelete(ctx, event.ID, datatypes.JSON(raw), time.Now().UTC())
	if err != nil {
		return err
	}
	if converted > 0 && o.Logger != nil {
		o.Logger.Info("converted pending pushes to delete",
			zap.String("event_id", event.ID),
			zap.Int64("items", converted),
		)
	}
	return nil
}

func (o *Orchestrator) pushToIntegration(ctx context.Context, integ *models.Integration, event *models.CanonicalEvent, changeKind string) PushOutcome {
	outcome := PushOutcome{IntegrationID: integ.ID}

	adapter, err := o.Providers.Adapter(integ.ProviderKind)
	if err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	record, err := o.Repo.GetSyncRecord(ctx, event.ID, integ.ID)
	if err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	if changeKind == ChangeDeleted || event.Deleted() {
		return o.pushDelete(ctx, integ, adapter, event, record)
	}

	// Replaying an already-delivered version is a no-op: the ledger covers
	// this LocalVersion.
	if record != nil && record.Status == models.SyncStatusSynced && !event.LocalVersion.After(record.LocalVersion) {
		outcome.Status = models.SyncStatusSynced
		return outcome
	}

	op := models.OpPushCreate
	externalID := ""
	if record != nil && record.ExternalID != nil && *record.ExternalID != "" {
		// An external id in the ledger means create was already delivered;
		// the idempotent path is an update, never a second create.
		op = models.OpPushUpdate
		externalID = *record.ExternalID
	}

	var remoteVersion time.Time
	var pushErr error
	if op == models.OpPushCreate {
		externalID, remoteVersion, pushErr = adapter.Create(ctx, integ.RemoteCalendarID, event)
	} else {
		remoteVersion, pushErr = adapter.Update(ctx, integ.RemoteCalendarID, externalID, event)
	}

	if pushErr == nil {
		if err := o.Repo.MarkSynced(ctx, event.ID, integ.ID, externalID, event.LocalVersion, remoteVersion); err != nil {
			outcome.Status = models.SyncStatusFailed
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Status = models.SyncStatusSynced
		return outcome
	}

	return o.recordPushFailure(ctx, integ, event, op, externalID, pushErr)
}

func (o *Orchestrator) pushDelete(ctx context.Context, integ *models.Integration, adapter provider.Adapter, event *models.CanonicalEvent, record *models.SyncRecord) PushOutcome {
	outcome := PushOutcome{IntegrationID: integ.ID}

	if record == nil || record.ExternalID == nil || *record.ExternalID == "" {
		// Never delivered to this provider; nothing remote to remove.
		outcome.Status = models.SyncStatusSynced
		return outcome
	}

	if err := adapter.Delete(ctx, integ.RemoteCalendarID, *record.ExternalID); err != nil {
		return o.recordPushFailure(ctx, integ, event, models.OpPushDelete, *record.ExternalID, err)
	}
	if err := o.Repo.DeleteSyncRecord(ctx, event.ID, integ.ID); err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Status = models.SyncStatusSynced
	return outcome
}

func (o *Orchestrator) recordPushFailure(ctx context.Context, integ *models.Integration, event *models.CanonicalEvent, op, externalID string, pushErr error) PushOutcome {
	outcome := PushOutcome{IntegrationID: integ.ID, Error: pushErr.Error()}

	permanent := provider.IsPermanent(pushErr)
	status := models.SyncStatusPending
	if permanent {
		status = models.SyncStatusFailed
	}

	errText := pushErr.Error()
	if err := o.Repo.UpsertSyncRecord(ctx, &models.SyncRecord{
		EventID:       event.ID,
		IntegrationID: integ.ID,
		ExternalID:    optionalString(externalID),
		Status:        status,
		LocalVersion:  event.LocalVersion,
		LastError:     &errText,
	}); err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	scheduledFor := time.Now().UTC()
	if hint := provider.RetryAfter(pushErr); hint > 0 {
		scheduledFor = scheduledFor.Add(hint)
	}
	item, err := newPushQueueItem(op, integ.ID, event, externalID, o.MaxRetries, scheduledFor)
	if err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	if permanent {
		// Not retryable; parked for the operator's manual requeue path.
		item.Status = models.QueueFailed
		item.LastError = &errText
	}
	if err := o.Repo.EnqueueQueueItem(ctx, item); err != nil {
		outcome.Status = models.SyncStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Status = status
	outcome.Enqueued = true
	if o.Logger != nil {
		o.Logger.Warn("push deferred to queue",
			zap.String("event_id", event.ID),
			zap.String("integration_id", integ.ID),
			zap.String("operation", op),
			zap.Bool("permanent", permanent),
			zap.Error(pushErr),
		)
	}
	return outcome
}

// PullResult reports one incremental pull.
type PullResult struct {
	IntegrationID string `json:"integration_id"`
	Pulled        int    `json:"pulled"`
	Applied       int    `json:"applied"`
	Created       int    `json:"created"`
	Deleted       int    `json:"deleted"`
	Conflicts     int    `json:"conflicts"`
	Echoes        int    `json:"echoes"`
	NewCursor     string `json:"new_cursor,omitempty"`
}

// ProcessPull fetches changes past the integration's cursor, resolves each
// against the ledger and local store, and applies the winners. The per-event
// writes and the cursor advance commit in one transaction: a cursor that
// moved without its events would silently drop changes on a crash.
func (o *Orchestrator) ProcessPull(ctx context.Context, integ *models.Integration) (PullResult, error) {
	result := PullResult{IntegrationID: integ.ID}

	adapter, err := o.Providers.Adapter(integ.ProviderKind)
	if err != nil {
		return result, err
	}

	cursor := ""
	if integ.Cursor != nil {
		cursor = *integ.Cursor
	}
	set, err := adapter.FetchChangesSince(ctx, integ.RemoteCalendarID, cursor)
	if err != nil {
		return result, err
	}
	result.Pulled = len(set.Events)
	result.NewCursor = set.NextCursor

	type plannedApply struct {
		remote     provider.RemoteEvent
		record     *models.SyncRecord
		local      *models.CanonicalEvent
		resolution Resolution
	}

	plans := make([]plannedApply, 0, len(set.Events))
	for _, remote := range set.Events {
		record, err := o.Repo.GetSyncRecordByExternalID(ctx, integ.ID, remote.ExternalID)
		if err != nil {
			return result, err
		}
		var local *models.CanonicalEvent
		if record != nil {
			local, err = o.Repo.GetEvent(ctx, record.EventID)
			if err != nil {
				return result, err
			}
		}
		plans = append(plans, plannedApply{
			remote:     remote,
			record:     record,
			local:      local,
			resolution: ResolveConflict(local, record, remote),
		})
	}

	mergeTime := time.Now().UTC()
	var localWins []plannedApply

	err = o.Repo.InTx(ctx, func(tx *gorm.DB) error {
		for _, plan := range plans {
			switch plan.resolution.Winner {
			case WinnerNone:
				result.Echoes++

			case WinnerRemote:
				applied, created, deleted, err := o.applyRemoteTx(ctx, tx, integ, plan.remote, plan.record, plan.local, plan.resolution, mergeTime)
				if err != nil {
					return err
				}
				if applied {
					result.Applied++
				}
				if created {
					result.Created++
				}
				if deleted {
					result.Deleted++
				}
				if plan.resolution.SplitBrain {
					result.Conflicts++
				}

			case WinnerLocal:
				// The pending push proceeds; remember the loser for audit and
				// re-deliver the local state.
				if plan.resolution.SplitBrain {
					result.Conflicts++
					if err := o.Repo.MarkConflictTx(ctx, tx, plan.record.EventID, integ.ID, plan.record.LocalVersion, plan.remote.UpdatedAt, plan.resolution.LosingSnapshot); err != nil {
						return err
					}
				}
				localWins = append(localWins, plan)
			}
		}

		stats, _ := json.Marshal(result)
		return o.Repo.SaveIntegrationCursorTx(ctx, tx, integ.ID, set.NextCursor, mergeTime, stats)
	})
	if err != nil {
		return result, err
	}

	// Local winners get their push re-enqueued outside the batch transaction;
	// the ordinary push path owns delivery and its retries.
	for _, plan := range localWins {
		externalID := ""
		if plan.record != nil && plan.record.ExternalID != nil {
			externalID = *plan.record.ExternalID
		}
		op := models.OpPushUpdate
		if plan.local.Deleted() {
			op = models.OpPushDelete
		}
		item, err := newPushQueueItem(op, integ.ID, plan.local, externalID, o.MaxRetries, time.Now().UTC())
		if err != nil {
			return result, err
		}
		if err := o.Repo.EnqueueQueueItem(ctx, item); err != nil {
			return result, err
		}
	}

	if set.NextCursor != "" {
		integ.Cursor = &set.NextCursor
	}
	return result, nil
}

// applyRemoteTx writes one remote winner into the local store and the ledger.
func (o *Orchestrator) applyRemoteTx(ctx context.Context, tx *gorm.DB, integ *models.Integration, remote provider.RemoteEvent, record *models.SyncRecord, local *models.CanonicalEvent, resolution Resolution, mergeTime time.Time) (applied, created, deleted bool, err error) {
	if remote.Deleted {
		if local == nil || local.Deleted() {
			return false, false, false, nil
		}
		local.DeletedAt = &mergeTime
		local.LocalVersion = mergeTime
		local.UpdatedAt = mergeTime
		if err := o.Repo.UpsertEventTx(ctx, tx, local); err != nil {
			return false, false, false, err
		}
		if err := o.upsertPulledRecordTx(ctx, tx, integ.ID, local.ID, remote, resolution, mergeTime); err != nil {
			return false, false, false, err
		}
		return true, false, true, nil
	}

	event := remote.Event
	if local != nil {
		event.ID = local.ID
		event.CreatedAt = local.CreatedAt
	} else {
		event.ID = uuid.NewString()
		event.CreatedAt = mergeTime
		created = true
	}
	// Bumping LocalVersion to the merge time and mirroring it into the
	// ledger keeps the applied remote state from looking like a fresh local
	// edit, which would echo it straight back to the provider.
	event.LocalVersion = mergeTime
	event.UpdatedAt = mergeTime
	event.DeletedAt = nil

	if err := o.Repo.UpsertEventTx(ctx, tx, &event); err != nil {
		return false, false, false, err
	}
	if err := o.upsertPulledRecordTx(ctx, tx, integ.ID, event.ID, remote, resolution, mergeTime); err != nil {
		return false, false, false, err
	}
	return true, created, false, nil
}

func (o *Orchestrator) upsertPulledRecordTx(ctx context.Context, tx *gorm.DB, integrationID, eventID string, remote provider.RemoteEvent, resolution Resolution, mergeTime time.Time) error {
	if resolution.SplitBrain {
		return o.Repo.MarkConflictTx(ctx, tx, eventID, integrationID, mergeTime, remote.UpdatedAt, resolution.LosingSnapshot)
	}
	remoteVersion := remote.UpdatedAt
	return o.Repo.UpsertSyncRecordTx(ctx, tx, &models.SyncRecord{
		EventID:       eventID,
		IntegrationID: integrationID,
		ExternalID:    optionalString(remote.ExternalID),
		Status:        models.SyncStatusSynced,
		LocalVersion:  mergeTime,
		RemoteVersion: &remoteVersion,
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
