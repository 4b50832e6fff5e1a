package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/repository"
)

// QueueWorker drains the durable retry queue. Items are claimed before
// processing so concurrent batch triggers cannot double-run one item, and a
// single integration's items run serially: out-of-order update/delete pairs
// against one external record would resurrect deleted events. Serialization
// holds across overlapping batches too. Dequeue skips integrations with an
// item mid-flight, the claim refuses to win while a sibling is processing,
// and a lost claim ends the lane instead of letting later items jump ahead.
type QueueWorker struct {
	Repo         repository.Repository
	Providers    *provider.Registry
	Orchestrator *Orchestrator
	Logger       *zap.Logger
	BatchLimit   int
}

// ItemOutcome is one processed item's result.
type ItemOutcome struct {
	ID            string `json:"id"`
	IntegrationID string `json:"integration_id"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// BatchResult is what one queue-processing trigger returns.
type BatchResult struct {
	Outcomes []ItemOutcome         `json:"outcomes"`
	Stats    repository.QueueStats `json:"stats"`
}

// ProcessBatch claims and processes one batch of ready items, parallel
// across integrations and serial within each.
func (w *QueueWorker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	limit := w.BatchLimit
	if limit <= 0 {
		limit = 50
	}
	items, err := w.Repo.DequeueReadyQueueItems(ctx, time.Now().UTC(), limit)
	if err != nil {
		return result, err
	}

	// Dequeue order is scheduledFor-ascending; grouping preserves it, so
	// each integration's lane keeps the total order.
	lanes := make(map[string][]models.QueueItem)
	var laneOrder []string
	for _, item := range items {
		if _, seen := lanes[item.IntegrationID]; !seen {
			laneOrder = append(laneOrder, item.IntegrationID)
		}
		lanes[item.IntegrationID] = append(lanes[item.IntegrationID], item)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, integrationID := range laneOrder {
		lane := lanes[integrationID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range lane {
				outcome := w.processItem(ctx, &lane[i])
				mu.Lock()
				result.Outcomes = append(result.Outcomes, outcome)
				mu.Unlock()
				if outcome.Status == "skipped" {
					// Someone else holds this lane; running the rest of it
					// here would deliver items out of order.
					break
				}
			}
		}()
	}
	wg.Wait()

	stats, err := w.Repo.QueueStats(ctx)
	if err != nil {
		return result, err
	}
	result.Stats = stats
	return result, nil
}

func (w *QueueWorker) processItem(ctx context.Context, item *models.QueueItem) ItemOutcome {
	outcome := ItemOutcome{
		ID:            item.ID,
		IntegrationID: item.IntegrationID,
		Operation:     item.Operation,
	}

	claimed, err := w.Repo.ClaimQueueItem(ctx, item.ID, time.Now().UTC())
	if err != nil {
		outcome.Status = "error"
		outcome.Error = err.Error()
		return outcome
	}
	if !claimed {
		// Another worker owns it.
		outcome.Status = "skipped"
		return outcome
	}
	item.Status = models.QueueProcessing

	integ, err := w.Repo.GetIntegration(ctx, item.IntegrationID)
	if err == nil && integ == nil {
		err = fmt.Errorf("integration %s no longer exists", item.IntegrationID)
	}
	if err != nil {
		return w.fail(ctx, item, outcome, err)
	}

	switch item.Operation {
	case models.OpPullIncremental:
		_, err = w.Orchestrator.ProcessPull(ctx, integ)
	case models.OpPushCreate, models.OpPushUpdate, models.OpPushDelete:
		err = w.processPush(ctx, integ, item)
	default:
		err = fmt.Errorf("unknown operation %q", item.Operation)
	}

	if err != nil {
		return w.retryOrFail(ctx, item, outcome, err)
	}

	item.Status = models.QueueCompleted
	item.LastError = nil
	if updateErr := w.Repo.UpdateQueueItem(ctx, item); updateErr != nil {
		outcome.Status = "error"
		outcome.Error = updateErr.Error()
		return outcome
	}
	outcome.Status = models.QueueCompleted
	return outcome
}

func (w *QueueWorker) processPush(ctx context.Context, integ *models.Integration, item *models.QueueItem) error {
	adapter, err := w.Providers.Adapter(integ.ProviderKind)
	if err != nil {
		return err
	}
	payload, err := decodePushPayload(item)
	if err != nil {
		return err
	}
	event := payload.Event

	// The ledger may have learned an external id since this item was
	// enqueued (an earlier create attempt that ultimately landed); re-check
	// so a retried create cannot produce a second external record.
	record, err := w.Repo.GetSyncRecord(ctx, event.ID, integ.ID)
	if err != nil {
		return err
	}
	externalID := payload.ExternalID
	if externalID == "" && record != nil && record.ExternalID != nil {
		externalID = *record.ExternalID
	}

	switch item.Operation {
	case models.OpPushDelete:
		if externalID == "" {
			return w.Repo.DeleteSyncRecord(ctx, event.ID, integ.ID)
		}
		if err := adapter.Delete(ctx, integ.RemoteCalendarID, externalID); err != nil {
			return err
		}
		return w.Repo.DeleteSyncRecord(ctx, event.ID, integ.ID)

	case models.OpPushCreate, models.OpPushUpdate:
		// The live row may have moved past this snapshot; never push stale
		// content over a newer delivery.
		if record != nil && record.Status == models.SyncStatusSynced && !event.LocalVersion.After(record.LocalVersion) {
			return nil
		}
		var remoteVersion time.Time
		if externalID == "" {
			externalID, remoteVersion, err = adapter.Create(ctx, integ.RemoteCalendarID, &event)
		} else {
			remoteVersion, err = adapter.Update(ctx, integ.RemoteCalendarID, externalID, &event)
		}
		if err != nil {
			return err
		}
		return w.Repo.MarkSynced(ctx, event.ID, integ.ID, externalID, event.LocalVersion, remoteVersion)

	default:
		return fmt.Errorf("unknown push operation %q", item.Operation)
	}
}

// retryOrFail applies the backoff policy: retryCount+1, then either
// scheduledFor = now + 2^retryCount minutes (a rate-limit hint can push it
// further) or, past maxRetries, the terminal failed state.
func (w *QueueWorker) retryOrFail(ctx context.Context, item *models.QueueItem, outcome ItemOutcome, cause error) ItemOutcome {
	if provider.IsPermanent(cause) {
		return w.fail(ctx, item, outcome, cause)
	}

	item.RetryCount++
	if item.RetryCount > item.MaxRetries {
		return w.fail(ctx, item, outcome, cause)
	}

	now := time.Now().UTC()
	backoff := time.Duration(math.Pow(2, float64(item.RetryCount))) * time.Minute
	if hint := provider.RetryAfter(cause); hint > backoff {
		backoff = hint
	}
	item.Status = models.QueuePending
	item.ScheduledFor = now.Add(backoff)
	errText := cause.Error()
	item.LastError = &errText

	if err := w.Repo.UpdateQueueItem(ctx, item); err != nil {
		outcome.Status = "error"
		outcome.Error = err.Error()
		return outcome
	}
	if w.Logger != nil {
		w.Logger.Warn("queue item scheduled for retry",
			zap.String("item_id", item.ID),
			zap.String("operation", item.Operation),
			zap.Int("retry_count", item.RetryCount),
			zap.Time("scheduled_for", item.ScheduledFor),
			zap.Error(cause),
		)
	}
	outcome.Status = models.QueuePending
	outcome.Error = errText
	return outcome
}

func (w *QueueWorker) fail(ctx context.Context, item *models.QueueItem, outcome ItemOutcome, cause error) ItemOutcome {
	item.Status = models.QueueFailed
	errText := cause.Error()
	item.LastError = &errText

	if err := w.Repo.UpdateQueueItem(ctx, item); err != nil {
		outcome.Status = "error"
		outcome.Error = err.Error()
		return outcome
	}
	if item.EventID != nil {
		if err := w.Repo.MarkSyncFailed(ctx, *item.EventID, item.IntegrationID, errText); err != nil && w.Logger != nil {
			w.Logger.Warn("failed to mark ledger failed", zap.Error(err))
		}
	}
	if w.Logger != nil {
		w.Logger.Error("queue item failed terminally",
			zap.String("item_id", item.ID),
			zap.String("operation", item.Operation),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(cause),
		)
	}
	outcome.Status = models.QueueFailed
	outcome.Error = errText
	return outcome
}

// RunPullNow performs an on-demand incremental pull through the queue's
// ordering discipline. The pull is recorded as a queue item and claimed like
// any other, so it cannot overtake deliveries already in flight for the
// integration. When the lane is busy the item stays pending for the worker to
// deliver in order, and executed is false.
func (w *QueueWorker) RunPullNow(ctx context.Context, integ *models.Integration) (PullResult, bool, error) {
	var result PullResult

	pending, err := w.Repo.HasPendingPull(ctx, integ.ID)
	if err != nil {
		return result, false, err
	}
	if pending {
		return result, false, nil
	}

	cursor := ""
	if integ.Cursor != nil {
		cursor = *integ.Cursor
	}
	item, err := newPullQueueItem(integ.ID, cursor, TriggerManual, 0)
	if err != nil {
		return result, false, err
	}
	if err := w.Repo.EnqueueQueueItem(ctx, item); err != nil {
		return result, false, err
	}

	claimed, err := w.Repo.ClaimQueueItem(ctx, item.ID, time.Now().UTC())
	if err != nil {
		return result, false, err
	}
	if !claimed {
		return result, false, nil
	}
	item.Status = models.QueueProcessing

	result, err = w.Orchestrator.ProcessPull(ctx, integ)
	if err != nil {
		w.retryOrFail(ctx, item, ItemOutcome{
			ID:            item.ID,
			IntegrationID: item.IntegrationID,
			Operation:     item.Operation,
		}, err)
		return result, true, err
	}

	item.Status = models.QueueCompleted
	item.LastError = nil
	if err := w.Repo.UpdateQueueItem(ctx, item); err != nil {
		return result, true, err
	}
	return result, true, nil
}

// Requeue puts a terminally failed item back into the pending state; this is
// the operator's manual re-enqueue path, never taken automatically.
func (w *QueueWorker) Requeue(ctx context.Context, id string) (bool, error) {
	return w.Repo.RequeueQueueItem(ctx, id, time.Now().UTC())
}

// CollectGarbage drops terminal items older than the retention window.
func (w *QueueWorker) CollectGarbage(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return w.Repo.DeleteTerminalQueueItemsBefore(ctx, time.Now().UTC().Add(-retention))
}
