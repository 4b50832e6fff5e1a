package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"calsync/internal/models"
	"calsync/internal/provider"
)

func newTestPoller(repo *stubRepo, adapters ...provider.Adapter) *Poller {
	return &Poller{
		Repo:       repo,
		Providers:  provider.NewRegistry(adapters...),
		Logger:     zap.NewNop(),
		MaxRetries: 3,
	}
}

func TestEnqueuePollsTargetsPollOnlyProviders(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	poller := newTestPoller(repo,
		&stubPushAdapter{stubAdapter: stubAdapter{kind: "gcal"}},
		&stubAdapter{kind: "notion"},
	)

	repo.UpsertIntegration(ctx, mkIntegration("i-gcal", "gcal", models.DirectionBidirectional))
	repo.UpsertIntegration(ctx, mkIntegration("i-notion", "notion", models.DirectionBidirectional))
	repo.UpsertIntegration(ctx, mkIntegration("i-pushonly", "notion", models.DirectionPushOnly))

	n, err := poller.EnqueuePolls(ctx)
	if err != nil {
		t.Fatalf("polls: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the poll-only pull-enabled integration, got %d", n)
	}
	items, _ := repo.ListQueueItems(ctx, listQueueParams("i-notion", models.QueuePending))
	if len(items) != 1 || items[0].Operation != models.OpPullIncremental {
		t.Fatalf("expected one pull for i-notion, got %+v", items)
	}
}

func TestEnqueuePollsDedupesPendingPull(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	poller := newTestPoller(repo, &stubAdapter{kind: "notion"})

	repo.UpsertIntegration(ctx, mkIntegration("i1", "notion", models.DirectionBidirectional))

	if _, err := poller.EnqueuePolls(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	n, err := poller.EnqueuePolls(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending pull not deduped: %d", n)
	}

	// Once the pending pull is claimed, a fresh tick may enqueue again.
	items, _ := repo.ListQueueItems(ctx, listQueueParams("i1", models.QueuePending))
	if len(items) != 1 {
		t.Fatalf("expected one pending pull, got %d", len(items))
	}
	if ok, _ := repo.ClaimQueueItem(ctx, items[0].ID, time.Now().UTC()); !ok {
		t.Fatalf("claim failed")
	}
	n, err = poller.EnqueuePolls(ctx)
	if err != nil || n != 1 {
		t.Fatalf("post-claim tick should enqueue: n=%d err=%v", n, err)
	}
}
