package service

import (
	"context"

	"go.uber.org/zap"

	"calsync/internal/provider"
	"calsync/internal/repository"
)

// Poller schedules incremental pulls for integrations whose provider has no
// push channel. Push-capable providers are reached through webhooks; polling
// them too would only burn rate limit.
type Poller struct {
	Repo       repository.Repository
	Providers  *provider.Registry
	Logger     *zap.Logger
	MaxRetries int
}

// EnqueuePolls enqueues one incremental pull per poll-only, pull-enabled
// integration, skipping any that already has a pull waiting in the queue.
// Returns the number of pulls enqueued.
func (p *Poller) EnqueuePolls(ctx context.Context) (int, error) {
	integrations, err := p.Repo.ListIntegrations(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range integrations {
		integ := integrations[i]
		if !integ.PullEnabled() || p.Providers.PushCapable(integ.ProviderKind) {
			continue
		}
		pending, err := p.Repo.HasPendingPull(ctx, integ.ID)
		if err != nil {
			return enqueued, err
		}
		if pending {
			continue
		}

		cursor := ""
		if integ.Cursor != nil {
			cursor = *integ.Cursor
		}
		item, err := newPullQueueItem(integ.ID, cursor, TriggerPoll, p.MaxRetries)
		if err != nil {
			return enqueued, err
		}
		if err := p.Repo.EnqueueQueueItem(ctx, item); err != nil {
			return enqueued, err
		}
		enqueued++
		if p.Logger != nil {
			p.Logger.Debug("poll enqueued",
				zap.String("integration_id", integ.ID),
				zap.String("provider", integ.ProviderKind),
			)
		}
	}
	return enqueued, nil
}
