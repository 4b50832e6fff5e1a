package provider

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/models"
)

// RemoteEvent is a provider change mapped into canonical terms. UpdatedAt is
// the provider's own modification timestamp and drives conflict resolution.
type RemoteEvent struct {
	ExternalID string
	Event      models.CanonicalEvent
	UpdatedAt  time.Time
	Deleted    bool
}

// ChangeSet is one incremental fetch: the changed events plus the cursor to
// resume from next time.
type ChangeSet struct {
	Events     []RemoteEvent
	NextCursor string
}

// ChannelMetadata identifies a provider push channel.
type ChannelMetadata struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// Adapter translates between the canonical event representation and one
// provider's wire format. Implementations must treat not-found on Update and
// Delete as success: the remote record being gone already is convergence,
// not a fault.
type Adapter interface {
	Kind() string
	Create(ctx context.Context, calendarID string, event *models.CanonicalEvent) (externalID string, remoteVersion time.Time, err error)
	Update(ctx context.Context, calendarID, externalID string, event *models.CanonicalEvent) (remoteVersion time.Time, err error)
	Delete(ctx context.Context, calendarID, externalID string) error
	FetchChangesSince(ctx context.Context, calendarID, cursor string) (ChangeSet, error)
}

// PushAdapter is implemented only by push-capable providers. StopWebhook
// follows the same not-found-is-success rule as Delete.
type PushAdapter interface {
	Adapter
	RegisterWebhook(ctx context.Context, calendarID, callbackURL, token string) (ChannelMetadata, error)
	RenewWebhook(ctx context.Context, calendarID string, meta ChannelMetadata, callbackURL, token string) (ChannelMetadata, error)
	StopWebhook(ctx context.Context, calendarID string, meta ChannelMetadata) error
}

// Registry holds the configured adapters keyed by provider kind. Capability
// mismatches (asking a poll-only kind for webhooks) are caught here, at
// configuration time, never during a sync attempt.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

func (r *Registry) Adapter(kind string) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider kind %q", kind)
	}
	return a, nil
}

func (r *Registry) PushAdapter(kind string) (PushAdapter, error) {
	a, err := r.Adapter(kind)
	if err != nil {
		return nil, err
	}
	p, ok := a.(PushAdapter)
	if !ok {
		return nil, fmt.Errorf("provider kind %q is poll-only and cannot register webhooks", kind)
	}
	return p, nil
}

// PushCapable reports whether the kind's adapter can register webhooks.
func (r *Registry) PushCapable(kind string) bool {
	_, err := r.PushAdapter(kind)
	return err == nil
}
