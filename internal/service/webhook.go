package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/repository"
)

// Resource states carried by push notifications.
const (
	ResourceStateSync      = "sync"
	ResourceStateExists    = "exists"
	ResourceStateNotExists = "not-exists"
)

var (
	// ErrUnknownChannel covers notifications for channels this engine never
	// registered or already tore down, including replays of stale channel
	// ids after a disconnect.
	ErrUnknownChannel = errors.New("unknown webhook channel")
	ErrChannelExpired = errors.New("webhook channel expired")
)

// WebhookService owns the push-channel lifecycle
// (unregistered -> active -> expiring -> expired) and the ingestion of
// inbound notifications. The notification path does no provider I/O: it
// validates and enqueues, nothing else, so the HTTP response stays fast and
// the expensive fetch is retryable on its own schedule.
type WebhookService struct {
	Repo        repository.Repository
	Providers   *provider.Registry
	Logger      *zap.Logger
	CallbackURL string
	TokenSecret []byte
	RenewBefore time.Duration
	MaxRetries  int
}

type channelClaims struct {
	jwt.RegisteredClaims
}

func (s *WebhookService) signToken(integrationID string) (string, error) {
	if len(s.TokenSecret) == 0 {
		return "", fmt.Errorf("webhook token secret not configured")
	}
	claims := channelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  integrationID,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.TokenSecret)
}

func (s *WebhookService) verifyToken(token, integrationID string) error {
	if len(s.TokenSecret) == 0 {
		return fmt.Errorf("webhook token secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &channelClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.TokenSecret, nil
	})
	if err != nil {
		return err
	}
	claims, ok := parsed.Claims.(*channelClaims)
	if !ok || claims.Subject != integrationID {
		return fmt.Errorf("channel token does not match integration")
	}
	return nil
}

// EnsureChannels registers webhook channels for push-capable, pull-enabled
// integrations that have none. Poll-only kinds are screened out by the
// registry's capability check, which was already enforced when the
// integration was connected.
func (s *WebhookService) EnsureChannels(ctx context.Context) (int, error) {
	integrations, err := s.Repo.ListIntegrations(ctx)
	if err != nil {
		return 0, err
	}
	registered := 0
	for i := range integrations {
		integ := integrations[i]
		if !integ.PullEnabled() || !s.Providers.PushCapable(integ.ProviderKind) {
			continue
		}
		if integ.ChannelState != models.ChannelUnregistered && integ.ChannelState != models.ChannelExpired {
			continue
		}
		if err := s.registerChannel(ctx, &integ); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("webhook registration failed",
					zap.String("integration_id", integ.ID),
					zap.Error(err),
				)
			}
			continue
		}
		registered++
	}
	return registered, nil
}

func (s *WebhookService) registerChannel(ctx context.Context, integ *models.Integration) error {
	adapter, err := s.Providers.PushAdapter(integ.ProviderKind)
	if err != nil {
		return err
	}
	token, err := s.signToken(integ.ID)
	if err != nil {
		return err
	}
	meta, err := adapter.RegisterWebhook(ctx, integ.RemoteCalendarID, s.CallbackURL, token)
	if err != nil {
		return err
	}
	integ.ChannelID = &meta.ChannelID
	integ.ChannelResourceID = optionalString(meta.ResourceID)
	integ.ChannelToken = &token
	integ.ChannelExpiresAt = &meta.ExpiresAt
	integ.ChannelState = models.ChannelActive
	return s.Repo.UpdateIntegrationChannel(ctx, integ)
}

// RenewExpiring walks active channels, advances their state against the
// renewal window and renews those inside it. A channel whose expiry already
// passed is marked expired; EnsureChannels picks it up for re-registration.
func (s *WebhookService) RenewExpiring(ctx context.Context) (int, error) {
	integrations, err := s.Repo.ListIntegrations(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	renewBefore := s.RenewBefore
	if renewBefore <= 0 {
		renewBefore = 12 * time.Hour
	}

	renewed := 0
	for i := range integrations {
		integ := integrations[i]
		if integ.ChannelID == nil || integ.ChannelExpiresAt == nil {
			continue
		}
		switch integ.ChannelState {
		case models.ChannelActive, models.ChannelExpiring:
		default:
			continue
		}

		if integ.ChannelExpiresAt.Before(now) {
			integ.ChannelState = models.ChannelExpired
			if err := s.Repo.UpdateIntegrationChannel(ctx, &integ); err != nil {
				return renewed, err
			}
			continue
		}
		if integ.ChannelExpiresAt.Sub(now) > renewBefore {
			continue
		}

		integ.ChannelState = models.ChannelExpiring
		if err := s.renewChannel(ctx, &integ); err != nil {
			// Keep the expiring state visible; the next tick retries until
			// expiry makes it terminal.
			_ = s.Repo.UpdateIntegrationChannel(ctx, &integ)
			if s.Logger != nil {
				s.Logger.Warn("webhook renewal failed",
					zap.String("integration_id", integ.ID),
					zap.Error(err),
				)
			}
			continue
		}
		renewed++
	}
	return renewed, nil
}

func (s *WebhookService) renewChannel(ctx context.Context, integ *models.Integration) error {
	adapter, err := s.Providers.PushAdapter(integ.ProviderKind)
	if err != nil {
		return err
	}
	token, err := s.signToken(integ.ID)
	if err != nil {
		return err
	}
	meta := provider.ChannelMetadata{ChannelID: *integ.ChannelID}
	if integ.ChannelResourceID != nil {
		// Google refuses to stop the old channel without the resource id it
		// assigned at registration.
		meta.ResourceID = *integ.ChannelResourceID
	}
	if integ.ChannelExpiresAt != nil {
		meta.ExpiresAt = *integ.ChannelExpiresAt
	}
	next, err := adapter.RenewWebhook(ctx, integ.RemoteCalendarID, meta, s.CallbackURL, token)
	if err != nil {
		return err
	}
	integ.ChannelID = &next.ChannelID
	integ.ChannelResourceID = optionalString(next.ResourceID)
	integ.ChannelToken = &token
	integ.ChannelExpiresAt = &next.ExpiresAt
	integ.ChannelState = models.ChannelActive
	return s.Repo.UpdateIntegrationChannel(ctx, integ)
}

// HandleNotification validates an inbound push notification and enqueues the
// incremental pull. The returned boolean reports whether anything was
// enqueued (`sync` handshakes and duplicate pulls are acknowledged silently).
func (s *WebhookService) HandleNotification(ctx context.Context, channelID, token, resourceState string) (bool, error) {
	if channelID == "" {
		return false, ErrUnknownChannel
	}
	integ, err := s.Repo.GetIntegrationByChannelID(ctx, channelID)
	if err != nil {
		return false, err
	}
	if integ == nil {
		return false, ErrUnknownChannel
	}
	now := time.Now().UTC()
	if !integ.ChannelUsable(now) {
		return false, ErrChannelExpired
	}
	if err := s.verifyToken(token, integ.ID); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("webhook token rejected",
				zap.String("channel_id", channelID),
				zap.Error(err),
			)
		}
		return false, ErrUnknownChannel
	}

	if resourceState == ResourceStateSync {
		// Initial handshake after registration; acknowledged, nothing to do.
		return false, nil
	}

	pending, err := s.Repo.HasPendingPull(ctx, integ.ID)
	if err != nil {
		return false, err
	}
	if pending {
		// The queued pull reads the cursor at processing time and will pick
		// this change up too.
		return false, nil
	}

	cursor := ""
	if integ.Cursor != nil {
		cursor = *integ.Cursor
	}
	item, err := newPullQueueItem(integ.ID, cursor, TriggerWebhook, s.MaxRetries)
	if err != nil {
		return false, err
	}
	if err := s.Repo.EnqueueQueueItem(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}
