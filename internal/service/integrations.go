package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/repository"
)

// IntegrationService manages external calendar connections. Capability
// mismatches (an unknown provider kind, an unusable direction) are rejected
// here, at configuration time, so the sync paths never have to re-check.
type IntegrationService struct {
	Repo      repository.Repository
	Providers *provider.Registry
	Tokens    provider.TokenStore
	Logger    *zap.Logger
}

// IntegrationInput carries the caller-writable fields of an integration.
type IntegrationInput struct {
	ProviderKind     string `json:"provider_kind" binding:"required"`
	RemoteCalendarID string `json:"remote_calendar_id" binding:"required"`
	AuthRef          string `json:"auth_ref" binding:"required"`
	Direction        string `json:"direction"`
}

// Connect registers a new integration. The provider kind must have an
// adapter; the direction defaults to bidirectional.
func (s *IntegrationService) Connect(ctx context.Context, in *IntegrationInput) (*models.Integration, error) {
	if _, err := s.Providers.Adapter(in.ProviderKind); err != nil {
		return nil, err
	}
	if s.Tokens != nil {
		if _, err := s.Tokens.Capability(ctx, in.AuthRef); err != nil {
			return nil, err
		}
	}
	direction := in.Direction
	if direction == "" {
		direction = models.DirectionBidirectional
	}
	switch direction {
	case models.DirectionPushOnly, models.DirectionPullOnly, models.DirectionBidirectional:
	default:
		return nil, fmt.Errorf("unknown sync direction %q", direction)
	}

	integ := &models.Integration{
		ID:               uuid.NewString(),
		ProviderKind:     in.ProviderKind,
		RemoteCalendarID: in.RemoteCalendarID,
		AuthRef:          in.AuthRef,
		Direction:        direction,
		ChannelState:     models.ChannelUnregistered,
	}
	if err := s.Repo.UpsertIntegration(ctx, integ); err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("integration connected",
			zap.String("integration_id", integ.ID),
			zap.String("provider", integ.ProviderKind),
			zap.String("direction", integ.Direction),
		)
	}
	return integ, nil
}

// Disconnect removes the integration and everything scoped to it: ledger
// rows and queue items go in the same transaction, and the webhook channel
// is stopped best-effort afterwards. Canonical events stay.
func (s *IntegrationService) Disconnect(ctx context.Context, id string) (bool, error) {
	integ, err := s.Repo.GetIntegration(ctx, id)
	if err != nil {
		return false, err
	}
	if integ == nil {
		return false, nil
	}
	if err := s.Repo.DeleteIntegration(ctx, id); err != nil {
		return false, err
	}
	if integ.ChannelID != nil {
		if adapter, err := s.Providers.PushAdapter(integ.ProviderKind); err == nil {
			meta := provider.ChannelMetadata{ChannelID: *integ.ChannelID}
			if integ.ChannelResourceID != nil {
				meta.ResourceID = *integ.ChannelResourceID
			}
			if err := adapter.StopWebhook(ctx, integ.RemoteCalendarID, meta); err != nil && s.Logger != nil {
				s.Logger.Warn("failed to stop webhook channel",
					zap.String("integration_id", id),
					zap.String("channel_id", *integ.ChannelID),
					zap.Error(err),
				)
			}
		}
	}
	if s.Logger != nil {
		s.Logger.Info("integration disconnected",
			zap.String("integration_id", id),
			zap.String("provider", integ.ProviderKind),
		)
	}
	return true, nil
}

func (s *IntegrationService) Get(ctx context.Context, id string) (*models.Integration, error) {
	return s.Repo.GetIntegration(ctx, id)
}

func (s *IntegrationService) List(ctx context.Context) ([]models.Integration, error) {
	return s.Repo.ListIntegrations(ctx)
}
