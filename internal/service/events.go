package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"calsync/internal/models"
	"calsync/internal/repository"
)

// EventService is the local-write surface of the engine. Every mutation bumps
// LocalVersion before fan-out so the ledger can tell a genuine local edit
// from an echo of a merge it already applied.
type EventService struct {
	Repo         repository.Repository
	Orchestrator *Orchestrator
	Logger       *zap.Logger
}

// EventInput carries the writable fields of a canonical event.
type EventInput struct {
	Title          string     `json:"title" binding:"required"`
	Description    *string    `json:"description"`
	Location       *string    `json:"location"`
	StartAt        time.Time  `json:"start_at" binding:"required"`
	EndAt          time.Time  `json:"end_at" binding:"required"`
	AllDay         bool       `json:"all_day"`
	RecurrenceRule *string    `json:"recurrence_rule"`
}

func (in *EventInput) validate() error {
	if in.EndAt.Before(in.StartAt) {
		return fmt.Errorf("event ends before it starts")
	}
	return nil
}

func (in *EventInput) apply(event *models.CanonicalEvent, now time.Time) {
	event.Title = in.Title
	event.Description = in.Description
	event.Location = in.Location
	event.StartAt = in.StartAt.UTC()
	event.EndAt = in.EndAt.UTC()
	event.AllDay = in.AllDay
	event.MultiDay = !in.StartAt.UTC().Truncate(24 * time.Hour).Equal(in.EndAt.UTC().Truncate(24 * time.Hour))
	event.RecurrenceRule = in.RecurrenceRule
	event.LocalVersion = now
}

// CreateEvent persists a new canonical event and pushes it to every
// push-enabled integration.
func (s *EventService) CreateEvent(ctx context.Context, in *EventInput) (*models.CanonicalEvent, []PushOutcome, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	event := &models.CanonicalEvent{ID: uuid.NewString()}
	in.apply(event, now)
	if err := s.Repo.UpsertEvent(ctx, event); err != nil {
		return nil, nil, err
	}
	outcomes, err := s.Orchestrator.OnLocalEventChanged(ctx, event, ChangeCreated)
	return event, outcomes, err
}

// UpdateEvent applies the input to an existing event. Tombstoned events
// reject edits; the caller sees the same not-found as a missing row.
func (s *EventService) UpdateEvent(ctx context.Context, id string, in *EventInput) (*models.CanonicalEvent, []PushOutcome, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	event, err := s.Repo.GetEvent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if event == nil || event.Deleted() {
		return nil, nil, nil
	}
	in.apply(event, time.Now().UTC())
	if err := s.Repo.UpsertEvent(ctx, event); err != nil {
		return nil, nil, err
	}
	outcomes, err := s.Orchestrator.OnLocalEventChanged(ctx, event, ChangeUpdated)
	return event, outcomes, err
}

// DeleteEvent tombstones the event locally, then fans the delete out. The
// tombstone survives so a later remote mention of the event resolves as a
// known deletion instead of a resurrection.
func (s *EventService) DeleteEvent(ctx context.Context, id string) (*models.CanonicalEvent, []PushOutcome, error) {
	event, err := s.Repo.GetEvent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if event == nil {
		return nil, nil, nil
	}
	if event.Deleted() {
		return event, nil, nil
	}
	now := time.Now().UTC()
	event.DeletedAt = &now
	event.LocalVersion = now
	if err := s.Repo.UpsertEvent(ctx, event); err != nil {
		return nil, nil, err
	}
	outcomes, err := s.Orchestrator.OnLocalEventChanged(ctx, event, ChangeDeleted)
	return event, outcomes, err
}

// GetEvent returns a single event, tombstones included.
func (s *EventService) GetEvent(ctx context.Context, id string) (*models.CanonicalEvent, error) {
	return s.Repo.GetEvent(ctx, id)
}

// ListEvents lists live events by default; params opt tombstones in.
func (s *EventService) ListEvents(ctx context.Context, params repository.ListEventsParams) ([]models.CanonicalEvent, error) {
	return s.Repo.ListEvents(ctx, params)
}
