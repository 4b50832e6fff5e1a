package gcal

import (
	"strings"
	"time"

	"calsync/internal/models"
	"calsync/internal/provider"
)

type wireTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

type wireEvent struct {
	ID          string   `json:"id,omitempty"`
	Status      string   `json:"status,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	Start       wireTime `json:"start,omitempty"`
	End         wireTime `json:"end,omitempty"`
	Recurrence  []string `json:"recurrence,omitempty"`
	Updated     string   `json:"updated,omitempty"`
}

type wireEventList struct {
	Items         []wireEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
	NextSyncToken string      `json:"nextSyncToken,omitempty"`
}

type wireChannel struct {
	ID         string `json:"id"`
	Type       string `json:"type,omitempty"`
	Address    string `json:"address,omitempty"`
	Token      string `json:"token,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	Expiration int64  `json:"expiration,string,omitempty"`
}

const dateOnly = "2006-01-02"

func encodeEvent(event *models.CanonicalEvent) wireEvent {
	w := wireEvent{
		Summary: event.Title,
		Status:  "confirmed",
	}
	if event.Description != nil {
		w.Description = *event.Description
	}
	if event.Location != nil {
		w.Location = *event.Location
	}
	if event.AllDay {
		w.Start = wireTime{Date: event.StartAt.UTC().Format(dateOnly)}
		w.End = wireTime{Date: event.EndAt.UTC().Format(dateOnly)}
	} else {
		w.Start = wireTime{DateTime: event.StartAt.UTC().Format(time.RFC3339)}
		w.End = wireTime{DateTime: event.EndAt.UTC().Format(time.RFC3339)}
	}
	if event.RecurrenceRule != nil && *event.RecurrenceRule != "" {
		rule := *event.RecurrenceRule
		if !strings.HasPrefix(rule, "RRULE:") {
			rule = "RRULE:" + rule
		}
		w.Recurrence = []string{rule}
	}
	return w
}

func decodeEvent(w wireEvent) provider.RemoteEvent {
	remote := provider.RemoteEvent{
		ExternalID: w.ID,
		Deleted:    w.Status == "cancelled",
	}
	if w.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, w.Updated); err == nil {
			remote.UpdatedAt = ts.UTC()
		}
	}

	ev := models.CanonicalEvent{Title: w.Summary}
	if w.Description != "" {
		desc := w.Description
		ev.Description = &desc
	}
	if w.Location != "" {
		loc := w.Location
		ev.Location = &loc
	}
	if w.Start.Date != "" {
		ev.AllDay = true
		if ts, err := time.Parse(dateOnly, w.Start.Date); err == nil {
			ev.StartAt = ts.UTC()
		}
		if ts, err := time.Parse(dateOnly, w.End.Date); err == nil {
			ev.EndAt = ts.UTC()
		}
		// All-day ends are exclusive on the wire; more than one day apart
		// means a multi-day event.
		ev.MultiDay = ev.EndAt.Sub(ev.StartAt) > 24*time.Hour
	} else {
		if ts, err := time.Parse(time.RFC3339, w.Start.DateTime); err == nil {
			ev.StartAt = ts.UTC()
		}
		if ts, err := time.Parse(time.RFC3339, w.End.DateTime); err == nil {
			ev.EndAt = ts.UTC()
		}
		ev.MultiDay = !ev.StartAt.IsZero() && !ev.EndAt.IsZero() &&
			ev.StartAt.UTC().Truncate(24*time.Hour) != ev.EndAt.UTC().Truncate(24*time.Hour)
	}
	for _, line := range w.Recurrence {
		if strings.HasPrefix(line, "RRULE:") {
			rule := strings.TrimPrefix(line, "RRULE:")
			ev.RecurrenceRule = &rule
			break
		}
	}
	remote.Event = ev
	return remote
}
