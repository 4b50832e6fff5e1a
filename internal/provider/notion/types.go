package notion

import (
	"time"

	"calsync/internal/models"
	"calsync/internal/provider"
)

type queryRequest struct {
	Filter      *timeFilter `json:"filter,omitempty"`
	Sorts       []querySort `json:"sorts,omitempty"`
	StartCursor string      `json:"start_cursor,omitempty"`
	PageSize    int         `json:"page_size,omitempty"`
}

type timeFilter struct {
	Timestamp      string        `json:"timestamp"`
	LastEditedTime *afterFilter  `json:"last_edited_time,omitempty"`
}

type afterFilter struct {
	After string `json:"after"`
}

type querySort struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type queryResponse struct {
	Results    []wirePage `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor"`
}

type wirePage struct {
	ID             string         `json:"id,omitempty"`
	Archived       bool           `json:"archived,omitempty"`
	LastEditedTime string         `json:"last_edited_time,omitempty"`
	Parent         *wireParent    `json:"parent,omitempty"`
	Properties     wireProperties `json:"properties"`
}

type wireParent struct {
	DatabaseID string `json:"database_id,omitempty"`
}

type wireProperties struct {
	Name        *titleProp `json:"Name,omitempty"`
	Description *textProp  `json:"Description,omitempty"`
	Location    *textProp  `json:"Location,omitempty"`
	Date        *dateProp  `json:"Date,omitempty"`
	AllDay      *checkProp `json:"All Day,omitempty"`
	Recurrence  *textProp  `json:"Recurrence,omitempty"`
}

type titleProp struct {
	Title []richText `json:"title"`
}

type textProp struct {
	RichText []richText `json:"rich_text"`
}

type richText struct {
	Text textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

type dateProp struct {
	Date *dateValue `json:"date"`
}

type dateValue struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

type checkProp struct {
	Checkbox bool `json:"checkbox"`
}

const dateOnly = "2006-01-02"

func plainText(s string) []richText {
	if s == "" {
		return []richText{}
	}
	return []richText{{Text: textContent{Content: s}}}
}

func joinText(parts []richText) string {
	out := ""
	for _, p := range parts {
		out += p.Text.Content
	}
	return out
}

func encodePage(databaseID string, event *models.CanonicalEvent) wirePage {
	page := wirePage{Properties: wireProperties{
		Name:   &titleProp{Title: plainText(event.Title)},
		AllDay: &checkProp{Checkbox: event.AllDay},
	}}
	if databaseID != "" {
		page.Parent = &wireParent{DatabaseID: databaseID}
	}
	if event.Description != nil {
		page.Properties.Description = &textProp{RichText: plainText(*event.Description)}
	}
	if event.Location != nil {
		page.Properties.Location = &textProp{RichText: plainText(*event.Location)}
	}
	if event.RecurrenceRule != nil {
		page.Properties.Recurrence = &textProp{RichText: plainText(*event.RecurrenceRule)}
	}
	date := &dateValue{}
	if event.AllDay {
		date.Start = event.StartAt.UTC().Format(dateOnly)
		date.End = event.EndAt.UTC().Format(dateOnly)
	} else {
		date.Start = event.StartAt.UTC().Format(time.RFC3339)
		date.End = event.EndAt.UTC().Format(time.RFC3339)
	}
	page.Properties.Date = &dateProp{Date: date}
	return page
}

func decodePage(page wirePage) provider.RemoteEvent {
	remote := provider.RemoteEvent{
		ExternalID: page.ID,
		Deleted:    page.Archived,
	}
	if page.LastEditedTime != "" {
		if ts, err := time.Parse(time.RFC3339, page.LastEditedTime); err == nil {
			remote.UpdatedAt = ts.UTC()
		}
	}

	var ev models.CanonicalEvent
	props := page.Properties
	if props.Name != nil {
		ev.Title = joinText(props.Name.Title)
	}
	if props.Description != nil {
		if s := joinText(props.Description.RichText); s != "" {
			ev.Description = &s
		}
	}
	if props.Location != nil {
		if s := joinText(props.Location.RichText); s != "" {
			ev.Location = &s
		}
	}
	if props.Recurrence != nil {
		if s := joinText(props.Recurrence.RichText); s != "" {
			ev.RecurrenceRule = &s
		}
	}
	if props.AllDay != nil {
		ev.AllDay = props.AllDay.Checkbox
	}
	if props.Date != nil && props.Date.Date != nil {
		ev.StartAt = parseFlexibleTime(props.Date.Date.Start, &ev)
		if props.Date.Date.End != "" {
			ev.EndAt = parseFlexibleTime(props.Date.Date.End, &ev)
		} else {
			ev.EndAt = ev.StartAt
		}
	}
	if !ev.StartAt.IsZero() && !ev.EndAt.IsZero() {
		if ev.AllDay {
			ev.MultiDay = ev.EndAt.Sub(ev.StartAt) > 24*time.Hour
		} else {
			ev.MultiDay = ev.StartAt.UTC().Truncate(24*time.Hour) != ev.EndAt.UTC().Truncate(24*time.Hour)
		}
	}
	remote.Event = ev
	return remote
}

// Notion date values carry either a bare date or RFC3339; a bare date also
// forces the all-day flag the way the source database models it.
func parseFlexibleTime(s string, ev *models.CanonicalEvent) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(dateOnly, s); err == nil {
		ev.AllDay = true
		return ts.UTC()
	}
	return time.Time{}
}
