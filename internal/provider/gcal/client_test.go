package gcal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"calsync/internal/models"
	"calsync/internal/provider"
)

type stubTokens struct {
	token        string
	refreshCalls int
}

func (s *stubTokens) Token(ctx context.Context) (string, error) { return s.token, nil }

func (s *stubTokens) ForceRefresh(ctx context.Context) (string, error) {
	s.refreshCalls++
	s.token = "fresh"
	return s.token, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *stubTokens, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &stubTokens{token: "stale"}
	client := NewClient(srv.Client(), srv.URL, tokens, 7*24*time.Hour)
	return client, tokens, srv
}

func testEvent() *models.CanonicalEvent {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return &models.CanonicalEvent{
		ID:           "e1",
		Title:        "standup",
		StartAt:      start,
		EndAt:        start.Add(30 * time.Minute),
		LocalVersion: start,
	}
}

func TestDeleteTreatsNotFoundAsConverged(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if err := client.Delete(context.Background(), "cal-1", "ext-1"); err != nil {
		t.Fatalf("404 delete should converge, got %v", err)
	}
}

func TestUpdateTreatsNotFoundAsConverged(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	version, err := client.Update(context.Background(), "cal-1", "ext-1", testEvent())
	if err != nil {
		t.Fatalf("410 update should converge, got %v", err)
	}
	if version.IsZero() {
		t.Fatalf("converged update must still report a version")
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, _, err := client.Create(context.Background(), "cal-1", testEvent())
	if !provider.IsRateLimit(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if hint := provider.RetryAfter(err); hint != 2*time.Minute {
		t.Fatalf("Retry-After not parsed: %v", hint)
	}
}

func TestAuthFailureRefreshesOnce(t *testing.T) {
	var attempts int
	client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"ext-1","updated":"2026-05-04T09:30:00Z"}`))
	})

	externalID, version, err := client.Create(context.Background(), "cal-1", testEvent())
	if err != nil {
		t.Fatalf("create after refresh: %v", err)
	}
	if externalID != "ext-1" {
		t.Fatalf("unexpected external id %q", externalID)
	}
	if version.IsZero() {
		t.Fatalf("remote version missing")
	}
	if tokens.refreshCalls != 1 || attempts != 2 {
		t.Fatalf("expected exactly one refresh-and-retry, got refreshes=%d attempts=%d", tokens.refreshCalls, attempts)
	}
}

func TestFetchChangesPagination(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("syncToken"); got != "sync-1" {
			t.Errorf("syncToken not forwarded: %q", got)
		}
		if r.URL.Query().Get("showDeleted") != "true" {
			t.Errorf("deleted events must be requested")
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			w.Write([]byte(`{
				"items":[{"id":"ext-1","summary":"a","status":"confirmed",
					"start":{"dateTime":"2026-05-04T09:00:00Z"},"end":{"dateTime":"2026-05-04T10:00:00Z"},
					"updated":"2026-05-04T11:00:00Z"}],
				"nextPageToken":"p2"}`))
		case "p2":
			w.Write([]byte(`{
				"items":[{"id":"ext-2","status":"cancelled","updated":"2026-05-04T12:00:00Z"}],
				"nextSyncToken":"sync-2"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	set, err := client.FetchChangesSince(context.Background(), "cal-1", "sync-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(set.Events) != 2 {
		t.Fatalf("expected both pages, got %d events", len(set.Events))
	}
	if set.Events[0].ExternalID != "ext-1" || set.Events[0].Deleted {
		t.Fatalf("first event decoded wrong: %+v", set.Events[0])
	}
	if !set.Events[1].Deleted {
		t.Fatalf("cancelled event must decode as deleted")
	}
	if set.NextCursor != "sync-2" {
		t.Fatalf("next sync token not captured: %q", set.NextCursor)
	}
}

func TestFetchChangesStaleCursorRestartsFull(t *testing.T) {
	var fullFetches int
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("syncToken") != "" {
			w.WriteHeader(http.StatusGone)
			return
		}
		fullFetches++
		w.Write([]byte(`{"items":[],"nextSyncToken":"sync-new"}`))
	})

	set, err := client.FetchChangesSince(context.Background(), "cal-1", "stale")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fullFetches != 1 {
		t.Fatalf("stale cursor should trigger one full resync, got %d", fullFetches)
	}
	if set.NextCursor != "sync-new" {
		t.Fatalf("fresh cursor not adopted: %q", set.NextCursor)
	}
}

func TestRegisterWebhookFallsBackToConfiguredTTL(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// No expiration on the response.
		w.Write([]byte(`{"id":"chan-1","resourceId":"res-1"}`))
	})
	before := time.Now().UTC()
	meta, err := client.RegisterWebhook(context.Background(), "cal-1", "https://example.com/hook", "tok")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if meta.ChannelID != "chan-1" || meta.ResourceID != "res-1" {
		t.Fatalf("metadata decoded wrong: %+v", meta)
	}
	if meta.ExpiresAt.Before(before.Add(6 * 24 * time.Hour)) {
		t.Fatalf("TTL fallback not applied: %v", meta.ExpiresAt)
	}
}

func TestRegisterWebhookParsesExpirationMillis(t *testing.T) {
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"chan-1","resourceId":"res-1","expiration":"1780272000000"}`))
	})
	meta, err := client.RegisterWebhook(context.Background(), "cal-1", "https://example.com/hook", "tok")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !meta.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiration not parsed: got %v want %v", meta.ExpiresAt, expiry)
	}
}

func TestAllDayRoundTripSetsExclusiveEnd(t *testing.T) {
	event := testEvent()
	event.AllDay = true
	event.StartAt = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	event.EndAt = time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)

	w := encodeEvent(event)
	if w.Start.Date != "2026-05-04" || w.End.Date != "2026-05-05" {
		t.Fatalf("all-day encoding wrong: %+v %+v", w.Start, w.End)
	}
	if w.Start.DateTime != "" {
		t.Fatalf("all-day events must use date, not dateTime")
	}

	w.ID = "ext-1"
	w.Updated = "2026-05-04T08:00:00Z"
	remote := decodeEvent(w)
	if !remote.Event.AllDay {
		t.Fatalf("all-day flag lost on decode")
	}
	if remote.Event.MultiDay {
		t.Fatalf("single-day all-day event marked multi-day")
	}
}

func TestRecurrenceRulePrefixNormalized(t *testing.T) {
	event := testEvent()
	rule := "FREQ=WEEKLY;BYDAY=MO"
	event.RecurrenceRule = &rule

	w := encodeEvent(event)
	if len(w.Recurrence) != 1 || w.Recurrence[0] != "RRULE:FREQ=WEEKLY;BYDAY=MO" {
		t.Fatalf("rule not prefixed: %+v", w.Recurrence)
	}

	remote := decodeEvent(w)
	if remote.Event.RecurrenceRule == nil || *remote.Event.RecurrenceRule != rule {
		t.Fatalf("rule not stripped on decode: %+v", remote.Event.RecurrenceRule)
	}
}
