package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsync/internal/models"
	"calsync/internal/provider"
)

// Client is the push-capable calendar adapter. It implements
// provider.PushAdapter against a Google-Calendar-shaped REST API.
type Client struct {
	host       string
	httpClient *http.Client
	tokens     provider.TokenCapability
	channelTTL time.Duration
}

func NewClient(httpClient *http.Client, host string, tokens provider.TokenCapability, channelTTL time.Duration) *Client {
	if host == "" {
		host = "https://www.googleapis.com/calendar/v3"
	}
	host = strings.TrimRight(host, "/")
	if channelTTL <= 0 {
		channelTTL = 7 * 24 * time.Hour
	}
	return &Client{
		host:       host,
		httpClient: httpClient,
		tokens:     tokens,
		channelTTL: channelTTL,
	}
}

func (c *Client) Kind() string {
	return models.ProviderGoogleCalendar
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	body, err := c.doRequestOnce(ctx, method, path, query, payload, "")
	if !provider.IsAuth(err) {
		return body, err
	}
	// One refresh-and-retry pass on an auth failure.
	token, refreshErr := c.tokens.ForceRefresh(ctx)
	if refreshErr != nil {
		return nil, fmt.Errorf("auth failed and refresh failed: %w", refreshErr)
	}
	return c.doRequestOnce(ctx, method, path, query, payload, token)
}

func (c *Client) doRequestOnce(ctx context.Context, method, path string, query url.Values, payload any, token string) ([]byte, error) {
	if token == "" {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &provider.APIError{Status: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apiErr
	}
	return raw, nil
}

func (c *Client) Create(ctx context.Context, calendarID string, event *models.CanonicalEvent) (string, time.Time, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/calendars/"+url.PathEscape(calendarID)+"/events", nil, encodeEvent(event))
	if err != nil {
		return "", time.Time{}, err
	}
	var out wireEvent
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode created event: %w", err)
	}
	return out.ID, decodeEvent(out).UpdatedAt, nil
}

func (c *Client) Update(ctx context.Context, calendarID, externalID string, event *models.CanonicalEvent) (time.Time, error) {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(externalID)
	raw, err := c.doRequest(ctx, http.MethodPut, path, nil, encodeEvent(event))
	if err != nil {
		// Remote record already gone: converged, nothing to update.
		if provider.IsNotFound(err) {
			return time.Now().UTC(), nil
		}
		return time.Time{}, err
	}
	var out wireEvent
	if err := json.Unmarshal(raw, &out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode updated event: %w", err)
	}
	return decodeEvent(out).UpdatedAt, nil
}

func (c *Client) Delete(ctx context.Context, calendarID, externalID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(externalID)
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) FetchChangesSince(ctx context.Context, calendarID, cursor string) (provider.ChangeSet, error) {
	set, err := c.fetchChanges(ctx, calendarID, cursor)
	if err == nil {
		return set, nil
	}
	// A stale sync token comes back as 410 Gone; restart with a full fetch.
	if cursor != "" && provider.IsNotFound(err) {
		return c.fetchChanges(ctx, calendarID, "")
	}
	return provider.ChangeSet{}, err
}

func (c *Client) fetchChanges(ctx context.Context, calendarID, cursor string) (provider.ChangeSet, error) {
	var set provider.ChangeSet
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("showDeleted", "true")
		if cursor != "" {
			query.Set("syncToken", cursor)
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		raw, err := c.doRequest(ctx, http.MethodGet, "/calendars/"+url.PathEscape(calendarID)+"/events", query, nil)
		if err != nil {
			return provider.ChangeSet{}, err
		}
		var page wireEventList
		if err := json.Unmarshal(raw, &page); err != nil {
			return provider.ChangeSet{}, fmt.Errorf("failed to decode change page: %w", err)
		}
		for _, item := range page.Items {
			set.Events = append(set.Events, decodeEvent(item))
		}
		if page.NextPageToken == "" {
			set.NextCursor = page.NextSyncToken
			return set, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) RegisterWebhook(ctx context.Context, calendarID, callbackURL, token string) (provider.ChannelMetadata, error) {
	req := wireChannel{
		ID:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   token,
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/calendars/"+url.PathEscape(calendarID)+"/events/watch", nil, req)
	if err != nil {
		return provider.ChannelMetadata{}, err
	}
	var out wireChannel
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.ChannelMetadata{}, fmt.Errorf("failed to decode channel: %w", err)
	}
	meta := provider.ChannelMetadata{
		ChannelID:  out.ID,
		ResourceID: out.ResourceID,
		ExpiresAt:  time.UnixMilli(out.Expiration).UTC(),
	}
	if out.Expiration == 0 {
		meta.ExpiresAt = time.Now().UTC().Add(c.channelTTL)
	}
	return meta, nil
}

func (c *Client) RenewWebhook(ctx context.Context, calendarID string, meta provider.ChannelMetadata, callbackURL, token string) (provider.ChannelMetadata, error) {
	// Channels cannot be extended in place: stop the old one, then register
	// a replacement.
	if err := c.StopWebhook(ctx, calendarID, meta); err != nil {
		return provider.ChannelMetadata{}, err
	}
	return c.RegisterWebhook(ctx, calendarID, callbackURL, token)
}

// StopWebhook tears down a channel. The stop call needs both the channel id
// and the resource id Google assigned at registration; a missing channel is
// fine, it already lapsed.
func (c *Client) StopWebhook(ctx context.Context, _ string, meta provider.ChannelMetadata) error {
	stop := wireChannel{ID: meta.ChannelID, ResourceID: meta.ResourceID}
	if _, err := c.doRequest(ctx, http.MethodPost, "/channels/stop", nil, stop); err != nil && !provider.IsNotFound(err) {
		return err
	}
	return nil
}
