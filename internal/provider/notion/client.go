package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const notionVersion = "2022-06-28"

// Client is the poll-only calendar adapter. It implements provider.Adapter
// against a Notion-shaped database API and deliberately does not implement
// provider.PushAdapter: there is no webhook mechanism to register.
type Client struct {
	host       string
	httpClient *http.Client
	tokens     provider.TokenCapability
}

func NewClient(httpClient *http.Client, host string, tokens provider.TokenCapability) *Client {
	if host == "" {
		host = "https://api.notion.com/v1"
	}
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
		tokens:     tokens,
	}
}

func (c *Client) Kind() string {
	return models.ProviderNotion
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := c.doRequestOnce(ctx, method, path, payload, "")
	if !provider.IsAuth(err) {
		return body, err
	}
	token, refreshErr := c.tokens.ForceRefresh(ctx)
	if refreshErr != nil {
		return nil, fmt.Errorf("auth failed and refresh failed: %w", refreshErr)
	}
	return c.doRequestOnce(ctx, method, path, payload, token)
}

func (c *Client) doRequestOnce(ctx context.Context, method, path string, payload any, token string) ([]byte, error) {
	if token == "" {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", notionVersion)
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

func (c *Client) Create(ctx context.Context, databaseID string, event *models.CanonicalEvent) (string, time.Time, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/pages", encodePage(databaseID, event))
	if err != nil {
		return "", time.Time{}, err
	}
	var out wirePage
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode created page: %w", err)
	}
	return out.ID, decodePage(out).UpdatedAt, nil
}

func (c *Client) Update(ctx context.Context, databaseID, externalID string, event *models.CanonicalEvent) (time.Time, error) {
	page := encodePage("", event)
	raw, err := c.doRequest(ctx, http.MethodPatch, "/pages/"+externalID, page)
	if err != nil {
		if provider.IsNotFound(err) {
			return time.Now().UTC(), nil
		}
		return time.Time{}, err
	}
	var out wirePage
	if err := json.Unmarshal(raw, &out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode updated page: %w", err)
	}
	return decodePage(out).UpdatedAt, nil
}

func (c *Client) Delete(ctx context.Context, databaseID, externalID string) error {
	// Notion has no hard delete over the API; archiving is the deletion.
	payload := map[string]any{"archived": true}
	_, err := c.doRequest(ctx, http.MethodPatch, "/pages/"+externalID, payload)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

// FetchChangesSince pages through the database ordered by last_edited_time.
// The cursor is the high-water mark of the previous pull; per-property edit
// granularity collapses into the page-level timestamp here, which is the
// finest signal the API exposes.
func (c *Client) FetchChangesSince(ctx context.Context, databaseID, cursor string) (provider.ChangeSet, error) {
	var set provider.ChangeSet
	set.NextCursor = cursor
	watermark := time.Time{}
	if cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return provider.ChangeSet{}, fmt.Errorf("malformed cursor %q: %w", cursor, err)
		}
		watermark = ts
	}

	maxSeen := watermark
	startCursor := ""
	for {
		req := queryRequest{
			Sorts:    []querySort{{Timestamp: "last_edited_time", Direction: "ascending"}},
			PageSize: 100,
		}
		if !watermark.IsZero() {
			req.Filter = &timeFilter{
				Timestamp:      "last_edited_time",
				LastEditedTime: &afterFilter{After: watermark.UTC().Format(time.RFC3339Nano)},
			}
		}
		if startCursor != "" {
			req.StartCursor = startCursor
		}

		raw, err := c.doRequest(ctx, http.MethodPost, "/databases/"+databaseID+"/query", req)
		if err != nil {
			return provider.ChangeSet{}, err
		}
		var page queryResponse
		if err := json.Unmarshal(raw, &page); err != nil {
			return provider.ChangeSet{}, fmt.Errorf("failed to decode query page: %w", err)
		}
		for _, item := range page.Results {
			remote := decodePage(item)
			set.Events = append(set.Events, remote)
			if remote.UpdatedAt.After(maxSeen) {
				maxSeen = remote.UpdatedAt
				set.NextCursor = maxSeen.UTC().Format(time.RFC3339Nano)
			}
		}
		if !page.HasMore || page.NextCursor == nil {
			return set, nil
		}
		startCursor = *page.NextCursor
	}
}
