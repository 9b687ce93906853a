// Package upstream implements the client for the rate-limited authoritative
// data platform: paginated record listing by entity with a filter expression
// and continuation cursor, counts, and record creation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is an upstream event as returned by the event listing.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
}

// Client is the upstream query contract consumed by the sync worker and the
// buffer replay path.
type Client interface {
	// ListEvents enumerates every upstream event.
	ListEvents(ctx context.Context) ([]Event, error)
	// ListRecords fetches all records for one event through bounded
	// pagination.
	ListRecords(ctx context.Context, eventID string) ([]map[string]any, error)
	// ListRecordsSince fetches records created or modified after the given
	// cursor time.
	ListRecordsSince(ctx context.Context, eventID string, since time.Time) ([]map[string]any, error)
	// CountRecords returns upstream's authoritative record count for one
	// event.
	CountRecords(ctx context.Context, eventID string) (int, error)
	// CreateRecord submits a new registration to upstream.
	CreateRecord(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// RateLimitError is the expected, retryable rejection upstream returns when
// throttling. Writes hitting it are routed to the buffer queue instead of
// being treated as hard failures.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limit exceeded (retry after %s)", e.RetryAfter)
}

// IsRateLimited reports whether err is an upstream rate-limit rejection.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// Circuit breaker against runaway pagination: hard ceiling on records
// fetched in a single listing run.
const defaultMaxRecordsPerRun = 10000

const defaultPageSize = 100

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL          string
	token            string
	entity           string
	httpClient       *http.Client
	pageSize         int
	maxRecordsPerRun int
}

// NewHTTPClient creates an upstream client for the given base URL, static
// bearer token and monitored entity name.
func NewHTTPClient(baseURL, token, entity string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		entity:  entity,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pageSize:         defaultPageSize,
		maxRecordsPerRun: defaultMaxRecordsPerRun,
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode upstream response: %w", err)
		}
	}
	return nil
}

// ListEvents enumerates every upstream event
func (c *HTTPClient) ListEvents(ctx context.Context) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/events", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return resp.Events, nil
}

// ListRecords fetches all records for one event
func (c *HTTPClient) ListRecords(ctx context.Context, eventID string) ([]map[string]any, error) {
	filter := fmt.Sprintf("event_id eq '%s'", eventID)
	return c.listRecords(ctx, filter)
}

// ListRecordsSince fetches records created or modified after since
func (c *HTTPClient) ListRecordsSince(ctx context.Context, eventID string, since time.Time) ([]map[string]any, error) {
	filter := fmt.Sprintf("event_id eq '%s' and modified_at gt '%s'", eventID, since.UTC().Format(time.RFC3339))
	return c.listRecords(ctx, filter)
}

// listRecords walks the paginated record listing; the loop terminates when
// upstream omits the continuation cursor or the per-run ceiling is reached.
func (c *HTTPClient) listRecords(ctx context.Context, filter string) ([]map[string]any, error) {
	records := make([]map[string]any, 0)
	cursor := ""

	for {
		query := url.Values{}
		query.Set("entity", c.entity)
		query.Set("filter", filter)
		query.Set("page_size", strconv.Itoa(c.pageSize))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var page struct {
			Records []map[string]any `json:"records"`
			Cursor  string           `json:"cursor"`
		}
		if err := c.doRequest(ctx, http.MethodGet, "/v1/records?"+query.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list records: %w", err)
		}

		records = append(records, page.Records...)

		if len(records) >= c.maxRecordsPerRun {
			logrus.WithFields(logrus.Fields{
				"filter":  filter,
				"fetched": len(records),
				"ceiling": c.maxRecordsPerRun,
			}).Warn("Pagination ceiling reached, stopping record listing")
			return records[:c.maxRecordsPerRun], nil
		}

		// An empty page terminates the walk even if upstream still hands
		// out a cursor, so a misbehaving server cannot spin the loop.
		if page.Cursor == "" || len(page.Records) == 0 {
			return records, nil
		}
		cursor = page.Cursor
	}
}

// CountRecords returns upstream's authoritative record count for one event
func (c *HTTPClient) CountRecords(ctx context.Context, eventID string) (int, error) {
	query := url.Values{}
	query.Set("entity", c.entity)
	query.Set("filter", fmt.Sprintf("event_id eq '%s'", eventID))

	var resp struct {
		Count int `json:"count"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/records/count?"+query.Encode(), nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return resp.Count, nil
}

// CreateRecord submits a new registration to upstream
func (c *HTTPClient) CreateRecord(ctx context.Context, payload map[string]any) (map[string]any, error) {
	body := map[string]any{
		"entity": c.entity,
		"record": payload,
	}

	var resp struct {
		Record map[string]any `json:"record"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/records", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	return resp.Record, nil
}
