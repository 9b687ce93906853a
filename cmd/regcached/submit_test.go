package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/regcached/internal/buffer"
	"github.com/eventops/regcached/internal/kv"
	"github.com/eventops/regcached/internal/upstream"
)

func newSubmissionServer(submit buffer.SubmitFunc) (*httptest.Server, *buffer.Queue) {
	queue := buffer.New(kv.NewMemoryStore(), buffer.WithBaseDelay(time.Millisecond))
	mux := http.NewServeMux()
	registerSubmissionRoutes(mux, queue, submit)
	return httptest.NewServer(mux), queue
}

func TestSubmissionSuccess(t *testing.T) {
	server, queue := newSubmissionServer(func(ctx context.Context, payload map[string]any) error {
		assert.Equal(t, "r1", payload["id"])
		return nil
	})
	defer server.Close()

	resp, err := http.Post(server.URL+"/registrations", "application/json",
		strings.NewReader(`{"id":"r1","event_id":"e1","first_name":"Ada"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(0), queue.QueueStatus(context.Background()).Depth)
}

func TestSubmissionDeferredWhenRateLimited(t *testing.T) {
	server, queue := newSubmissionServer(func(ctx context.Context, payload map[string]any) error {
		return &upstream.RateLimitError{RetryAfter: 30 * time.Second}
	})
	defer server.Close()

	resp, err := http.Post(server.URL+"/registrations", "application/json",
		strings.NewReader(`{"id":"r1","event_id":"e1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode, "Rate limiting must look like a deferred success")

	var body struct {
		Status string `json:"status"`
		ItemID string `json:"item_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "deferred", body.Status)
	require.NotEmpty(t, body.ItemID)

	item, ok, err := queue.GetItem(context.Background(), body.ItemID)
	require.NoError(t, err)
	require.True(t, ok, "The deferred write must be waiting in the buffer queue")
	assert.Equal(t, buffer.ReasonRateLimited, item.Reason)
	assert.Equal(t, int64(1), queue.QueueStatus(context.Background()).Depth)
}

func TestSubmissionHardFailure(t *testing.T) {
	server, queue := newSubmissionServer(func(ctx context.Context, payload map[string]any) error {
		return context.DeadlineExceeded
	})
	defer server.Close()

	resp, err := http.Post(server.URL+"/registrations", "application/json",
		strings.NewReader(`{"id":"r1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(0), queue.QueueStatus(context.Background()).Depth)
}

func TestSubmissionRejectsMalformedBody(t *testing.T) {
	server, _ := newSubmissionServer(func(ctx context.Context, payload map[string]any) error {
		t.Fatal("submit must not run for a malformed body")
		return nil
	})
	defer server.Close()

	resp, err := http.Post(server.URL+"/registrations", "application/json",
		strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
