// Package buffer implements the durable retry queue for writes upstream
// rejected due to rate limiting. Buffered items are replayed through the live
// submission path until they succeed or exhaust their attempt budget.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/kv"
	"github.com/eventops/regcached/internal/upstream"
)

// Item lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Well-known reason codes. Rate limiting is the expected, retryable case;
// validation failures are never buffered in the first place.
const (
	ReasonRateLimited = "rate_limited"
)

const (
	queueName     = "buffer:submissions"
	itemKeyPrefix = "buffer:item:"
)

// Item is one captured write intent.
type Item struct {
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	Reason      string         `json:"reason"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Status      string         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
}

// SubmitFunc replays one buffered payload through the live submission path.
type SubmitFunc func(ctx context.Context, payload map[string]any) error

// Status reports queue depth and store connectivity.
type Status struct {
	Depth     int64 `json:"depth"`
	Connected bool  `json:"connected"`
}

// Queue is a durable FIFO retry queue over the key-value store. Pending
// items live in the list; every item additionally keeps an inspection key so
// operators can list, examine and re-arm them.
type Queue struct {
	store       kv.Store
	maxAttempts int
	baseDelay   time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the per-item attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithBaseDelay sets the backoff unit; the delay before re-enqueueing a
// failed item is baseDelay multiplied by the attempt count.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) { q.baseDelay = d }
}

// New creates a buffer queue on the given store.
func New(store kv.Store, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		maxAttempts: 5,
		baseDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) saveItem(ctx context.Context, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal buffer item: %w", err)
	}
	if err := q.store.Put(ctx, itemKeyPrefix+item.ID, string(data)); err != nil {
		return fmt.Errorf("failed to save buffer item %s: %w", item.ID, err)
	}
	return nil
}

// Enqueue captures a write intent as a pending item with a fresh ID and a
// zeroed attempt counter.
func (q *Queue) Enqueue(ctx context.Context, payload map[string]any, reason string) (*Item, error) {
	item := &Item{
		ID:          uuid.NewString(),
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		Reason:      reason,
		MaxAttempts: q.maxAttempts,
		Status:      StatusPending,
	}

	if err := q.saveItem(ctx, item); err != nil {
		return nil, err
	}

	data, _ := json.Marshal(item)
	if err := q.store.RPush(ctx, queueName, string(data)); err != nil {
		return nil, fmt.Errorf("failed to enqueue buffer item: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"item_id": item.ID,
		"reason":  reason,
	}).Info("Buffered submission")
	return item, nil
}

// SubmitOrBuffer runs one payload through the live submission path. A
// rate-limited rejection is not a failure from the submitter's point of view:
// the payload is buffered for later replay and the captured item is returned
// so the caller can acknowledge the write as deferred. Any other submission
// error is returned as-is.
func (q *Queue) SubmitOrBuffer(ctx context.Context, payload map[string]any, submit SubmitFunc) (*Item, error) {
	err := submit(ctx, payload)
	if err == nil {
		return nil, nil
	}
	if !upstream.IsRateLimited(err) {
		return nil, err
	}

	item, enqueueErr := q.Enqueue(ctx, payload, ReasonRateLimited)
	if enqueueErr != nil {
		return nil, fmt.Errorf("rate limited and buffering failed: %w", enqueueErr)
	}
	logrus.WithFields(logrus.Fields{
		"item_id": item.ID,
	}).Info("Upstream rate limited, submission deferred to buffer queue")
	return item, nil
}

// DrainOne pops the oldest pending item and replays it through submit. A
// successful replay completes the item; a failed replay increments the
// attempt counter and re-enqueues after a base*attempts backoff, unless the
// attempt budget is exhausted, in which case the item is marked permanently
// failed. The returned bool reports whether an item was present.
func (q *Queue) DrainOne(ctx context.Context, submit SubmitFunc) (*Item, bool, error) {
	raw, ok, err := q.store.LPop(ctx, queueName)
	if err != nil {
		return nil, false, fmt.Errorf("failed to pop buffer queue: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, true, fmt.Errorf("corrupted buffer item dropped: %w", err)
	}

	if item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
		if err := q.saveItem(ctx, &item); err != nil {
			return &item, true, err
		}
		return &item, true, nil
	}

	item.Status = StatusProcessing
	if err := q.saveItem(ctx, &item); err != nil {
		return &item, true, err
	}

	submitErr := submit(ctx, item.Payload)
	if submitErr == nil {
		item.Status = StatusCompleted
		item.LastError = ""
		if err := q.saveItem(ctx, &item); err != nil {
			return &item, true, err
		}
		logrus.WithField("item_id", item.ID).Info("Buffered submission replayed successfully")
		return &item, true, nil
	}

	item.Attempts++
	item.LastError = submitErr.Error()

	if item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
		if err := q.saveItem(ctx, &item); err != nil {
			return &item, true, err
		}
		logrus.WithFields(logrus.Fields{
			"item_id":  item.ID,
			"attempts": item.Attempts,
		}).Error("Buffered submission failed permanently, manual intervention required")
		return &item, true, nil
	}

	delay := q.baseDelay * time.Duration(item.Attempts)
	logrus.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"attempts": item.Attempts,
		"delay":    delay,
	}).Warn("Buffered submission failed, re-enqueueing")

	select {
	case <-ctx.Done():
		return &item, true, ctx.Err()
	case <-time.After(delay):
	}

	item.Status = StatusPending
	if err := q.saveItem(ctx, &item); err != nil {
		return &item, true, err
	}
	data, _ := json.Marshal(item)
	if err := q.store.RPush(ctx, queueName, string(data)); err != nil {
		return &item, true, fmt.Errorf("failed to re-enqueue buffer item %s: %w", item.ID, err)
	}
	return &item, true, nil
}

// Sweep drains the queue until it is empty, replaying every due item once.
// Driven by a timer or an operator trigger.
func (q *Queue) Sweep(ctx context.Context, submit SubmitFunc) (int, error) {
	depth, err := q.store.QueueLen(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}

	processed := 0
	// Bounded by the starting depth so re-enqueued items wait for the next
	// sweep instead of spinning in this one.
	for i := int64(0); i < depth; i++ {
		_, ok, err := q.DrainOne(ctx, submit)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		processed++
	}
	return processed, nil
}

// QueueStatus reports queue depth and store connectivity.
func (q *Queue) QueueStatus(ctx context.Context) Status {
	depth, err := q.store.QueueLen(ctx, queueName)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read buffer queue depth")
	}
	return Status{
		Depth:     depth,
		Connected: q.store.Ping(ctx) == nil,
	}
}

// ListByStatus returns all items with the given status; an empty status
// returns everything.
func (q *Queue) ListByStatus(ctx context.Context, status string) ([]*Item, error) {
	pairs, err := q.store.List(ctx, itemKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list buffer items: %w", err)
	}

	items := make([]*Item, 0, len(pairs))
	for key, value := range pairs {
		var item Item
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Skipping corrupted buffer item")
			continue
		}
		if status == "" || item.Status == status {
			items = append(items, &item)
		}
	}
	return items, nil
}

// GetItem returns one item by ID.
func (q *Queue) GetItem(ctx context.Context, id string) (*Item, bool, error) {
	value, ok, err := q.store.Get(ctx, itemKeyPrefix+id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get buffer item %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var item Item
	if err := json.Unmarshal([]byte(value), &item); err != nil {
		return nil, false, fmt.Errorf("corrupted buffer item %s: %w", id, err)
	}
	return &item, true, nil
}

// RetryOne re-arms a permanently failed item: attempt counter reset, status
// pending, back onto the queue.
func (q *Queue) RetryOne(ctx context.Context, id string) error {
	item, ok, err := q.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("buffer item %s not found", id)
	}
	if item.Status != StatusFailed {
		return fmt.Errorf("buffer item %s is %s, only failed items can be retried", id, item.Status)
	}

	item.Attempts = 0
	item.Status = StatusPending
	item.LastError = ""
	if err := q.saveItem(ctx, item); err != nil {
		return err
	}
	data, _ := json.Marshal(item)
	if err := q.store.RPush(ctx, queueName, string(data)); err != nil {
		return fmt.Errorf("failed to re-enqueue buffer item %s: %w", id, err)
	}

	logrus.WithField("item_id", id).Info("Manually re-armed buffer item")
	return nil
}

// CleanupCompleted deletes all completed items and returns how many were
// removed.
func (q *Queue) CleanupCompleted(ctx context.Context) (int, error) {
	completed, err := q.ListByStatus(ctx, StatusCompleted)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, item := range completed {
		if err := q.store.Delete(ctx, itemKeyPrefix+item.ID); err != nil {
			logrus.WithError(err).WithField("item_id", item.ID).Warn("Failed to delete completed buffer item")
			continue
		}
		removed++
	}
	return removed, nil
}
