// Package webhook applies upstream push notifications for single-record
// changes to the registration cache.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/cache"
)

// ErrInvalidNotification marks a malformed or unparseable notification, or
// one missing the event ID needed to correlate it. Such notifications are
// rejected at the boundary and never retried.
var ErrInvalidNotification = errors.New("invalid webhook notification")

// Notification is the inbound push message from upstream. The payload may
// arrive as a structured object or as a JSON-encoded string, including a
// double-escaped-quote variant.
type Notification struct {
	EventType  string          `json:"event_type"` // create, update or delete
	EntityName string          `json:"target_entity_name"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"record_payload"`
}

// Ingester applies notifications for the monitored entity to the cache.
type Ingester struct {
	cache  *cache.RecordCache
	entity string
}

// NewIngester creates an ingester acting on notifications for the given
// entity name.
func NewIngester(recordCache *cache.RecordCache, entity string) *Ingester {
	return &Ingester{cache: recordCache, entity: entity}
}

// Ingest applies one raw notification body. Notifications for other entities
// are acknowledged without action. A returned ErrInvalidNotification means
// the sender must not retry; any other error means the cache write failed
// and upstream is expected to redeliver.
func (i *Ingester) Ingest(ctx context.Context, body []byte) error {
	var notification Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	if notification.EntityName != i.entity {
		logrus.WithFields(logrus.Fields{
			"entity": notification.EntityName,
			"type":   notification.EventType,
		}).Debug("Ignoring notification for unmonitored entity")
		return nil
	}

	switch notification.EventType {
	case "create", "update":
		return i.applyUpsert(ctx, &notification)
	case "delete":
		return i.applyDelete(ctx, &notification)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidNotification, notification.EventType)
	}
}

func (i *Ingester) applyUpsert(ctx context.Context, notification *Notification) error {
	payload, err := decodePayload(notification.Payload)
	if err != nil {
		return err
	}

	rec, err := cache.Normalize(payload)
	if err != nil {
		// Fall back to the envelope record ID before quarantining.
		if notification.RecordID != "" {
			payload["id"] = notification.RecordID
			rec, err = cache.Normalize(payload)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
	}

	if !i.cache.UpsertEventRecord(ctx, rec.EventID, rec, "webhook") {
		return fmt.Errorf("failed to apply %s for record %s", notification.EventType, rec.ID)
	}

	logrus.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"event_id":  rec.EventID,
		"type":      notification.EventType,
	}).Info("Applied webhook notification")
	return nil
}

func (i *Ingester) applyDelete(ctx context.Context, notification *Notification) error {
	if notification.RecordID == "" {
		return fmt.Errorf("%w: delete without record ID", ErrInvalidNotification)
	}

	rec, ok := i.cache.GetRecord(ctx, notification.RecordID)
	if !ok {
		// Unknown record: nothing to remove, acknowledge.
		logrus.WithField("record_id", notification.RecordID).Debug("Delete for uncached record, ignoring")
		return nil
	}

	if !i.cache.RemoveEventRecord(ctx, rec.EventID, notification.RecordID) {
		return fmt.Errorf("failed to apply delete for record %s", notification.RecordID)
	}

	logrus.WithFields(logrus.Fields{
		"record_id": notification.RecordID,
		"event_id":  rec.EventID,
	}).Info("Applied webhook delete")
	return nil
}

// decodePayload accepts the three wire variants of record_payload: a JSON
// object, a JSON-encoded string containing an object, and the same with
// double-escaped quotes.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidNotification)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		return payload, nil
	}

	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: payload is neither object nor string", ErrInvalidNotification)
	}

	if err := json.Unmarshal([]byte(wrapped), &payload); err == nil {
		return payload, nil
	}

	unescaped := strings.ReplaceAll(wrapped, `\"`, `"`)
	if err := json.Unmarshal([]byte(unescaped), &payload); err != nil {
		return nil, fmt.Errorf("%w: unparseable string payload", ErrInvalidNotification)
	}
	return payload, nil
}
