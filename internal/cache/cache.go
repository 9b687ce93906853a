package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/kv"
)

// Keyspace layout. Per-record bodies and per-event aggregates live under
// fixed prefixes; sync metadata is a single process-wide key.
const (
	recordKeyPrefix = "record:"
	eventKeyPrefix  = "event:"
	syncMetadataKey = "sync:metadata"
	cacheStatsKey   = "cache:stats"

	// ChangesChannel carries record change notifications for the realtime
	// fan-out layer.
	ChangesChannel = "changes:registrations"
)

func recordKey(id string) string          { return recordKeyPrefix + id }
func eventIDsKey(eventID string) string   { return eventKeyPrefix + eventID + ":record_ids" }
func eventRegsKey(eventID string) string  { return eventKeyPrefix + eventID + ":registrations" }
func eventCountKey(eventID string) string { return eventKeyPrefix + eventID + ":count" }
func eventMetaKey(eventID string) string  { return eventKeyPrefix + eventID + ":meta" }
func eventSyncKey(eventID string) string  { return eventKeyPrefix + eventID + ":last_sync" }

// EventMeta is the per-event aggregate metadata.
type EventMeta struct {
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

// Filter narrows GetEventRegistrations results. CheckInStatus accepts any
// upstream encoding and is normalized before matching; a nil GroupOnly means
// no group filtering. Limit zero means no limit.
type Filter struct {
	CheckInStatus string
	GroupOnly     *bool
	Limit         int
	Offset        int
}

// Stats is the process-wide derived aggregate over all cached events.
type Stats struct {
	Events  int            `json:"events"`
	Records int            `json:"records"`
	ByEvent map[string]int `json:"by_event"`
}

// SyncMetadata holds process-wide last-run statistics written by the sync
// worker.
type SyncMetadata struct {
	LastRun         time.Time `json:"last_run"`
	LastRunType     string    `json:"last_run_type"`
	LastDurationMS  int64     `json:"last_duration_ms"`
	FullRuns        int       `json:"full_runs"`
	IncrementalRuns int       `json:"incremental_runs"`
	EventsSynced    int       `json:"events_synced"`
	RecordsAdded    int       `json:"records_added"`
	RecordsUpdated  int       `json:"records_updated"`
	RecordsRemoved  int       `json:"records_removed"`
	Errors          int       `json:"errors"`
}

// ChangeEvent is published on ChangesChannel after every index mutation.
type ChangeEvent struct {
	Type     string `json:"type"` // upsert or delete
	EventID  string `json:"event_id"`
	RecordID string `json:"record_id"`
}

// RecordCache owns reads and writes of individual registration records and
// their event-scoped aggregates. Cache writes are best-effort relative to the
// authoritative upstream: they return false and log instead of propagating,
// and reads degrade to a miss so callers can fall back to upstream.
type RecordCache struct {
	store kv.Store
}

// New creates a record cache on the given store.
func New(store kv.Store) *RecordCache {
	return &RecordCache{store: store}
}

func (c *RecordCache) getJSON(ctx context.Context, key string, out any) bool {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache read failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache entry is not valid JSON")
		return false
	}
	return true
}

func (c *RecordCache) putJSON(ctx context.Context, key string, in any) bool {
	data, err := json.Marshal(in)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache marshal failed")
		return false
	}
	if err := c.store.Put(ctx, key, string(data)); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache write failed")
		return false
	}
	return true
}

// StoreRecord upserts a single record with indefinite retention. Idempotent.
func (c *RecordCache) StoreRecord(ctx context.Context, id string, rec *Record) bool {
	return c.putJSON(ctx, recordKey(id), rec)
}

// GetRecord retrieves a single record. A miss is (nil, false), never an
// error.
func (c *RecordCache) GetRecord(ctx context.Context, id string) (*Record, bool) {
	var rec Record
	if !c.getJSON(ctx, recordKey(id), &rec) {
		return nil, false
	}
	return &rec, true
}

// EventRecordIDs returns the cached record ID list for an event.
func (c *RecordCache) EventRecordIDs(ctx context.Context, eventID string) []string {
	var ids []string
	c.getJSON(ctx, eventIDsKey(eventID), &ids)
	return ids
}

// UpsertEventRecord upserts the record, adds its ID to the event list if
// absent and recomputes the derived aggregates. Idempotent under repeated
// identical calls.
func (c *RecordCache) UpsertEventRecord(ctx context.Context, eventID string, rec *Record, source string) bool {
	rec.EventID = eventID

	if !c.StoreRecord(ctx, rec.ID, rec) {
		return false
	}

	ids := c.EventRecordIDs(ctx, eventID)
	found := false
	for _, id := range ids {
		if id == rec.ID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, rec.ID)
	}
	if !c.putJSON(ctx, eventIDsKey(eventID), ids) {
		return false
	}

	if !c.rebuildEventAggregates(ctx, eventID, ids, source) {
		return false
	}

	c.publishChange(ctx, ChangeEvent{Type: "upsert", EventID: eventID, RecordID: rec.ID})
	return true
}

// RemoveEventRecord removes the record from the event list and recomputes the
// derived aggregates. The per-record key may persist if other indices still
// reference it.
func (c *RecordCache) RemoveEventRecord(ctx context.Context, eventID, recordID string) bool {
	ids := c.EventRecordIDs(ctx, eventID)
	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != recordID {
			remaining = append(remaining, id)
		}
	}

	if !c.putJSON(ctx, eventIDsKey(eventID), remaining) {
		return false
	}
	if !c.rebuildEventAggregates(ctx, eventID, remaining, "webhook") {
		return false
	}

	c.publishChange(ctx, ChangeEvent{Type: "delete", EventID: eventID, RecordID: recordID})
	return true
}

// ReplaceEvent wholesale-replaces one event's cache entry: record bodies, ID
// list, denormalized array, count, metadata and sync cursor. Used by full and
// forced sync.
func (c *RecordCache) ReplaceEvent(ctx context.Context, eventID string, recs []*Record, source string) error {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		rec.EventID = eventID
		if !c.StoreRecord(ctx, rec.ID, rec) {
			return fmt.Errorf("failed to store record %s for event %s", rec.ID, eventID)
		}
		ids = append(ids, rec.ID)
	}

	if !c.putJSON(ctx, eventIDsKey(eventID), ids) {
		return fmt.Errorf("failed to write record ID list for event %s", eventID)
	}
	if !c.rebuildEventAggregates(ctx, eventID, ids, source) {
		return fmt.Errorf("failed to write aggregates for event %s", eventID)
	}
	if !c.SetLastSync(ctx, eventID, time.Now().UTC()) {
		return fmt.Errorf("failed to write sync cursor for event %s", eventID)
	}

	c.publishChange(ctx, ChangeEvent{Type: "replace", EventID: eventID})
	return nil
}

// rebuildEventAggregates recomputes the denormalized registration array,
// count and metadata from the ID list. The writes are independent and
// non-atomic; a crash in between is repaired by the next sync pass.
func (c *RecordCache) rebuildEventAggregates(ctx context.Context, eventID string, ids []string, source string) bool {
	recs := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.GetRecord(ctx, id); ok {
			recs = append(recs, rec)
		}
	}

	if !c.putJSON(ctx, eventRegsKey(eventID), recs) {
		return false
	}
	if err := c.store.Put(ctx, eventCountKey(eventID), fmt.Sprintf("%d", len(ids))); err != nil {
		logrus.WithError(err).WithField("event_id", eventID).Warn("Failed to write event count")
		return false
	}
	return c.putJSON(ctx, eventMetaKey(eventID), EventMeta{UpdatedAt: time.Now().UTC(), Source: source})
}

func (c *RecordCache) publishChange(ctx context.Context, change ChangeEvent) {
	data, _ := json.Marshal(change)
	if err := c.store.Publish(ctx, ChangesChannel, string(data)); err != nil {
		logrus.WithError(err).WithField("event_id", change.EventID).Warn("Failed to publish change event")
	}
}

// GetEventRegistrations returns the event's records filtered by normalized
// check-in status and group flag, with offset/limit applied after filtering.
func (c *RecordCache) GetEventRegistrations(ctx context.Context, eventID string, filter Filter) []*Record {
	ids := c.EventRecordIDs(ctx, eventID)

	wantStatus := ""
	if filter.CheckInStatus != "" {
		wantStatus = NormalizeCheckIn(filter.CheckInStatus)
	}

	matched := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := c.GetRecord(ctx, id)
		if !ok {
			continue
		}
		if wantStatus != "" && rec.CheckInStatus != wantStatus {
			continue
		}
		if filter.GroupOnly != nil && rec.GroupMember != *filter.GroupOnly {
			continue
		}
		matched = append(matched, rec)
	}

	if filter.Offset >= len(matched) {
		return []*Record{}
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// EventCount returns the cached record count for an event.
func (c *RecordCache) EventCount(ctx context.Context, eventID string) (int, bool) {
	value, ok, err := c.store.Get(ctx, eventCountKey(eventID))
	if err != nil {
		logrus.WithError(err).WithField("event_id", eventID).Warn("Failed to read event count")
		return 0, false
	}
	if !ok {
		return 0, false
	}
	var count int
	if _, err := fmt.Sscanf(value, "%d", &count); err != nil {
		return 0, false
	}
	return count, true
}

// EventIDs returns the IDs of all cached events.
func (c *RecordCache) EventIDs(ctx context.Context) []string {
	pairs, err := c.store.List(ctx, eventKeyPrefix)
	if err != nil {
		logrus.WithError(err).Warn("Failed to list cached events")
		return nil
	}

	ids := make([]string, 0)
	for key := range pairs {
		if strings.HasSuffix(key, ":record_ids") {
			id := strings.TrimSuffix(strings.TrimPrefix(key, eventKeyPrefix), ":record_ids")
			ids = append(ids, id)
		}
	}
	return ids
}

// LastSync returns the event's incremental sync cursor.
func (c *RecordCache) LastSync(ctx context.Context, eventID string) (time.Time, bool) {
	value, ok, err := c.store.Get(ctx, eventSyncKey(eventID))
	if err != nil || !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// SetLastSync advances the event's incremental sync cursor.
func (c *RecordCache) SetLastSync(ctx context.Context, eventID string, ts time.Time) bool {
	if err := c.store.Put(ctx, eventSyncKey(eventID), ts.Format(time.RFC3339Nano)); err != nil {
		logrus.WithError(err).WithField("event_id", eventID).Warn("Failed to write sync cursor")
		return false
	}
	return true
}

// CacheStats aggregates per-event counts into a process-wide total and
// rewrites the derived aggregate key. Safe to recompute at any time.
func (c *RecordCache) CacheStats(ctx context.Context) Stats {
	stats := Stats{ByEvent: make(map[string]int)}
	for _, eventID := range c.EventIDs(ctx) {
		count, _ := c.EventCount(ctx, eventID)
		stats.ByEvent[eventID] = count
		stats.Records += count
		stats.Events++
	}
	c.putJSON(ctx, cacheStatsKey, stats)
	return stats
}

// ReadSyncMetadata returns the process-wide last-run sync statistics.
func (c *RecordCache) ReadSyncMetadata(ctx context.Context) (*SyncMetadata, bool) {
	var meta SyncMetadata
	if !c.getJSON(ctx, syncMetadataKey, &meta) {
		return nil, false
	}
	return &meta, true
}

// WriteSyncMetadata rewrites the process-wide sync statistics.
func (c *RecordCache) WriteSyncMetadata(ctx context.Context, meta *SyncMetadata) bool {
	return c.putJSON(ctx, syncMetadataKey, meta)
}
