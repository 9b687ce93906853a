package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/regcached/internal/cache"
	"github.com/eventops/regcached/internal/kv"
	"github.com/eventops/regcached/internal/upstream"
)

// fakeUpstream is an in-memory upstream.Client for worker tests.
type fakeUpstream struct {
	events       []upstream.Event
	records      map[string][]map[string]any
	recordsSince map[string][]map[string]any
	counts       map[string]int
	failEvents   map[string]bool
	failListing  bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		records:      make(map[string][]map[string]any),
		recordsSince: make(map[string][]map[string]any),
		counts:       make(map[string]int),
		failEvents:   make(map[string]bool),
	}
}

func (f *fakeUpstream) ListEvents(ctx context.Context) ([]upstream.Event, error) {
	if f.failListing {
		return nil, errors.New("upstream unavailable")
	}
	return f.events, nil
}

func (f *fakeUpstream) ListRecords(ctx context.Context, eventID string) ([]map[string]any, error) {
	if f.failEvents[eventID] {
		return nil, errors.New("upstream error for event")
	}
	return f.records[eventID], nil
}

func (f *fakeUpstream) ListRecordsSince(ctx context.Context, eventID string, since time.Time) ([]map[string]any, error) {
	if f.failEvents[eventID] {
		return nil, errors.New("upstream error for event")
	}
	return f.recordsSince[eventID], nil
}

func (f *fakeUpstream) CountRecords(ctx context.Context, eventID string) (int, error) {
	if count, ok := f.counts[eventID]; ok {
		return count, nil
	}
	return len(f.records[eventID]), nil
}

func (f *fakeUpstream) CreateRecord(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return payload, nil
}

func rawRecord(id, eventID string) map[string]any {
	return map[string]any{"id": id, "event_id": eventID, "first_name": "Ada"}
}

func newTestWorker(fake *fakeUpstream) (*Worker, *cache.RecordCache) {
	recordCache := cache.New(kv.NewMemoryStore())
	worker := New(recordCache, fake, WithInterval(time.Hour), WithStaleAfter(15*time.Minute))
	return worker, recordCache
}

func TestFullSyncIndexConsistency(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "e1"}, {ID: "e2"}}
	fake.records["e1"] = []map[string]any{rawRecord("r1", "e1"), rawRecord("r2", "e1")}
	fake.records["e2"] = []map[string]any{rawRecord("r3", "e2")}

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()

	require.NoError(t, worker.FullSync(ctx))

	for _, eventID := range []string{"e1", "e2"} {
		ids := recordCache.EventRecordIDs(ctx, eventID)
		count, ok := recordCache.EventCount(ctx, eventID)
		require.True(t, ok)
		assert.Equal(t, len(ids), count, "ID list length must equal the stored count for %s", eventID)
		for _, id := range ids {
			_, ok := recordCache.GetRecord(ctx, id)
			assert.True(t, ok, "ID %s must resolve to a record", id)
		}
	}

	stats := worker.Stats()
	assert.Equal(t, 1, stats.FullRuns)
	assert.Equal(t, 3, stats.RecordsAdded)

	meta, ok := recordCache.ReadSyncMetadata(ctx)
	require.True(t, ok)
	assert.Equal(t, "full", meta.LastRunType)
}

func TestFullSyncPartialFailureContinues(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "bad"}, {ID: "good"}}
	fake.failEvents["bad"] = true
	fake.records["good"] = []map[string]any{rawRecord("r1", "good")}

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()

	require.NoError(t, worker.FullSync(ctx), "Per-event failure must not abort the batch")

	count, ok := recordCache.EventCount(ctx, "good")
	require.True(t, ok)
	assert.Equal(t, 1, count)

	assert.Equal(t, 1, worker.Stats().Errors)

	_, ok = recordCache.ReadSyncMetadata(ctx)
	assert.True(t, ok, "Aggregate metadata is written despite partial failures")
}

func TestFullSyncEnumerationFailureAborts(t *testing.T) {
	fake := newFakeUpstream()
	fake.failListing = true

	worker, _ := newTestWorker(fake)
	require.Error(t, worker.FullSync(context.Background()))
}

func TestIncrementalSyncNeverDeletes(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "e1"}}
	fake.records["e1"] = []map[string]any{rawRecord("r1", "e1"), rawRecord("r2", "e1")}

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()
	require.NoError(t, worker.FullSync(ctx))

	// Make the event a candidate with zero new upstream records.
	recordCache.SetLastSync(ctx, "e1", time.Now().Add(-time.Hour))
	require.NoError(t, worker.IncrementalSync(ctx))

	count, ok := recordCache.EventCount(ctx, "e1")
	require.True(t, ok)
	assert.Equal(t, 2, count, "Zero new upstream records must leave the cached count unchanged")

	lastSync, ok := recordCache.LastSync(ctx, "e1")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), lastSync, time.Minute, "Cursor advances even with nothing to apply")
}

func TestIncrementalSyncAppliesNewRecords(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "e1"}}
	fake.records["e1"] = []map[string]any{rawRecord("r1", "e1")}

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()
	require.NoError(t, worker.FullSync(ctx))

	fake.recordsSince["e1"] = []map[string]any{rawRecord("r2", "e1")}
	recordCache.SetLastSync(ctx, "e1", time.Now().Add(-time.Hour))
	require.NoError(t, worker.IncrementalSync(ctx))

	count, ok := recordCache.EventCount(ctx, "e1")
	require.True(t, ok)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, worker.Stats().IncrementalRuns)
}

func TestIncrementalSyncSkipsFreshEvents(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "e1"}}
	fake.records["e1"] = []map[string]any{rawRecord("r1", "e1")}

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()
	require.NoError(t, worker.FullSync(ctx)) // sets a fresh cursor

	fake.recordsSince["e1"] = []map[string]any{rawRecord("r2", "e1")}
	require.NoError(t, worker.IncrementalSync(ctx))

	count, ok := recordCache.EventCount(ctx, "e1")
	require.True(t, ok)
	assert.Equal(t, 1, count, "Events with a fresh cursor are not candidates")
}

func TestDiscrepancyCheckAndForcedSync(t *testing.T) {
	fake := newFakeUpstream()
	fake.events = []upstream.Event{{ID: "e2"}}

	// Upstream knows 42 records; the cache will initially hold 40.
	upstreamRecords := make([]map[string]any, 0, 42)
	for i := 0; i < 42; i++ {
		upstreamRecords = append(upstreamRecords, rawRecord(fmt.Sprintf("rec-%d", i), "e2"))
	}
	fake.records["e2"] = upstreamRecords

	worker, recordCache := newTestWorker(fake)
	ctx := context.Background()

	cached := make([]*cache.Record, 0, 40)
	for i := 0; i < 40; i++ {
		cached = append(cached, &cache.Record{ID: fmt.Sprintf("rec-%d", i), EventID: "e2"})
	}
	require.NoError(t, recordCache.ReplaceEvent(ctx, "e2", cached, "full_sync"))

	discrepancies, err := worker.CheckDiscrepancies(ctx)
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, 2, discrepancies[0].Difference)
	assert.True(t, discrepancies[0].NeedsSync)

	count, err := worker.ForceEventSync(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, 42, count)

	discrepancies, err = worker.CheckDiscrepancies(ctx)
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, 0, discrepancies[0].Difference)
	assert.False(t, discrepancies[0].NeedsSync)
}

func TestStartStop(t *testing.T) {
	fake := newFakeUpstream()
	worker, _ := newTestWorker(fake)

	require.NoError(t, worker.Start(context.Background()))
	assert.True(t, worker.Running())

	assert.ErrorIs(t, worker.Start(context.Background()), ErrAlreadyRunning)

	worker.Stop()
	assert.False(t, worker.Running())
	worker.Stop() // idempotent
}
