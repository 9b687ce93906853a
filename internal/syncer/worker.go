// Package syncer owns scheduled reconciliation between the registration
// cache and the upstream platform: full rebuild, cursor-bounded incremental
// refresh, discrepancy detection and operator-triggered per-event repair.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/cache"
	"github.com/eventops/regcached/internal/upstream"
)

// Defaults for the periodic timer and the incremental staleness threshold.
const (
	DefaultInterval   = 5 * time.Minute
	DefaultStaleAfter = 15 * time.Minute
)

// ErrAlreadyRunning is returned by Start when the worker is running.
var ErrAlreadyRunning = errors.New("sync worker is already running")

// Stats are process-wide counters, reset only on restart.
type Stats struct {
	FullRuns        int           `json:"full_runs"`
	IncrementalRuns int           `json:"incremental_runs"`
	RecordsAdded    int           `json:"records_added"`
	RecordsUpdated  int           `json:"records_updated"`
	RecordsRemoved  int           `json:"records_removed"`
	Errors          int           `json:"errors"`
	LastRun         time.Time     `json:"last_run"`
	LastDuration    time.Duration `json:"last_duration"`
}

// Discrepancy reports a count mismatch between cache and upstream for one
// event. Detection only; repair happens through forced sync.
type Discrepancy struct {
	EventID       string `json:"event_id"`
	CachedCount   int    `json:"cached_count"`
	UpstreamCount int    `json:"upstream_count"`
	Difference    int    `json:"difference"`
	NeedsSync     bool   `json:"needs_sync"`
}

// Worker reconciles the cache with upstream. Start arms a periodic
// incremental sync after one immediate full sync; Stop disarms future ticks
// but does not cancel an in-flight run.
type Worker struct {
	cache      *cache.RecordCache
	upstream   upstream.Client
	interval   time.Duration
	staleAfter time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stats   Stats
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the periodic incremental sync interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithStaleAfter sets the cursor age beyond which an event becomes an
// incremental sync candidate.
func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) { w.staleAfter = d }
}

// New creates a sync worker over the given cache and upstream client.
func New(recordCache *cache.RecordCache, client upstream.Client, opts ...Option) *Worker {
	w := &Worker{
		cache:      recordCache,
		upstream:   client,
		interval:   DefaultInterval,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start performs one immediate full sync, then arms the periodic incremental
// sync timer. The returned error reflects the initial full sync; the timer
// stays armed regardless so periodic reconciliation can self-heal.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	logrus.WithField("interval", w.interval).Info("Starting sync worker")

	err := w.FullSync(ctx)
	if err != nil {
		logrus.WithError(err).Error("Initial full sync failed")
	}

	go w.run(runCtx)
	return err
}

// Stop disarms the periodic timer. An in-flight run completes normally.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	w.running = false
	logrus.Info("Sync worker stopped")
}

// Running reports whether the periodic timer is armed.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Detached from the run context so Stop disarms future ticks
			// without cancelling a sync already in flight.
			if err := w.IncrementalSync(context.WithoutCancel(ctx)); err != nil {
				logrus.WithError(err).Error("Scheduled incremental sync failed")
			}
		}
	}
}

// FullSync enumerates every upstream event and wholesale-replaces its cache
// entry. Per-event failures are logged and skipped; only a failure of the
// top-level enumeration aborts the run. Aggregate sync metadata is written
// regardless of partial failures.
func (w *Worker) FullSync(ctx context.Context) error {
	started := time.Now()
	logrus.Info("Starting full sync")

	events, err := w.upstream.ListEvents(ctx)
	if err != nil {
		w.recordRun("full", started, 0, fmt.Errorf("failed to enumerate events: %w", err))
		return fmt.Errorf("failed to enumerate events: %w", err)
	}

	synced := 0
	for _, event := range events {
		if err := w.syncEvent(ctx, event.ID, "full_sync"); err != nil {
			logrus.WithError(err).WithField("event_id", event.ID).Error("Failed to sync event, skipping")
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			continue
		}
		synced++
	}

	w.recordRun("full", started, synced, nil)
	logrus.WithFields(logrus.Fields{
		"events":   synced,
		"duration": time.Since(started),
	}).Info("Full sync completed")
	return nil
}

// syncEvent fetches all records for one event and replaces its cache entry,
// updating the add/update/remove counters against the previous ID list.
func (w *Worker) syncEvent(ctx context.Context, eventID, source string) error {
	raws, err := w.upstream.ListRecords(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to fetch records: %w", err)
	}

	recs := make([]*cache.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := cache.Normalize(raw)
		if err != nil {
			logrus.WithError(err).WithField("event_id", eventID).Warn("Quarantined unnormalizable record")
			continue
		}
		recs = append(recs, rec)
	}

	previous := make(map[string]bool)
	for _, id := range w.cache.EventRecordIDs(ctx, eventID) {
		previous[id] = true
	}

	if err := w.cache.ReplaceEvent(ctx, eventID, recs, source); err != nil {
		return err
	}

	added, updated := 0, 0
	current := make(map[string]bool, len(recs))
	for _, rec := range recs {
		current[rec.ID] = true
		if previous[rec.ID] {
			updated++
		} else {
			added++
		}
	}
	removed := 0
	for id := range previous {
		if !current[id] {
			removed++
		}
	}

	w.mu.Lock()
	w.stats.RecordsAdded += added
	w.stats.RecordsUpdated += updated
	w.stats.RecordsRemoved += removed
	w.mu.Unlock()
	return nil
}

// IncrementalSync refreshes events whose sync cursor is older than the
// staleness threshold. Strictly additive: deletions arrive only via webhook
// or full sync. Candidate order follows the store scan and carries no
// guarantee.
func (w *Worker) IncrementalSync(ctx context.Context) error {
	started := time.Now()
	now := time.Now().UTC()

	candidates := 0
	for _, eventID := range w.cache.EventIDs(ctx) {
		lastSync, ok := w.cache.LastSync(ctx, eventID)
		if ok && now.Sub(lastSync) < w.staleAfter {
			continue
		}
		candidates++

		raws, err := w.upstream.ListRecordsSince(ctx, eventID, lastSync)
		if err != nil {
			logrus.WithError(err).WithField("event_id", eventID).Error("Incremental fetch failed, skipping event")
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			continue
		}

		applied := 0
		for _, raw := range raws {
			rec, err := cache.Normalize(raw)
			if err != nil {
				logrus.WithError(err).WithField("event_id", eventID).Warn("Quarantined unnormalizable record")
				continue
			}
			if _, existed := w.cache.GetRecord(ctx, rec.ID); existed {
				w.mu.Lock()
				w.stats.RecordsUpdated++
				w.mu.Unlock()
			} else {
				w.mu.Lock()
				w.stats.RecordsAdded++
				w.mu.Unlock()
			}
			if w.cache.UpsertEventRecord(ctx, eventID, rec, "incremental_sync") {
				applied++
			}
		}

		w.cache.SetLastSync(ctx, eventID, now)
		if applied > 0 {
			logrus.WithFields(logrus.Fields{
				"event_id": eventID,
				"records":  applied,
			}).Info("Incremental sync applied records")
		}
	}

	w.recordRun("incremental", started, candidates, nil)
	return nil
}

// CheckDiscrepancies compares cached counts against upstream's authoritative
// counts for every cached event. Mismatches are reported, not repaired.
func (w *Worker) CheckDiscrepancies(ctx context.Context) ([]Discrepancy, error) {
	discrepancies := make([]Discrepancy, 0)

	for _, eventID := range w.cache.EventIDs(ctx) {
		cached, _ := w.cache.EventCount(ctx, eventID)

		authoritative, err := w.upstream.CountRecords(ctx, eventID)
		if err != nil {
			logrus.WithError(err).WithField("event_id", eventID).Error("Failed to count upstream records, skipping event")
			continue
		}

		diff := authoritative - cached
		if diff < 0 {
			diff = -diff
		}
		discrepancies = append(discrepancies, Discrepancy{
			EventID:       eventID,
			CachedCount:   cached,
			UpstreamCount: authoritative,
			Difference:    diff,
			NeedsSync:     diff != 0,
		})
	}

	return discrepancies, nil
}

// ForceEventSync synchronously rebuilds one event's cache entry and returns
// the resulting record count. Operator-triggered repair path.
func (w *Worker) ForceEventSync(ctx context.Context, eventID string) (int, error) {
	if err := w.syncEvent(ctx, eventID, "forced_sync"); err != nil {
		return 0, fmt.Errorf("forced sync of event %s failed: %w", eventID, err)
	}
	count, _ := w.cache.EventCount(ctx, eventID)
	logrus.WithFields(logrus.Fields{
		"event_id": eventID,
		"count":    count,
	}).Info("Forced event sync completed")
	return count, nil
}

// Stats returns a copy of the process-wide counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// recordRun updates counters and rewrites the persisted sync metadata.
func (w *Worker) recordRun(runType string, started time.Time, eventsSynced int, runErr error) {
	duration := time.Since(started)

	w.mu.Lock()
	switch runType {
	case "full":
		w.stats.FullRuns++
	case "incremental":
		w.stats.IncrementalRuns++
	}
	if runErr != nil {
		w.stats.Errors++
	}
	w.stats.LastRun = started.UTC()
	w.stats.LastDuration = duration
	snapshot := w.stats
	w.mu.Unlock()

	meta := &cache.SyncMetadata{
		LastRun:         snapshot.LastRun,
		LastRunType:     runType,
		LastDurationMS:  duration.Milliseconds(),
		FullRuns:        snapshot.FullRuns,
		IncrementalRuns: snapshot.IncrementalRuns,
		EventsSynced:    eventsSynced,
		RecordsAdded:    snapshot.RecordsAdded,
		RecordsUpdated:  snapshot.RecordsUpdated,
		RecordsRemoved:  snapshot.RecordsRemoved,
		Errors:          snapshot.Errors,
	}
	w.cache.WriteSyncMetadata(context.Background(), meta)
}
