package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/eventops/regcached/internal/buffer"
	"github.com/eventops/regcached/internal/cache"
	"github.com/eventops/regcached/internal/syncer"
)

// registerAdminRoutes mounts the operator control surface: sync worker
// lifecycle and triggers, discrepancy checks, cache statistics and buffer
// queue administration.
func registerAdminRoutes(mux *http.ServeMux, worker *syncer.Worker, queue *buffer.Queue, recordCache *cache.RecordCache, submit buffer.SubmitFunc) {
	mux.HandleFunc("POST /admin/sync/start", func(w http.ResponseWriter, r *http.Request) {
		go func() {
			if err := worker.Start(context.Background()); err != nil && !errors.Is(err, syncer.ErrAlreadyRunning) {
				logrus.WithError(err).Error("Sync worker start failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"running": true})
	})

	mux.HandleFunc("POST /admin/sync/stop", func(w http.ResponseWriter, r *http.Request) {
		worker.Stop()
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
	})

	mux.HandleFunc("POST /admin/sync/full", func(w http.ResponseWriter, r *http.Request) {
		if err := worker.FullSync(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, worker.Stats())
	})

	mux.HandleFunc("POST /admin/sync/incremental", func(w http.ResponseWriter, r *http.Request) {
		if err := worker.IncrementalSync(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, worker.Stats())
	})

	mux.HandleFunc("POST /admin/sync/force/{event}", func(w http.ResponseWriter, r *http.Request) {
		count, err := worker.ForceEventSync(r.Context(), r.PathValue("event"))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event_id": r.PathValue("event"), "count": count})
	})

	mux.HandleFunc("GET /admin/sync/discrepancies", func(w http.ResponseWriter, r *http.Request) {
		discrepancies, err := worker.CheckDiscrepancies(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, discrepancies)
	})

	mux.HandleFunc("GET /admin/sync/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"running": worker.Running(),
			"stats":   worker.Stats(),
		})
	})

	mux.HandleFunc("GET /admin/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, recordCache.CacheStats(r.Context()))
	})

	mux.HandleFunc("GET /admin/buffer/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, queue.QueueStatus(r.Context()))
	})

	mux.HandleFunc("GET /admin/buffer/items", func(w http.ResponseWriter, r *http.Request) {
		items, err := queue.ListByStatus(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("GET /admin/buffer/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		item, ok, err := queue.GetItem(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, item)
	})

	mux.HandleFunc("POST /admin/buffer/items/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if err := queue.RetryOne(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retried": r.PathValue("id")})
	})

	mux.HandleFunc("POST /admin/buffer/sweep", func(w http.ResponseWriter, r *http.Request) {
		processed, err := queue.Sweep(r.Context(), submit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
	})

	mux.HandleFunc("POST /admin/buffer/cleanup", func(w http.ResponseWriter, r *http.Request) {
		removed, err := queue.CleanupCompleted(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
