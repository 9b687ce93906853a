package main

import (
	"encoding/json"
	"net/http"

	"github.com/eventops/regcached/internal/buffer"
)

// registerSubmissionRoutes mounts the public write path. A submission goes
// straight upstream; when upstream is rate limiting, the payload lands in the
// buffer queue and the caller gets a deferred acknowledgement instead of an
// error.
func registerSubmissionRoutes(mux *http.ServeMux, queue *buffer.Queue, submit buffer.SubmitFunc) {
	mux.HandleFunc("POST /registrations", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		item, err := queue.SubmitOrBuffer(r.Context(), payload, submit)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		if item != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":  "deferred",
				"item_id": item.ID,
			})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok"})
	})
}
