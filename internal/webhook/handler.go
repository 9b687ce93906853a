package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Handler serves the inbound webhook ingestion endpoint. Invalid
// notifications are answered with 400 so upstream stops redelivering them;
// store failures are answered with 500 so it retries.
func Handler(ingester *Ingester) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		if err := ingester.Ingest(r.Context(), body); err != nil {
			if errors.Is(err, ErrInvalidNotification) {
				logrus.WithError(err).Warn("Rejected webhook notification")
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logrus.WithError(err).Error("Failed to ingest webhook notification")
			http.Error(w, "ingestion failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
