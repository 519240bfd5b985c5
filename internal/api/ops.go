package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"guideline-ingest/internal/queue"
	"guideline-ingest/internal/telemetry"
)

// QueueInspector reads queue depth and retained records.
type QueueInspector interface {
	Counts(ctx context.Context) (queue.Counts, error)
	RecentCompleted(ctx context.Context) ([]queue.Record, error)
	RecentFailed(ctx context.Context) ([]queue.Record, error)
}

type queueResponse struct {
	Counts    queue.Counts   `json:"counts"`
	Completed []queue.Record `json:"completed"`
	Failed    []queue.Record `json:"failed"`
}

// OpsRouter serves the worker's operational endpoints: health, metrics and queue state.
func OpsRouter(q QueueInspector, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		var resp queueResponse
		var err error
		if resp.Counts, err = q.Counts(r.Context()); err == nil {
			if resp.Completed, err = q.RecentCompleted(r.Context()); err == nil {
				resp.Failed, err = q.RecentFailed(r.Context())
			}
		}
		if err != nil {
			log.ErrorContext(r.Context(), "ops.queue_failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read queue")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return r
}
