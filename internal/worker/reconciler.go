package worker

import (
	"context"
	"log/slog"
	"time"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/models"
	"guideline-ingest/internal/telemetry"
)

// PendingLister finds jobs that were created but never picked up.
type PendingLister interface {
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error)
}

// Enqueuer puts a payload on the work queue. It reports false when an entry for the same
// event id is already live.
type Enqueuer interface {
	Enqueue(ctx context.Context, p models.Payload) (bool, error)
}

// Reconciler re-enqueues pending jobs whose queue entry was lost, for example when the
// enqueue after job creation failed.
type Reconciler struct {
	store    PendingLister
	queue    Enqueuer
	interval time.Duration
	after    time.Duration
	batch    int
	log      *slog.Logger
}

func NewReconciler(cfg config.Config, st PendingLister, q Enqueuer, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:    st,
		queue:    q,
		interval: cfg.ReconcileInterval,
		after:    cfg.ReconcileAfter,
		batch:    cfg.ReconcileBatch,
		log:      log,
	}
}

// Run sweeps every interval until ctx is cancelled. A zero interval disables it.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.log.InfoContext(ctx, "reconciler.disabled")
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.WarnContext(ctx, "reconciler.sweep_failed", "error", err)
			}
		}
	}
}

// Sweep re-enqueues one batch of stale pending jobs and returns how many were added back.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.store.ListStalePending(ctx, r.after, r.batch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, job := range jobs {
		added, err := r.queue.Enqueue(ctx, models.Payload{EventID: job.EventID, Text: job.InputText})
		if err != nil {
			return requeued, err
		}
		if added {
			requeued++
			telemetry.OrphansRequeued.Inc()
			r.log.WarnContext(ctx, "reconciler.requeued", "event_id", job.EventID, "created_at", job.CreatedAt)
		}
	}
	return requeued, nil
}
