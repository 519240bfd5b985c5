package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"guideline-ingest/internal/completion"
	"guideline-ingest/internal/models"
	"guideline-ingest/internal/store"
)

var (
	// ErrMalformedPayload is returned for a delivery without an event id or text.
	ErrMalformedPayload = errors.New("invalid job data")
	// ErrAlreadyFinished is returned when a redelivered job already reached a terminal status.
	ErrAlreadyFinished = errors.New("job already finished")
)

const unknownError = "Unknown error"

// JobStore is the set of job transitions the pipeline performs.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, eventID string, status models.Status) error
	UpdateJobResult(ctx context.Context, eventID, summary, checklist string) error
	UpdateJobError(ctx context.Context, eventID, message string) error
}

// Pipeline drives one job through summarize then checklist.
type Pipeline struct {
	store JobStore
	llm   completion.Client
	log   *slog.Logger
}

func NewPipeline(st JobStore, llm completion.Client, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: st, llm: llm, log: log}
}

// Process runs the pipeline for payload. Once the payload is accepted every failure is
// recorded on the job before it is returned.
func (p *Pipeline) Process(ctx context.Context, payload models.Payload) (models.Result, error) {
	if payload.EventID == "" || payload.Text == "" {
		return models.Result{}, ErrMalformedPayload
	}
	log := p.log.With("event_id", payload.EventID)

	if err := p.store.UpdateJobStatus(ctx, payload.EventID, models.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrNoTransition) {
			log.InfoContext(ctx, "job.skip_finished")
			return models.Result{}, fmt.Errorf("%w: %s", ErrAlreadyFinished, payload.EventID)
		}
		return models.Result{}, p.fail(ctx, log, payload.EventID, err)
	}
	log.InfoContext(ctx, "job.processing")

	summary, err := p.llm.SummarizeText(ctx, payload.Text)
	if err != nil {
		return models.Result{}, p.fail(ctx, log, payload.EventID, err)
	}

	checklist, err := p.llm.GenerateChecklist(ctx, summary)
	if err != nil {
		return models.Result{}, p.fail(ctx, log, payload.EventID, err)
	}

	if err := p.store.UpdateJobResult(ctx, payload.EventID, summary, checklist); err != nil {
		return models.Result{}, p.fail(ctx, log, payload.EventID, err)
	}
	log.InfoContext(ctx, "job.completed", "summary_chars", len(summary), "checklist_chars", len(checklist))
	return models.Result{Summary: summary, Checklist: checklist}, nil
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, eventID string, cause error) error {
	msg := cause.Error()
	if msg == "" {
		msg = unknownError
	}
	if err := p.store.UpdateJobError(ctx, eventID, msg); err != nil {
		log.ErrorContext(ctx, "job.record_failure_failed", "error", err, "cause", msg)
		return errors.Join(cause, err)
	}
	log.WarnContext(ctx, "job.failed", "error", msg)
	return cause
}
