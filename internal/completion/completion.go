// Package completion turns guideline text into a summary and a checklist through a hosted
// text-generation model.
package completion

import (
	"context"
	"log/slog"
	"time"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/telemetry"
)

const (
	// FallbackSummary is returned when the model produced no summary text.
	FallbackSummary = "No summary generated"
	// FallbackChecklist is returned when the model produced no checklist text.
	FallbackChecklist = "No checklist generated"

	summarySystemPrompt   = "You are a helpful assistant that creates concise summaries of guidelines and documents."
	checklistSystemPrompt = "You are a helpful assistant that creates actionable checklists based on summaries."
)

// Client is the pair of operations the worker pipeline depends on.
type Client interface {
	SummarizeText(ctx context.Context, text string) (string, error)
	GenerateChecklist(ctx context.Context, summary string) (string, error)
}

// Request is a single system+user prompt sent to a model.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Model is a hosted provider able to complete one Request. An empty string with a nil
// error means the provider answered without content.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Service implements Client on top of a Model.
type Service struct {
	model       Model
	maxTokens   int
	temperature float32
	timeout     time.Duration
	log         *slog.Logger
}

// NewService wires a model with the length, temperature and deadline policy from cfg.
func NewService(model Model, cfg config.CompletionConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		log:         log,
	}
}

// SummarizeText asks the model for a concise summary of text.
func (s *Service) SummarizeText(ctx context.Context, text string) (string, error) {
	return s.complete(ctx, "summarize", Request{
		System: summarySystemPrompt,
		User:   "Please provide a concise summary of the following text:\n\n" + text,
	}, FallbackSummary)
}

// GenerateChecklist asks the model for an actionable checklist derived from summary.
func (s *Service) GenerateChecklist(ctx context.Context, summary string) (string, error) {
	return s.complete(ctx, "checklist", Request{
		System: checklistSystemPrompt,
		User:   "Based on this summary, create a practical checklist of action items:\n\n" + summary,
	}, FallbackChecklist)
}

func (s *Service) complete(ctx context.Context, op string, req Request, fallback string) (string, error) {
	req.MaxTokens = s.maxTokens
	req.Temperature = s.temperature
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.model.Complete(ctx, req)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case text == "":
		outcome = "empty"
	}
	telemetry.CompletionLatency.WithLabelValues(op, outcome).Observe(elapsed.Seconds())

	if err != nil {
		s.log.ErrorContext(ctx, "completion failed", "operation", op, "error", err, "elapsed_ms", elapsed.Milliseconds())
		return "", err
	}
	s.log.DebugContext(ctx, "completion finished", "operation", op, "outcome", outcome, "chars", len(text), "elapsed_ms", elapsed.Milliseconds())
	if text == "" {
		return fallback, nil
	}
	return text, nil
}
