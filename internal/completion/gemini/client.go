// Package gemini completes prompts with Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"guideline-ingest/internal/completion"
)

// ErrContentBlocked is returned when the model refused to answer on safety grounds.
var ErrContentBlocked = errors.New("content blocked by safety filters")

// contentGenerator is the subset of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements completion.Model.
type Client struct {
	models contentGenerator
	model  string
	log    *slog.Logger
}

// NewClient creates a Gemini API client for model.
func NewClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newClient(client.Models, model, logger), nil
}

func newClient(models contentGenerator, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{models: models, model: model, log: logger}
}

// Complete sends req.System as the system instruction and req.User as the sole user turn.
// The text parts of the first candidate are concatenated; no candidates yields "".
func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	start := time.Now()
	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.User}},
	}}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		c.log.ErrorContext(ctx, "gemini.complete.error", "model", c.model, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		c.log.WarnContext(ctx, "gemini.complete.no_candidates", "model", c.model)
		return "", nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	c.log.DebugContext(ctx, "gemini.complete.ok", "model", c.model,
		"elapsed_ms", time.Since(start).Milliseconds())
	return b.String(), nil
}
