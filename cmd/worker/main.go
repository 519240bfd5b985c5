package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	api "guideline-ingest/internal/api"
	"guideline-ingest/internal/completion"
	"guideline-ingest/internal/completion/gemini"
	"guideline-ingest/internal/completion/openai"
	"guideline-ingest/internal/config"
	"guideline-ingest/internal/logger"
	"guideline-ingest/internal/queue"
	"guideline-ingest/internal/store"
	workerproc "guideline-ingest/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCompletion(); err != nil {
		return err
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	client, err := queue.NewClient(cfg)
	if err != nil {
		return err
	}
	q := queue.NewRedisQueue(client, cfg)
	defer q.Close()

	model, err := newModel(ctx, cfg.Completion, log)
	if err != nil {
		return err
	}
	llm := completion.NewService(model, cfg.Completion, log)
	pipeline := workerproc.NewPipeline(st, llm, log)
	processor := workerproc.NewProcessor(cfg, q, pipeline.Process, log)
	reconciler := workerproc.NewReconciler(cfg, st, q, log)

	opsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.OpsRouter(q, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"provider", cfg.Completion.Provider,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout.String(),
		"max_attempts", cfg.MaxAttempts,
		"metrics_addr", cfg.MetricsAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		log.Info("shutting down, waiting for in-flight jobs")
		select {
		case runErr = <-done:
		case <-time.After(cfg.ShutdownTimeout):
			log.Warn("shutdown timeout elapsed with jobs still running")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	return runErr
}

func newModel(ctx context.Context, cfg config.CompletionConfig, log *slog.Logger) (completion.Model, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.Timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
