package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/models"
	"guideline-ingest/internal/queue"
	"guideline-ingest/internal/telemetry"
)

const maintenanceBatch = 100

// Handler executes one job payload.
type Handler func(ctx context.Context, payload models.Payload) (models.Result, error)

// Processor leases deliveries from the queue and runs them through a Handler on a bounded
// pool of goroutines.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	handler Handler
	log     *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, handler Handler, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{cfg: cfg, queue: q, handler: handler, log: log}
}

// Run consumes until ctx is cancelled. Handlers already running when ctx ends finish on a
// detached context; Run returns after they are settled.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < concurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(gctx, slot) })
	}
	return g.Wait()
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.WarnContext(ctx, "worker.dequeue_failed", "slot", slot, "error", err)
			p.sleep(ctx)
			continue
		}
		if d == nil {
			p.sleep(ctx)
			continue
		}
		p.handle(ctx, d)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle runs one delivery to completion regardless of shutdown and settles it on the queue.
func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	ctx = context.WithoutCancel(ctx)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stop := p.heartbeat(ctx, d)
	result, err := p.run(ctx, d)
	stop()

	p.settle(ctx, d, result, err)
}

func (p *Processor) run(ctx context.Context, d *queue.Delivery) (result models.Result, err error) {
	payload, err := d.Payload()
	if err != nil {
		return models.Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, payload)
}

// heartbeat keeps the lease of d alive until the returned stop function is called.
func (p *Processor) heartbeat(ctx context.Context, d *queue.Delivery) func() {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, d, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
					p.log.WarnContext(ctx, "worker.extend_lease_failed", "delivery", d.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Processor) settle(ctx context.Context, d *queue.Delivery, result models.Result, err error) {
	log := p.log.With("delivery", d.ID, "attempt", d.Attempts+1)
	var qErr error
	switch {
	case err == nil:
		qErr = p.queue.Complete(ctx, d, result)
		telemetry.JobsCompleted.Inc()
	case errors.Is(err, ErrAlreadyFinished):
		qErr = p.queue.Discard(ctx, d)
		log.InfoContext(ctx, "worker.discarded", "reason", err)
	case errors.Is(err, ErrMalformedPayload):
		qErr = p.queue.Fail(ctx, d, err)
		telemetry.JobsFailed.Inc()
		log.WarnContext(ctx, "worker.malformed_payload", "error", err)
	default:
		attempts := d.Attempts + 1
		if attempts < p.cfg.MaxAttempts {
			backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
			qErr = p.queue.Retry(ctx, d, time.Now().Add(backoff))
			telemetry.JobsRetried.Inc()
			log.WarnContext(ctx, "worker.retry_scheduled", "error", err, "backoff", backoff.String())
			break
		}
		qErr = p.queue.Fail(ctx, d, err)
		telemetry.JobsFailed.Inc()
		log.WarnContext(ctx, "worker.failed", "error", err)
	}
	if qErr != nil {
		// The lease expires and the delivery is handed out again.
		log.ErrorContext(ctx, "worker.settle_failed", "error", qErr)
	}
}

// maintain promotes due retries, requeues expired leases and refreshes queue gauges.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.maintainOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) maintainOnce(ctx context.Context) {
	now := time.Now()
	if n, err := p.queue.PromoteDelayed(ctx, now, maintenanceBatch); err != nil {
		p.log.WarnContext(ctx, "worker.promote_failed", "error", err)
	} else if n > 0 {
		p.log.DebugContext(ctx, "worker.promoted", "count", n)
	}
	if ids, err := p.queue.RequeueExpired(ctx, now, maintenanceBatch); err != nil {
		p.log.WarnContext(ctx, "worker.requeue_failed", "error", err)
	} else if len(ids) > 0 {
		p.log.WarnContext(ctx, "worker.lease_expired", "deliveries", ids)
	}
	if counts, err := p.queue.Counts(ctx); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues("waiting").Set(float64(counts.Waiting))
		telemetry.QueueDepthGauge.WithLabelValues("active").Set(float64(counts.Active))
		telemetry.QueueDepthGauge.WithLabelValues("delayed").Set(float64(counts.Delayed))
		telemetry.QueueDepthGauge.WithLabelValues("completed").Set(float64(counts.Completed))
		telemetry.QueueDepthGauge.WithLabelValues("failed").Set(float64(counts.Failed))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
