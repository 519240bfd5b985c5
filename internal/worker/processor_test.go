package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/models"
	"guideline-ingest/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

func testWorkerConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  3,
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 5 * time.Millisecond,
		MaxAttempts:        1,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
	}
}

func newWorkerQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Options{
		Name: "test", KeepCompleted: 10, KeepFailed: 5,
	})
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

// start runs p in the background and returns a function that stops it and waits for Run.
func start(t *testing.T, p *Processor) (stop func(), done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- p.Run(ctx) }()
	return cancel, ch
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func enqueue(t *testing.T, q *queue.RedisQueue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := q.Enqueue(context.Background(), models.Payload{EventID: id, Text: "text " + id})
		require.NoError(t, err)
	}
}

func TestProcessorSettlesOutcomes(t *testing.T) {
	q, _ := newWorkerQueue(t)
	enqueue(t, q, "good", "bad")

	handler := func(_ context.Context, p models.Payload) (models.Result, error) {
		if p.EventID == "bad" {
			return models.Result{}, errors.New("upstream unavailable")
		}
		return models.Result{Summary: "s", Checklist: "c"}, nil
	}
	stop, done := start(t, NewProcessor(testWorkerConfig(), q, handler, nil))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Completed == 1 && c.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	waitRun(t, done)

	completed, err := q.RecentCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "good", completed[0].ID)
	assert.JSONEq(t, `{"summary":"s","checklist":"c"}`, string(completed[0].Result))

	failed, err := q.RecentFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].ID)
	assert.Equal(t, "upstream unavailable", failed[0].Error)
}

func TestProcessorRetriesUpToMaxAttempts(t *testing.T) {
	q, _ := newWorkerQueue(t)
	enqueue(t, q, "flaky")

	var calls atomic.Int32
	handler := func(context.Context, models.Payload) (models.Result, error) {
		if calls.Add(1) == 1 {
			return models.Result{}, errors.New("transient")
		}
		return models.Result{Summary: "s", Checklist: "c"}, nil
	}
	cfg := testWorkerConfig()
	cfg.MaxAttempts = 2
	stop, done := start(t, NewProcessor(cfg, q, handler, nil))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	waitRun(t, done)

	recs, err := q.RecentCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessorDiscardsFinishedJobs(t *testing.T) {
	q, _ := newWorkerQueue(t)
	enqueue(t, q, "done")

	var calls atomic.Int32
	handler := func(context.Context, models.Payload) (models.Result, error) {
		calls.Add(1)
		return models.Result{}, ErrAlreadyFinished
	}
	stop, done := start(t, NewProcessor(testWorkerConfig(), q, handler, nil))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && calls.Load() == 1 && c == queue.Counts{}
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	waitRun(t, done)
}

func TestProcessorFailsMalformedDelivery(t *testing.T) {
	q, mr := newWorkerQueue(t)
	enqueue(t, q, "lost")
	mr.Del("queue:test:job:lost")

	var calls atomic.Int32
	handler := func(context.Context, models.Payload) (models.Result, error) {
		calls.Add(1)
		return models.Result{}, nil
	}
	cfg := testWorkerConfig()
	cfg.MaxAttempts = 3
	stop, done := start(t, NewProcessor(cfg, q, handler, nil))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	waitRun(t, done)

	assert.Zero(t, calls.Load())
	recs, err := q.RecentFailed(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, ErrMalformedPayload.Error())
}

func TestProcessorDrainsInFlightOnShutdown(t *testing.T) {
	q, _ := newWorkerQueue(t)
	enqueue(t, q, "slow")

	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, _ models.Payload) (models.Result, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return models.Result{}, ctx.Err()
		}
		return models.Result{Summary: "s", Checklist: "c"}, nil
	}
	stop, done := start(t, NewProcessor(testWorkerConfig(), q, handler, nil))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	stop()

	select {
	case <-done:
		t.Fatal("Run returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	waitRun(t, done)

	c, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Completed)
	assert.Zero(t, c.Waiting)
}

func TestProcessorHeartbeatKeepsLease(t *testing.T) {
	q, _ := newWorkerQueue(t)
	enqueue(t, q, "long")

	var calls atomic.Int32
	handler := func(context.Context, models.Payload) (models.Result, error) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		return models.Result{Summary: "s", Checklist: "c"}, nil
	}
	cfg := testWorkerConfig()
	cfg.VisibilityTimeout = 90 * time.Millisecond
	stop, done := start(t, NewProcessor(cfg, q, handler, nil))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Completed == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()
	waitRun(t, done)

	assert.Equal(t, int32(1), calls.Load(), "lease must not expire while the handler runs")
}
