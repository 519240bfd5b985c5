package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"guideline-ingest/internal/config"
	"guideline-ingest/internal/models"
)

// Error describes a failed broker operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "queue: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Options tunes a RedisQueue.
type Options struct {
	// Name prefixes every key the queue owns.
	Name          string
	Visibility    time.Duration
	KeepCompleted int64
	KeepFailed    int64
}

// RedisQueue is an at-least-once work queue stored in Redis. Deliveries are leased into an
// active set with a visibility deadline; expired leases are handed out again.
type RedisQueue struct {
	client        *redis.Client
	waitKey       string
	activeKey     string
	delayedKey    string
	completedKey  string
	failedKey     string
	jobPrefix     string
	visibilityTTL time.Duration
	keepCompleted int64
	keepFailed    int64
}

// Delivery is one leased queue entry.
type Delivery struct {
	ID string
	// Raw is the payload as enqueued; nil if the entry's record was lost.
	Raw []byte
	// Attempts counts previous failed deliveries.
	Attempts int
}

// Payload decodes the delivery's job payload.
func (d *Delivery) Payload() (models.Payload, error) {
	var p models.Payload
	if len(d.Raw) == 0 {
		return p, errors.New("empty payload")
	}
	if err := json.Unmarshal(d.Raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Record is a retained completed or failed entry, kept for operational visibility.
type Record struct {
	ID         string          `json:"id"`
	Attempts   int             `json:"attempts"`
	FinishedAt time.Time       `json:"finished_at"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Counts summarizes queue depth.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// NewClient builds a Redis client from config, preferring REDIS_URL when set.
func NewClient(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, wrap("parse redis url", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}

// NewRedisQueue builds the configured queue on top of client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	return New(client, Options{
		Name:          cfg.QueueName,
		Visibility:    cfg.VisibilityTimeout,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
	})
}

// New builds a queue with explicit options.
func New(client *redis.Client, opts Options) *RedisQueue {
	name := opts.Name
	if name == "" {
		name = "guideline-ingest"
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	prefix := "queue:" + name + ":"
	return &RedisQueue{
		client:        client,
		waitKey:       prefix + "wait",
		activeKey:     prefix + "active",
		delayedKey:    prefix + "delayed",
		completedKey:  prefix + "completed",
		failedKey:     prefix + "failed",
		jobPrefix:     prefix + "job:",
		visibilityTTL: visibility,
		keepCompleted: opts.KeepCompleted,
		keepFailed:    opts.KeepFailed,
	}
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return wrap("ping", q.client.Ping(ctx).Err())
}

// Enqueue appends a payload to the wait list, keyed by its event id. It reports false
// without error when an entry for the same event id is still live in the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, p models.Payload) (bool, error) {
	if p.EventID == "" {
		return false, wrap("enqueue", errors.New("event id is required"))
	}
	body, err := json.Marshal(p)
	if err != nil {
		return false, wrap("enqueue", err)
	}
	res, err := enqueueScript.Run(ctx, q.client, []string{q.jobKey(p.EventID), q.waitKey},
		p.EventID, body, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, wrap("enqueue", err)
	}
	return res == 1, nil
}

// Dequeue leases the head of the wait list. It returns nil when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.waitKey, q.activeKey}, deadline, q.jobPrefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("dequeue", err)
	}
	if len(res) < 3 {
		return nil, wrap("dequeue", fmt.Errorf("unexpected dequeue reply of length %d", len(res)))
	}
	d := &Delivery{}
	d.ID, _ = res[0].(string)
	if raw, ok := res[1].(string); ok {
		d.Raw = []byte(raw)
	}
	if attempts, ok := res[2].(string); ok {
		d.Attempts, _ = strconv.Atoi(attempts)
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline of an in-flight delivery forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, d *Delivery, extension time.Duration) error {
	return wrap("extend lease", q.client.ZAddXX(ctx, q.activeKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.ID,
	}).Err())
}

// Complete acknowledges a delivery and retains a bounded record of its result.
func (q *RedisQueue) Complete(ctx context.Context, d *Delivery, result any) error {
	rec := Record{ID: d.ID, Attempts: d.Attempts + 1, FinishedAt: time.Now().UTC()}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return wrap("complete", err)
		}
		rec.Result = raw
	}
	return wrap("complete", q.finish(ctx, d, q.completedKey, q.keepCompleted, rec))
}

// Fail acknowledges a delivery that will not be retried and retains a bounded record of
// the failure.
func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, cause error) error {
	rec := Record{ID: d.ID, Attempts: d.Attempts + 1, FinishedAt: time.Now().UTC()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return wrap("fail", q.finish(ctx, d, q.failedKey, q.keepFailed, rec))
}

func (q *RedisQueue) finish(ctx context.Context, d *Delivery, listKey string, keep int64, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, d.ID)
	pipe.Del(ctx, q.jobKey(d.ID))
	if keep > 0 {
		pipe.LPush(ctx, listKey, body)
		pipe.LTrim(ctx, listKey, 0, keep-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Retry moves a failed delivery into the delayed set to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(d.ID), "attempts", d.Attempts+1)
	pipe.ZRem(ctx, q.activeKey, d.ID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: d.ID})
	_, err := pipe.Exec(ctx)
	return wrap("retry", err)
}

// Discard drops a delivery without retaining any record.
func (q *RedisQueue) Discard(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, d.ID)
	pipe.Del(ctx, q.jobKey(d.ID))
	_, err := pipe.Exec(ctx)
	return wrap("discard", err)
}

// PromoteDelayed moves due retries onto the wait list and returns how many moved.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.delayedKey, q.waitKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, wrap("promote delayed", err)
	}
	return len(ids), nil
}

// RequeueExpired returns deliveries whose lease expired to the wait list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.activeKey, q.waitKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap("requeue expired", err)
	}
	return ids, nil
}

// Counts returns the size of each queue segment.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey)
	active := pipe.ZCard(ctx, q.activeKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	completed := pipe.LLen(ctx, q.completedKey)
	failed := pipe.LLen(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, wrap("counts", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// RecentCompleted returns retained completed records, newest first.
func (q *RedisQueue) RecentCompleted(ctx context.Context) ([]Record, error) {
	return q.recent(ctx, "recent completed", q.completedKey)
}

// RecentFailed returns retained failed records, newest first.
func (q *RedisQueue) RecentFailed(ctx context.Context) ([]Record, error) {
	return q.recent(ctx, "recent failed", q.failedKey)
}

func (q *RedisQueue) recent(ctx context.Context, op, key string) ([]Record, error) {
	items, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap(op, err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', 0, 'enqueued_at', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local fields = redis.call('HMGET', ARGV[2] .. id, 'payload', 'attempts')
return {id, fields[1], fields[2]}
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
