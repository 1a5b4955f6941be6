package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

// ReasonAttemptsExhausted is recorded when a job is claimed more times than
// allowed without being acknowledged.
const ReasonAttemptsExhausted = "max attempts exceeded"

// ErrLeaseLost means the delivery's claim expired or was taken over by
// another worker. The caller must not act on the job any further.
var ErrLeaseLost = errors.New("job lease lost")

// Queue is a durable at-least-once job queue keyed by order id.
type Queue interface {
	Enqueue(ctx context.Context, job model.Job) (bool, error)
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Retry(ctx context.Context, d *Delivery, reason string) (dead bool, err error)
	Release(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Remove(ctx context.Context, orderID string) (bool, error)
	Has(ctx context.Context, orderID string) (bool, error)
	DeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
	Stats(ctx context.Context) (Stats, error)
}

// Delivery is one claim of a job by a worker.
type Delivery struct {
	Job     model.Job
	Attempt int
	Lease   string

	// DeadLettered is set when the claim itself exceeded the attempt budget.
	// The job is already in the dead-letter set and must not be executed.
	DeadLettered bool
	Reason       string
}

// Stats mirrors BullMQ's job counts.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Options configures retry and visibility policy.
type Options struct {
	Name         string
	MaxAttempts  int
	Visibility   time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Name:         "orders",
		MaxAttempts:  3,
		Visibility:   30 * time.Second,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   30 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

type keys struct {
	wait, active, delayed    string
	jobs, attempts, leases   string
	dead, deadReason, deadAt string
}

func newKeys(name string) keys {
	p := "oq:{" + name + "}:"
	return keys{
		wait:       p + "wait",
		active:     p + "active",
		delayed:    p + "delayed",
		jobs:       p + "jobs",
		attempts:   p + "attempts",
		leases:     p + "leases",
		dead:       p + "dead",
		deadReason: p + "dead_reason",
		deadAt:     p + "dead_at",
	}
}

// RedisQueue implements Queue with one Lua script per state change.
type RedisQueue struct {
	redis  *redis.Client
	opts   Options
	keys   keys
	logger *zap.Logger

	now      func() time.Time
	newLease func() string
}

// NewRedis builds a queue on rdb. Zero-valued options fall back to defaults.
func NewRedis(rdb *redis.Client, opts Options, logger *zap.Logger) *RedisQueue {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Visibility <= 0 {
		opts.Visibility = def.Visibility
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		redis:    rdb,
		opts:     opts,
		keys:     newKeys(opts.Name),
		logger:   logger,
		now:      time.Now,
		newLease: uuid.NewString,
	}
}

// Options returns the effective configuration.
func (q *RedisQueue) Options() Options { return q.opts }

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Enqueue persists job before returning. A job whose order id is already
// queued is left untouched and false is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, job model.Job) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.OrderID, err)
	}
	k := q.keys
	added, err := enqueueScript.Run(ctx, q.redis,
		[]string{k.jobs, k.attempts, k.wait, k.dead, k.deadReason, k.deadAt},
		job.OrderID, payload).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.OrderID, err)
	}
	if added == 0 {
		q.logger.Debug("queue.enqueue_duplicate", zap.String("order_id", job.OrderID))
		return false, nil
	}
	return true, nil
}

// Dequeue blocks until a job can be claimed or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		d, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		timer.Reset(q.opts.PollInterval)
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	k := q.keys
	raw, err := claimScript.Run(ctx, q.redis,
		[]string{k.wait, k.active, k.delayed, k.jobs, k.attempts, k.leases, k.dead, k.deadReason, k.deadAt},
		q.now().UnixMilli(), q.opts.Visibility.Milliseconds(), q.newLease(), q.opts.MaxAttempts, ReasonAttemptsExhausted,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(raw) != 5 {
		return nil, fmt.Errorf("claim job: unexpected reply of %d elements", len(raw))
	}

	id, _ := raw[0].(string)
	payload, _ := raw[1].(string)
	attempt, _ := raw[2].(int64)
	lease, _ := raw[3].(string)
	state, _ := raw[4].(string)

	var job model.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// unreadable payloads would otherwise be redelivered forever
		q.logger.Error("queue.payload_corrupt", zap.String("order_id", id), zap.Error(err))
		job = model.Job{OrderID: id}
		if state == "active" {
			_ = q.DeadLetter(ctx, &Delivery{Job: job, Attempt: int(attempt), Lease: lease}, "corrupt job payload")
		}
		return &Delivery{Job: job, Attempt: int(attempt), DeadLettered: true, Reason: "corrupt job payload"}, nil
	}

	d := &Delivery{Job: job, Attempt: int(attempt), Lease: lease}
	if state == "dead" {
		d.DeadLettered = true
		d.Reason = ReasonAttemptsExhausted
		q.logger.Warn("queue.job_dead_lettered",
			zap.String("order_id", id),
			zap.Int("attempt", d.Attempt),
			zap.String("reason", d.Reason))
	}
	return d, nil
}

// Ack removes a completed job. It fails with ErrLeaseLost if the claim is
// no longer held by d.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	k := q.keys
	ok, err := ackScript.Run(ctx, q.redis,
		[]string{k.leases, k.active, k.jobs, k.attempts},
		d.Job.OrderID, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", d.Job.OrderID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry schedules redelivery after Backoff(attempt). Once the attempt budget
// is spent the job is dead-lettered instead and dead is true.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, reason string) (bool, error) {
	if d.Attempt >= q.opts.MaxAttempts {
		if err := q.DeadLetter(ctx, d, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	delay := Backoff(d.Attempt, q.opts.BackoffBase, q.opts.BackoffMax)
	k := q.keys
	ok, err := retryScript.Run(ctx, q.redis,
		[]string{k.leases, k.active, k.delayed},
		d.Job.OrderID, d.Lease, q.now().Add(delay).UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", d.Job.OrderID, err)
	}
	if ok == 0 {
		return false, ErrLeaseLost
	}
	q.logger.Info("queue.job_retry_scheduled",
		zap.String("order_id", d.Job.OrderID),
		zap.Int("attempt", d.Attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason))
	return false, nil
}

// Release hands a claimed job straight back to the front of the queue
// without spending an attempt.
func (q *RedisQueue) Release(ctx context.Context, d *Delivery) error {
	k := q.keys
	ok, err := releaseScript.Run(ctx, q.redis,
		[]string{k.leases, k.active, k.wait, k.attempts},
		d.Job.OrderID, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("release job %s: %w", d.Job.OrderID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter moves a claimed job to the dead-letter set.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	k := q.keys
	ok, err := deadLetterScript.Run(ctx, q.redis,
		[]string{k.leases, k.active, k.jobs, k.dead, k.deadReason, k.deadAt},
		d.Job.OrderID, d.Lease, reason, q.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", d.Job.OrderID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	q.logger.Warn("queue.job_dead_lettered",
		zap.String("order_id", d.Job.OrderID),
		zap.Int("attempt", d.Attempt),
		zap.String("reason", reason))
	return nil
}

// Remove drops a job that no worker has claimed yet. It reports whether a
// job was removed.
func (q *RedisQueue) Remove(ctx context.Context, orderID string) (bool, error) {
	k := q.keys
	n, err := removeScript.Run(ctx, q.redis,
		[]string{k.active, k.wait, k.delayed, k.jobs, k.attempts},
		orderID).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", orderID, err)
	}
	return n == 1, nil
}

// Has reports whether a live (waiting, delayed or claimed) job exists.
func (q *RedisQueue) Has(ctx context.Context, orderID string) (bool, error) {
	ok, err := q.redis.HExists(ctx, q.keys.jobs, orderID).Result()
	if err != nil {
		return false, fmt.Errorf("lookup job %s: %w", orderID, err)
	}
	return ok, nil
}

// DeadLetters lists the most recent dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	k := q.keys
	entries, err := q.redis.ZRevRangeWithScores(ctx, k.deadAt, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(entries) == 0 {
		return []model.DeadLetter{}, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i], _ = e.Member.(string)
	}

	pipe := q.redis.Pipeline()
	payloads := pipe.HMGet(ctx, k.dead, ids...)
	reasons := pipe.HMGet(ctx, k.deadReason, ids...)
	attempts := pipe.HMGet(ctx, k.attempts, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	out := make([]model.DeadLetter, 0, len(ids))
	for i, id := range ids {
		dl := model.DeadLetter{
			OrderID: id,
			DeadAt:  time.UnixMilli(int64(entries[i].Score)).UTC(),
		}
		if s, ok := payloads.Val()[i].(string); ok {
			_ = json.Unmarshal([]byte(s), &dl.Job)
		}
		if s, ok := reasons.Val()[i].(string); ok {
			dl.Reason = s
		}
		if s, ok := attempts.Val()[i].(string); ok {
			dl.Attempts, _ = strconv.Atoi(s)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Stats returns current job counts per state.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	k := q.keys
	pipe := q.redis.Pipeline()
	waiting := pipe.LLen(ctx, k.wait)
	active := pipe.ZCard(ctx, k.active)
	delayed := pipe.ZCard(ctx, k.delayed)
	dead := pipe.HLen(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}
