package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts Options) (*RedisQueue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := NewRedis(rdb, opts, nil)
	q.now = clock.Now
	return q, clock
}

func job(id string) model.Job {
	return model.Job{
		OrderID: id,
		Params: model.ExecutionParams{
			TokenIn:  "SOL",
			TokenOut: "USDC",
			Amount:   decimal.RequireFromString("3"),
			Side:     model.SideBuy,
		},
		EnqueuedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func claimNow(t *testing.T, q *RedisQueue) *Delivery {
	t.Helper()
	d, err := q.claim(context.Background())
	require.NoError(t, err)
	return d
}

func TestBackoff(t *testing.T) {
	base, ceiling := 500*time.Millisecond, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{7, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, base, ceiling))
		})
	}
}

func TestNewRedis_Defaults(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	assert.Equal(t, DefaultOptions(), q.Options())
	assert.Equal(t, "oq:{orders}:wait", q.keys.wait)
}

func TestEnqueue_DedupesByOrderID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	added, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)
	assert.False(t, added)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1}, stats)

	has, err := q.Has(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestClaim_FIFOAndLease(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, job(id))
		require.NoError(t, err)
	}

	d := claimNow(t, q)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Job.OrderID)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.Lease)
	assert.False(t, d.DeadLettered)
	assert.True(t, d.Job.Params.Amount.Equal(decimal.RequireFromString("3")))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 1, Active: 1}, stats)
}

func TestClaim_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	assert.Nil(t, claimNow(t, q))
}

func TestAck_RemovesJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)

	d := claimNow(t, q)
	require.NoError(t, q.Ack(ctx, d))

	has, err := q.Has(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, has)

	assert.ErrorIs(t, q.Ack(ctx, d), ErrLeaseLost)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRetry_DelaysByBackoff(t *testing.T) {
	q, clock := newTestQueue(t, Options{BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)

	d := claimNow(t, q)
	dead, err := q.Retry(ctx, d, "venue timeout")
	require.NoError(t, err)
	assert.False(t, dead)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1}, stats)

	clock.Advance(500 * time.Millisecond)
	assert.Nil(t, claimNow(t, q), "not due yet")

	clock.Advance(600 * time.Millisecond)
	d2 := claimNow(t, q)
	require.NotNil(t, d2)
	assert.Equal(t, "o-1", d2.Job.OrderID)
	assert.Equal(t, 2, d2.Attempt)
	assert.NotEqual(t, d.Lease, d2.Lease)
}

func TestRetry_ExhaustedGoesToDeadLetters(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Second})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)

	d := claimNow(t, q)
	dead, err := q.Retry(ctx, d, "timeout")
	require.NoError(t, err)
	require.False(t, dead)

	clock.Advance(2 * time.Second)
	d = claimNow(t, q)
	require.NotNil(t, d)
	dead, err = q.Retry(ctx, d, "timeout again")
	require.NoError(t, err)
	assert.True(t, dead)

	clock.Advance(time.Minute)
	assert.Nil(t, claimNow(t, q), "dead jobs are never redelivered")

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "o-1", letters[0].OrderID)
	assert.Equal(t, "timeout again", letters[0].Reason)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "SOL", letters[0].Job.Params.TokenIn)

	has, err := q.Has(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVisibilityTimeout_ReclaimsAbandonedJob(t *testing.T) {
	q, clock := newTestQueue(t, Options{Visibility: 5 * time.Second})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)

	first := claimNow(t, q)
	require.NotNil(t, first)
	assert.Nil(t, claimNow(t, q))

	clock.Advance(6 * time.Second)
	second := claimNow(t, q)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempt)

	// the stale worker can no longer touch the job
	assert.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestVisibilityTimeout_ExhaustedClaimIsDeadLettered(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 2, Visibility: time.Second})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("o-1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NotNil(t, claimNow(t, q))
		clock.Advance(2 * time.Second)
	}

	d := claimNow(t, q)
	require.NotNil(t, d)
	assert.True(t, d.DeadLettered)
	assert.Equal(t, ReasonAttemptsExhausted, d.Reason)
	assert.Equal(t, "o-1", d.Job.OrderID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)
}

func TestRelease_DoesNotSpendAttempt(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, job(id))
		require.NoError(t, err)
	}

	d := claimNow(t, q)
	require.NoError(t, q.Release(ctx, d))

	again := claimNow(t, q)
	require.NotNil(t, again)
	assert.Equal(t, "a", again.Job.OrderID, "released job goes back to the front")
	assert.Equal(t, 1, again.Attempt)
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, job(id))
		require.NoError(t, err)
	}

	claimed := claimNow(t, q)
	require.Equal(t, "a", claimed.Job.OrderID)

	removed, err := q.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed, "claimed jobs are left to their worker")

	removed, err = q.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(ctx, "b")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Nil(t, claimNow(t, q))
}

func TestDequeue_WaitsForJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), job("late"))
	}()

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", d.Job.OrderID)
}

func TestDequeue_ContextCancelled(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d, err := q.Dequeue(ctx)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeadLetters_Empty(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	letters, err := q.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
