package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

type sink struct{ events []model.StatusEvent }

func (s *sink) Deliver(ev model.StatusEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func setup(t *testing.T) (*store.RedisStore, *queue.RedisQueue, *eventbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedis(rdb, nil), queue.NewRedis(rdb, queue.Options{}, nil), eventbus.New(nil)
}

func create(t *testing.T, st *store.RedisStore, id string, at time.Time) *model.Order {
	t.Helper()
	o := model.NewOrder(id, model.OrderRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: decimal.RequireFromString("1"), Side: "sell",
	}, at)
	require.NoError(t, st.Create(context.Background(), o))
	return o
}

func TestRunOnce_FailsOnlyOrphans(t *testing.T) {
	st, q, bus := setup(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-10 * time.Minute)

	create(t, st, "orphan", old)
	queued := create(t, st, "queued", old)
	_, err := q.Enqueue(ctx, model.NewJob(queued, old))
	require.NoError(t, err)
	create(t, st, "fresh", now)
	create(t, st, "done", old)
	_, err = st.Transition(ctx, "done", model.StatusCancelled, nil)
	require.NoError(t, err)

	events := &sink{}
	bus.Subscribe("orphan", events)

	r := New(zap.NewNop(), st, q, bus, time.Minute, 2*time.Minute)
	failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	o, err := st.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, o.Status)
	assert.Equal(t, ReasonOrphaned, o.Result.Error)
	require.Len(t, events.events, 1)
	assert.Equal(t, model.StatusFailed, events.events[0].Status)

	for id, want := range map[string]model.Status{
		"queued": model.StatusPending,
		"fresh":  model.StatusPending,
		"done":   model.StatusCancelled,
	} {
		o, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}

	failed, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestRunOnce_PagesPastQueuedBacklog(t *testing.T) {
	st, q, bus := setup(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	// oldest first: q-1, orphan-1, q-2, q-3, orphan-2, q-4
	for i, id := range []string{"q-1", "orphan-1", "q-2", "q-3", "orphan-2", "q-4"} {
		o := create(t, st, id, old.Add(time.Duration(i)*time.Second))
		if id[0] == 'q' {
			_, err := q.Enqueue(ctx, model.NewJob(o, old))
			require.NoError(t, err)
		}
	}

	r := New(zap.NewNop(), st, q, bus, time.Minute, 2*time.Minute)
	r.batch = 2

	failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)

	for _, id := range []string{"orphan-1", "orphan-2"} {
		o, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, o.Status, id)
	}
	for _, id := range []string{"q-1", "q-2", "q-3", "q-4"} {
		o, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, o.Status, id)
	}
}

func TestRunOnce_FailsProcessingOrderWithoutJob(t *testing.T) {
	st, q, bus := setup(t)
	ctx := context.Background()

	create(t, st, "stuck", time.Now().Add(-time.Hour))
	_, err := st.Transition(ctx, "stuck", model.StatusProcessing, nil)
	require.NoError(t, err)

	r := New(zap.NewNop(), st, q, bus, time.Minute, 2*time.Minute)
	failed, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	o, err := st.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, o.Status)
}

func TestStartStop(t *testing.T) {
	st, q, bus := setup(t)
	r := New(nil, st, q, bus, 10*time.Millisecond, time.Minute)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
