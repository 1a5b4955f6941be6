package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// ReasonOrphaned is the failure reason recorded on reconciled orders.
const ReasonOrphaned = "orphaned: no live job"

const defaultBatchSize = 500

// JobLookup reports whether the queue still holds a job for an order.
type JobLookup interface {
	Has(ctx context.Context, orderID string) (bool, error)
}

// Reconciler periodically fails non-terminal orders that no longer have a
// job in the queue, so no order stays pending forever.
type Reconciler struct {
	logger   *zap.Logger
	store    store.Store
	jobs     JobLookup
	events   eventbus.Publisher
	interval time.Duration
	grace    time.Duration
	batch    int64
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a background reconciler. Orders younger than grace are
// never touched.
func New(logger *zap.Logger, st store.Store, jobs JobLookup, events eventbus.Publisher, interval, grace time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		logger:   logger,
		store:    st,
		jobs:     jobs,
		events:   events,
		interval: interval,
		grace:    grace,
		batch:    defaultBatchSize,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop or ctx cancellation. It blocks;
// callers run it on its own goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler.started",
		zap.Duration("interval", r.interval),
		zap.Duration("grace", r.grace))

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciler.run_failed", zap.Error(err))
			}
		case <-r.stopCh:
			r.logger.Info("reconciler.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("reconciler.stopped (context canceled)")
			return
		}
	}
}

// Stop gracefully halts the reconciler.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce executes one pass over every open order past the grace period
// and returns how many orders were failed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	before := r.now().Add(-r.grace)

	var offset int64
	checked, failed := 0, 0
	for {
		ids, err := r.store.ListOpen(ctx, before, offset, r.batch)
		if err != nil {
			return failed, err
		}

		removed := 0
		for _, id := range ids {
			orphaned, err := r.reconcile(ctx, id)
			if err != nil {
				return failed, err
			}
			if orphaned {
				removed++
			}
		}
		checked += len(ids)
		failed += removed

		if int64(len(ids)) < r.batch {
			break
		}
		// failed orders left the index, so the next page starts earlier
		offset += int64(len(ids) - removed)
	}

	metrics.SetLastReconcile(r.now())
	r.logger.Info("reconciler.success",
		zap.Int("checked", checked),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))
	return failed, nil
}

// reconcile fails id if the queue no longer holds a job for it.
func (r *Reconciler) reconcile(ctx context.Context, id string) (bool, error) {
	live, err := r.jobs.Has(ctx, id)
	if err != nil {
		return false, err
	}
	if live {
		return false, nil
	}

	o, err := r.store.Transition(ctx, id, model.StatusFailed, model.FailureResult(ReasonOrphaned))
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.ReconciledOrders.Inc()
	r.logger.Warn("reconciler.order_orphaned", zap.String("order_id", id))
	if err := r.events.Publish(ctx, model.EventFromOrder(o, r.now())); err != nil {
		r.logger.Warn("reconciler.publish_failed", zap.String("order_id", id), zap.Error(err))
	}
	return true, nil
}
