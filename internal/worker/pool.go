package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/deadletter"
	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/execution"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// Archiver mirrors order records somewhere outside Redis. Optional.
type Archiver interface {
	Upsert(ctx context.Context, o *model.Order) error
}

// Config controls pool size and per-job deadlines.
type Config struct {
	Concurrency      int
	ExecutionTimeout time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Pool runs a fixed number of workers, each looping dequeue → process.
type Pool struct {
	queue       queue.Queue
	store       store.Store
	exec        execution.Executor
	events      eventbus.Publisher
	deadLetters deadletter.Sink
	archive     Archiver
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires a pool. archive may be nil.
func NewPool(
	q queue.Queue,
	st store.Store,
	exec execution.Executor,
	events eventbus.Publisher,
	deadLetters deadletter.Sink,
	archive Archiver,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deadLetters == nil {
		deadLetters = deadletter.LogSink{Logger: logger}
	}
	return &Pool{
		queue:       q,
		store:       st,
		exec:        exec,
		events:      events,
		deadLetters: deadLetters,
		archive:     archive,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker.pool_started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop cancels the workers and waits for in-flight jobs to be settled.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker.pool_stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))

	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("worker.dequeue_failed", zap.Error(err))
			metrics.IncError("worker", "dequeue_failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}

		if err := p.Process(ctx, d); err != nil {
			logger.Error("worker.process_failed",
				zap.String("order_id", d.Job.OrderID),
				zap.Int("attempt", d.Attempt),
				zap.Error(err))
			metrics.IncError("worker", "process_failed")
		}
	}
}

// Process settles one delivery. ctx bounds only the external execution;
// bookkeeping after a cancellation still completes so no claim is left
// dangling.
func (p *Pool) Process(ctx context.Context, d *queue.Delivery) error {
	opCtx := context.WithoutCancel(ctx)
	orderID := d.Job.OrderID
	logger := p.logger.With(zap.String("order_id", orderID), zap.Int("attempt", d.Attempt))

	if d.DeadLettered {
		p.fail(opCtx, logger, d, d.Reason, true)
		return nil
	}

	o, err := p.store.Get(opCtx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("worker.orphan_job")
		metrics.IncJobOutcome("skipped")
		return p.ack(opCtx, d)
	}
	if err != nil {
		// the lease expires and the job is redelivered
		return fmt.Errorf("load order: %w", err)
	}

	if o.Status.IsTerminal() {
		logger.Info("worker.already_terminal", zap.String("status", string(o.Status)))
		metrics.IncJobOutcome("skipped")
		return p.ack(opCtx, d)
	}

	if o.Status == model.StatusPending {
		o, err = p.store.Transition(opCtx, orderID, model.StatusProcessing, nil)
		if errors.Is(err, model.ErrInvalidTransition) {
			// cancelled or failed between load and claim
			logger.Info("worker.claim_lost", zap.Error(err))
			metrics.IncJobOutcome("skipped")
			return p.ack(opCtx, d)
		}
		if err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		p.publish(opCtx, logger, o)
	} else {
		logger.Info("worker.resume_processing")
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	start := time.Now()
	res, execErr := p.exec.Execute(execCtx, *o)
	cancel()

	switch {
	case execErr == nil:
		metrics.ObserveDuration(metrics.ExecutionDuration, start, "ok")
		return p.fill(opCtx, logger, d, res)

	case ctx.Err() != nil:
		metrics.ObserveDuration(metrics.ExecutionDuration, start, "aborted")
		return p.release(opCtx, logger, d)

	case model.IsRecoverable(execErr) || !isExecutionError(execErr):
		metrics.ObserveDuration(metrics.ExecutionDuration, start, "recoverable")
		return p.retry(opCtx, logger, d, reasonOf(execErr))

	default:
		metrics.ObserveDuration(metrics.ExecutionDuration, start, "terminal")
		logger.Warn("worker.execution_rejected", zap.Error(execErr))
		p.fail(opCtx, logger, d, reasonOf(execErr), false)
		return nil
	}
}

func (p *Pool) fill(ctx context.Context, logger *zap.Logger, d *queue.Delivery, res *model.Result) error {
	o, err := p.store.Transition(ctx, d.Job.OrderID, model.StatusFilled, res)
	if errors.Is(err, model.ErrInvalidTransition) {
		// settled elsewhere while executing
		logger.Warn("worker.fill_superseded", zap.Error(err))
		metrics.IncJobOutcome("skipped")
		return p.ack(ctx, d)
	}
	if err != nil {
		// keep the claim: the lease expires, the redelivery resumes the
		// processing order and the idempotent venue returns the same fill
		logger.Error("worker.fill_record_failed", zap.Error(err))
		metrics.IncError("worker", "fill_record_failed")
		return fmt.Errorf("record fill: %w", err)
	}
	p.publish(ctx, logger, o)
	metrics.IncJobOutcome("filled")
	logger.Info("worker.order_filled",
		zap.String("venue", res.Venue),
		zap.String("tx_hash", res.TxHash))
	p.archiveOrder(ctx, logger, o)
	return p.ack(ctx, d)
}

func (p *Pool) retry(ctx context.Context, logger *zap.Logger, d *queue.Delivery, reason string) error {
	dead, err := p.queue.Retry(ctx, d, reason)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("worker.lease_lost", zap.String("reason", reason))
			return nil
		}
		return fmt.Errorf("schedule retry: %w", err)
	}
	if dead {
		p.failOrder(ctx, logger, d, "retries exhausted: "+reason)
		return nil
	}

	o, err := p.store.Transition(ctx, d.Job.OrderID, model.StatusPending, nil)
	if err != nil {
		return fmt.Errorf("revert to pending: %w", err)
	}
	p.publish(ctx, logger, o)
	metrics.IncJobOutcome("retried")
	logger.Info("worker.order_retry", zap.String("reason", reason))
	return nil
}

func (p *Pool) release(ctx context.Context, logger *zap.Logger, d *queue.Delivery) error {
	if o, err := p.store.Transition(ctx, d.Job.OrderID, model.StatusPending, nil); err == nil {
		p.publish(ctx, logger, o)
	} else {
		logger.Warn("worker.revert_failed", zap.Error(err))
	}
	if err := p.queue.Release(ctx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		return fmt.Errorf("release job: %w", err)
	}
	metrics.IncJobOutcome("released")
	logger.Info("worker.job_released")
	return nil
}

// fail settles a delivery that must not run again. alreadyDead is set when
// the queue has already moved the job to its dead-letter set.
func (p *Pool) fail(ctx context.Context, logger *zap.Logger, d *queue.Delivery, reason string, alreadyDead bool) {
	if alreadyDead {
		p.failOrder(ctx, logger, d, reason)
		return
	}
	o, err := p.store.Transition(ctx, d.Job.OrderID, model.StatusFailed, model.FailureResult(reason))
	if err != nil {
		logger.Error("worker.fail_record_failed", zap.Error(err))
	} else {
		p.publish(ctx, logger, o)
		p.archiveOrder(ctx, logger, o)
	}
	metrics.IncJobOutcome("failed")
	logger.Info("worker.order_failed", zap.String("reason", reason))
	if err := p.ack(ctx, d); err != nil {
		logger.Warn("worker.ack_failed", zap.Error(err))
	}
}

// failOrder records a dead-lettered job's order as failed and forwards the
// dead letter.
func (p *Pool) failOrder(ctx context.Context, logger *zap.Logger, d *queue.Delivery, reason string) {
	o, err := p.store.Transition(ctx, d.Job.OrderID, model.StatusFailed, model.FailureResult(reason))
	switch {
	case err == nil:
		p.publish(ctx, logger, o)
		p.archiveOrder(ctx, logger, o)
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		logger.Info("worker.dead_letter_order_settled", zap.Error(err))
	default:
		logger.Error("worker.fail_record_failed", zap.Error(err))
	}

	metrics.IncJobOutcome("dead_lettered")
	logger.Warn("worker.order_dead_lettered", zap.String("reason", reason))
	if err := p.deadLetters.Forward(ctx, model.DeadLetter{
		OrderID:  d.Job.OrderID,
		Job:      d.Job,
		Reason:   reason,
		Attempts: d.Attempt,
		DeadAt:   p.now().UTC(),
	}); err != nil {
		logger.Error("worker.dead_letter_forward_failed", zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery) error {
	if err := p.queue.Ack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			p.logger.Warn("worker.lease_lost", zap.String("order_id", d.Job.OrderID))
			return nil
		}
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (p *Pool) publish(ctx context.Context, logger *zap.Logger, o *model.Order) {
	if err := p.events.Publish(ctx, model.EventFromOrder(o, p.now())); err != nil {
		logger.Warn("worker.publish_failed", zap.String("status", string(o.Status)), zap.Error(err))
	}
}

func (p *Pool) archiveOrder(ctx context.Context, logger *zap.Logger, o *model.Order) {
	if p.archive == nil {
		return
	}
	if err := p.archive.Upsert(ctx, o); err != nil {
		logger.Warn("worker.archive_failed", zap.Error(err))
	}
}

func isExecutionError(err error) bool {
	var ee *model.ExecutionError
	return errors.As(err, &ee)
}

func reasonOf(err error) string {
	var ee *model.ExecutionError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			return ee.Reason + ": " + ee.Err.Error()
		}
		return ee.Reason
	}
	return err.Error()
}
