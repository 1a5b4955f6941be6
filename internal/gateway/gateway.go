package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// AcceptedMessage is returned to clients once an order is queued.
const AcceptedMessage = "Order accepted. Connect via WebSocket for updates."

// Receipt acknowledges an accepted order.
type Receipt struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
	WSURL   string `json:"wsUrl"`
}

// Archiver mirrors order records outside Redis. Optional.
type Archiver interface {
	Upsert(ctx context.Context, o *model.Order) error
}

// Gateway validates requests, records orders and hands them to the queue.
type Gateway struct {
	store   store.Store
	queue   queue.Queue
	events  eventbus.Publisher
	archive Archiver
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// New builds a gateway. archive may be nil.
func New(st store.Store, q queue.Queue, events eventbus.Publisher, archive Archiver, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:   st,
		queue:   q,
		events:  events,
		archive: archive,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WSPath returns the subscription path for an order.
func WSPath(orderID string) string {
	return "/ws/orders/" + orderID
}

// Submit accepts a new order. Invalid requests return *model.ValidationError
// and leave no trace. If the job cannot be queued after the order was
// recorded, the order is failed and *model.EnqueueError is returned.
func (g *Gateway) Submit(ctx context.Context, req model.OrderRequest) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		metrics.IncSubmitted("invalid")
		return nil, err
	}

	now := g.now()
	o := model.NewOrder(g.newID(), req, now)
	if err := g.store.Create(ctx, o); err != nil {
		metrics.IncError("gateway", "create_failed")
		return nil, fmt.Errorf("record order: %w", err)
	}
	g.archiveOrder(ctx, o)

	if _, err := g.queue.Enqueue(ctx, model.NewJob(o, now)); err != nil {
		g.logger.Error("gateway.enqueue_failed",
			zap.String("order_id", o.ID),
			zap.Error(err))
		metrics.IncSubmitted("enqueue_failed")
		g.failUnqueued(o.ID, err)
		return nil, &model.EnqueueError{OrderID: o.ID, Err: err}
	}

	metrics.IncSubmitted("accepted")
	g.logger.Info("gateway.order_accepted",
		zap.String("order_id", o.ID),
		zap.String("pair", o.TokenIn+"/"+o.TokenOut),
		zap.String("side", string(o.Side)),
		zap.String("amount", o.Amount.String()))

	return &Receipt{
		OrderID: o.ID,
		Message: AcceptedMessage,
		WSURL:   WSPath(o.ID),
	}, nil
}

// failUnqueued marks an order whose job never reached the queue as failed.
// It runs detached from the request so a client disconnect cannot leave
// the order pending.
func (g *Gateway) failUnqueued(orderID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o, err := g.store.Transition(ctx, orderID, model.StatusFailed, model.FailureResult("enqueue failed: "+cause.Error()))
	if err != nil {
		g.logger.Error("gateway.fail_unqueued_failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	g.publish(ctx, o)
	g.archiveOrder(ctx, o)
}

// Get returns the current order record.
func (g *Gateway) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return g.store.Get(ctx, orderID)
}

// Cancel moves a pending order to cancelled and drops its queued job.
// Orders that already left pending return model.ErrInvalidTransition.
func (g *Gateway) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := g.store.Transition(ctx, orderID, model.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}

	if _, err := g.queue.Remove(ctx, orderID); err != nil {
		// a worker that still claims it will see the terminal status and skip it
		g.logger.Warn("gateway.remove_job_failed", zap.String("order_id", orderID), zap.Error(err))
	}
	g.publish(ctx, o)
	g.archiveOrder(ctx, o)
	g.logger.Info("gateway.order_cancelled", zap.String("order_id", orderID))
	return o, nil
}

func (g *Gateway) publish(ctx context.Context, o *model.Order) {
	if err := g.events.Publish(ctx, model.EventFromOrder(o, g.now())); err != nil {
		g.logger.Warn("gateway.publish_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (g *Gateway) archiveOrder(ctx context.Context, o *model.Order) {
	if g.archive == nil {
		return
	}
	if err := g.archive.Upsert(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("gateway.archive_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}
