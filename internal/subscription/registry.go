package subscription

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/pkg/config"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// ErrRegistryClosed is returned by Attach after Close.
var ErrRegistryClosed = errors.New("subscription registry closed")

// OrderReader is the part of the order store the registry needs.
type OrderReader interface {
	Get(ctx context.Context, id string) (*model.Order, error)
}

// Options sizes per-subscription buffers.
type Options struct {
	Buffer   int
	Overflow string
}

// Registry tracks live subscriptions so every one of them is detached from
// the bus when its connection goes away.
type Registry struct {
	bus    *eventbus.Bus
	orders OrderReader
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewRegistry creates a registry over bus and orders.
func NewRegistry(bus *eventbus.Bus, orders OrderReader, opts Options, logger *zap.Logger) *Registry {
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowDropOldest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bus:    bus,
		orders: orders,
		opts:   opts,
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Attach subscribes to orderID and reads the current record. The bus
// subscription is registered before the read so no transition between the
// two is missed; buffered events already reflected in the snapshot are
// dropped. A missing order returns the store's not-found error.
func (r *Registry) Attach(ctx context.Context, orderID string) (*Subscription, error) {
	sub := newSubscription(orderID, r.opts.Buffer, r.opts.Overflow)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	sub.token = r.bus.Subscribe(orderID, sub)
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	metrics.LiveSubscriptions.Inc()

	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		r.Detach(sub)
		return nil, err
	}
	sub.prime(o)

	r.logger.Debug("subscription.attached",
		zap.String("order_id", orderID),
		zap.String("status", string(o.Status)),
		zap.Int64("version", o.Version))
	return sub, nil
}

// Detach removes sub from the bus and the registry. Calling it again, or on
// a subscription the bus already evicted, is a no-op.
func (r *Registry) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.subs[sub]
	delete(r.subs, sub)
	r.mu.Unlock()

	r.bus.Unsubscribe(sub.token)
	sub.close(nil)
	if ok {
		metrics.LiveSubscriptions.Dec()
		r.logger.Debug("subscription.detached", zap.String("order_id", sub.orderID))
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close detaches every subscription and rejects further attaches.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		r.Detach(s)
	}
	r.logger.Info("subscription.registry_closed", zap.Int("detached", len(subs)))
}
