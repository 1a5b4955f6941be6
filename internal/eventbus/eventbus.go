package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// Publisher emits status events. The local Bus and the NATS relay both
// satisfy it, so workers do not care which one fans out.
type Publisher interface {
	Publish(ctx context.Context, ev model.StatusEvent) error
}

// Sink receives events for one order. Deliver must not block; returning a
// *model.DeliveryError detaches the sink.
type Sink interface {
	Deliver(ev model.StatusEvent) error
}

// Evictable sinks are told why the bus dropped them.
type Evictable interface {
	Evict(err error)
}

// Token identifies one subscription. The zero Token is never issued.
type Token struct {
	orderID string
	id      uint64
}

// OrderID returns the order the token is subscribed to.
func (t Token) OrderID() string { return t.orderID }

// Bus is an in-process pub/sub keyed by order id. Only sinks subscribed at
// publish time receive an event; nothing is replayed.
type Bus struct {
	mu     sync.RWMutex
	sinks  map[string]map[uint64]Sink
	next   atomic.Uint64
	logger *zap.Logger
}

// New creates a new Bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		sinks:  make(map[string]map[uint64]Sink),
		logger: logger,
	}
}

// Subscribe registers s for events of orderID.
func (b *Bus) Subscribe(orderID string, s Sink) Token {
	t := Token{orderID: orderID, id: b.next.Add(1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sinks[orderID]
	if !ok {
		set = make(map[uint64]Sink)
		b.sinks[orderID] = set
	}
	set[t.id] = s
	return t
}

// Unsubscribe removes the subscription. It is safe to call more than once
// and reports whether anything was removed.
func (b *Bus) Unsubscribe(t Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(t)
}

func (b *Bus) removeLocked(t Token) bool {
	set, ok := b.sinks[t.orderID]
	if !ok {
		return false
	}
	if _, ok := set[t.id]; !ok {
		return false
	}
	delete(set, t.id)
	if len(set) == 0 {
		delete(b.sinks, t.orderID)
	}
	return true
}

type rejected struct {
	token Token
	sink  Sink
	err   error
}

// Publish delivers ev to every sink currently subscribed to ev.OrderID.
// A sink that rejects the event is evicted without affecting the others.
func (b *Bus) Publish(_ context.Context, ev model.StatusEvent) error {
	var evict []rejected

	b.mu.RLock()
	for id, s := range b.sinks[ev.OrderID] {
		if err := s.Deliver(ev); err != nil {
			evict = append(evict, rejected{token: Token{orderID: ev.OrderID, id: id}, sink: s, err: err})
		}
	}
	b.mu.RUnlock()

	metrics.IncEvent(string(ev.Status))

	for _, r := range evict {
		b.mu.Lock()
		removed := b.removeLocked(r.token)
		b.mu.Unlock()
		if !removed {
			continue
		}

		var de *model.DeliveryError
		if !errors.As(r.err, &de) {
			b.logger.Warn("eventbus.sink_error",
				zap.String("order_id", ev.OrderID),
				zap.Error(r.err))
		}
		b.logger.Info("eventbus.sink_evicted",
			zap.String("order_id", ev.OrderID),
			zap.Error(r.err))
		if e, ok := r.sink.(Evictable); ok {
			e.Evict(r.err)
		}
	}
	return nil
}

// Len returns the total number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.sinks {
		n += len(set)
	}
	return n
}

// Count returns the number of subscriptions for one order.
func (b *Bus) Count(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks[orderID])
}
