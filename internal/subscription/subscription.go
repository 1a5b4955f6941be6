package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/pkg/config"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// ErrClosed is returned by Next once the subscription has been detached.
var ErrClosed = errors.New("subscription closed")

// Subscription buffers live status events for one connection. The buffer is
// bounded; on overflow it either drops the oldest event or disconnects.
type Subscription struct {
	orderID  string
	token    eventbus.Token
	snapshot *model.Order

	mu          sync.Mutex
	buf         []model.StatusEvent
	limit       int
	policy      string
	lastVersion int64
	closed      bool
	err         error

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(orderID string, limit int, policy string) *Subscription {
	if limit < 1 {
		limit = 1
	}
	return &Subscription{
		orderID: orderID,
		limit:   limit,
		policy:  policy,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// OrderID returns the order this subscription follows.
func (s *Subscription) OrderID() string { return s.orderID }

// Snapshot is the order record read at attach time.
func (s *Subscription) Snapshot() *model.Order { return s.snapshot }

// Notify is signalled whenever events are buffered.
func (s *Subscription) Notify() <-chan struct{} { return s.notify }

// Done is closed when the subscription is detached or evicted.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, nil for a normal detach.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver implements eventbus.Sink. Events not newer than what the
// subscription already holds are discarded.
func (s *Subscription) Deliver(ev model.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ev.Version <= s.lastVersion {
		return nil
	}
	if len(s.buf) >= s.limit {
		if s.policy == config.OverflowDisconnect {
			metrics.IncDropped(config.OverflowDisconnect)
			return &model.DeliveryError{OrderID: s.orderID, Reason: "subscriber buffer full"}
		}
		metrics.IncDropped(config.OverflowDropOldest)
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, ev)
	s.lastVersion = ev.Version

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Evict implements eventbus.Evictable.
func (s *Subscription) Evict(err error) {
	s.close(err)
}

// prime records the attach-time snapshot and drops buffered events it
// already covers.
func (s *Subscription) prime(o *model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = o
	kept := s.buf[:0]
	for _, ev := range s.buf {
		if ev.Version > o.Version {
			kept = append(kept, ev)
		}
	}
	s.buf = kept
	if o.Version > s.lastVersion {
		s.lastVersion = o.Version
	}
}

// Drain returns and clears every buffered event in publish order.
func (s *Subscription) Drain() []model.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out
}

// Next blocks for the next buffered event. Buffered events are still
// returned after the subscription closes; ErrClosed (or the eviction cause)
// follows once the buffer is empty.
func (s *Subscription) Next(ctx context.Context) (model.StatusEvent, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return model.StatusEvent{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.StatusEvent{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

func (s *Subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.done)
	return true
}
