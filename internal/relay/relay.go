package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/metrics"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// SubjectStatusChanged carries order status events between instances.
const SubjectStatusChanged = "evt.order.status_changed.v1"

// natsConn is the subset of *nats.Conn the relay uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Relay publishes status events to NATS and feeds events received from
// NATS into the local bus, so a subscriber connected to any instance sees
// transitions made by workers on every instance.
type Relay struct {
	nc      natsConn
	local   *eventbus.Bus
	subject string
	service string
	logger  *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// New creates a relay. An empty subject selects SubjectStatusChanged.
func New(nc natsConn, local *eventbus.Bus, subject, service string, logger *zap.Logger) *Relay {
	if subject == "" {
		subject = SubjectStatusChanged
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		nc:      nc,
		local:   local,
		subject: subject,
		service: service,
		logger:  logger,
	}
}

// Start subscribes to the relay subject.
func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	r.logger.Info("relay.subscribed", zap.String("subject", r.subject))
	return nil
}

// Publish implements eventbus.Publisher. If NATS rejects the message the
// event is still delivered to local subscribers and the error is returned.
func (r *Relay) Publish(ctx context.Context, ev model.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.IncError("relay", "marshal_failed")
		return fmt.Errorf("marshal status event: %w", err)
	}

	msg := &nats.Msg{
		Subject: r.subject,
		Data:    data,
		Header: nats.Header{
			"event_id":     []string{uuid.NewString()},
			"event_type":   []string{"order.status_changed"},
			"order_id":     []string{ev.OrderID},
			"service":      []string{r.service},
			"content_type": []string{"application/json"},
		},
	}

	if err := r.nc.PublishMsg(msg); err != nil {
		r.logger.Error("relay.publish_failed",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(ev.Status)),
			zap.Error(err))
		metrics.IncNATSMessage(r.subject, "error")
		_ = r.local.Publish(ctx, ev)
		return fmt.Errorf("publish %s: %w", r.subject, err)
	}
	metrics.IncNATSMessage(r.subject, "ok")
	return nil
}

func (r *Relay) handleMessage(msg *nats.Msg) {
	var ev model.StatusEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.OrderID == "" {
		r.logger.Warn("relay.invalid_message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		metrics.IncNATSMessage(msg.Subject, "error")
		return
	}
	_ = r.local.Publish(context.Background(), ev)
}

// Close drops the NATS subscription. The connection itself is owned by the caller.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}
