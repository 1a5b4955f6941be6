package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/internal/subscription"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

// SubscribedInfo accompanies the snapshot frame sent on connect.
const SubscribedInfo = "Subscribed to order updates"

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
	attachTimeout       = 5 * time.Second
)

// StreamHandler pushes order status changes over WebSocket connections.
type StreamHandler struct {
	logger       *zap.Logger
	registry     *subscription.Registry
	pingInterval time.Duration
}

// NewStreamHandler creates a StreamHandler. A zero ping interval means 30s.
func NewStreamHandler(logger *zap.Logger, registry *subscription.Registry, pingInterval time.Duration) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &StreamHandler{
		logger:       logger,
		registry:     registry,
		pingInterval: pingInterval,
	}
}

// Serve runs one subscriber connection: snapshot first, then every later
// status change, then a normal close once a terminal status went out.
func (h *StreamHandler) Serve(conn *websocket.Conn) {
	orderID := conn.Params("orderId")

	attachCtx, cancelAttach := context.WithTimeout(context.Background(), attachTimeout)
	sub, err := h.registry.Attach(attachCtx, orderID)
	cancelAttach()
	if err != nil {
		msg := "subscription unavailable"
		if errors.Is(err, store.ErrNotFound) {
			msg = "order not found"
		} else {
			h.logger.Warn("ws.attach_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		_ = h.write(conn, model.StatusMessage{OrderID: orderID, Error: msg})
		h.closeWith(conn, websocket.CloseNormalClosure, msg)
		return
	}
	defer h.registry.Detach(sub)

	h.logger.Info("ws.connected", zap.String("order_id", orderID))
	defer h.logger.Info("ws.disconnected", zap.String("order_id", orderID))

	snap := sub.Snapshot()
	if err := h.write(conn, model.StatusMessage{
		OrderID: orderID,
		Status:  snap.Status,
		Info:    SubscribedInfo,
		Result:  snap.Result,
	}); err != nil {
		return
	}
	if snap.Status.IsTerminal() {
		h.closeWith(conn, websocket.CloseNormalClosure, "order "+string(snap.Status))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := newReadPump(conn, 2*h.pingInterval)
	go reader.run(cancel)
	// the connection is recycled once Serve returns, so the reader must be gone first
	defer reader.stop()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-sub.Notify():
		case <-sub.Done():
		}

		// check closure before draining so nothing buffered ahead of it is lost
		var ended bool
		select {
		case <-sub.Done():
			ended = true
		default:
		}

		for _, ev := range sub.Drain() {
			if err := h.write(conn, model.StatusMessage{
				OrderID: ev.OrderID,
				Status:  ev.Status,
				Result:  ev.Result,
			}); err != nil {
				return
			}
			if ev.Status.IsTerminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, "order "+string(ev.Status))
				return
			}
		}

		if ended {
			if cause := sub.Err(); cause != nil {
				h.logger.Warn("ws.subscriber_evicted", zap.String("order_id", orderID), zap.Error(cause))
				h.closeWith(conn, websocket.ClosePolicyViolation, "subscriber too slow")
			} else {
				h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			}
			return
		}
	}
}

// readPump consumes client frames so pongs and close frames are processed.
type readPump struct {
	conn *websocket.Conn
	wait time.Duration
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

// newReadPump arms the first read deadline before the goroutine starts.
func newReadPump(conn *websocket.Conn, wait time.Duration) *readPump {
	r := &readPump{conn: conn, wait: wait, done: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(r.wait))
	})
	return r
}

// run reads until the peer goes away or stop is called, then calls onExit.
func (r *readPump) run(onExit context.CancelFunc) {
	defer close(r.done)
	defer onExit()
	for {
		if _, _, err := r.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// stop unblocks the pending read and waits for run to return.
func (r *readPump) stop() {
	r.mu.Lock()
	r.stopped = true
	_ = r.conn.SetReadDeadline(time.Now())
	r.mu.Unlock()
	<-r.done
}

func (h *StreamHandler) write(conn *websocket.Conn, msg model.StatusMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("ws.write_failed", zap.String("order_id", msg.OrderID), zap.Error(err))
		return err
	}
	return nil
}

func (h *StreamHandler) closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
