package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/internal/gateway"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/pkg/model"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// OrderService defines the order operations needed by the handler.
type OrderService interface {
	Submit(ctx context.Context, req model.OrderRequest) (*gateway.Receipt, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	Cancel(ctx context.Context, orderID string) (*model.Order, error)
}

// QueueInspector exposes read-only queue state.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]model.DeadLetter, error)
}

// OrderHandler handles HTTP API requests for orders and the job queue.
type OrderHandler struct {
	logger  *zap.Logger
	service OrderService
	queue   QueueInspector
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(logger *zap.Logger, service OrderService, q QueueInspector) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		logger:  logger,
		service: service,
		queue:   q,
	}
}

// ExecuteHandler accepts a market order.
func (h *OrderHandler) ExecuteHandler(c *fiber.Ctx) error {
	var req model.OrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	receipt, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		var ve *model.ValidationError
		var ee *model.EnqueueError
		switch {
		case errors.As(err, &ve):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error()})
		case errors.As(err, &ee):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":   "order could not be queued",
				"orderId": ee.OrderID,
			})
		default:
			h.logger.Error("api.execute.failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(receipt)
}

// GetOrderHandler returns the stored order record.
func (h *OrderHandler) GetOrderHandler(c *fiber.Ctx) error {
	orderID := c.Params("orderId")
	o, err := h.service.Get(c.UserContext(), orderID)
	if err != nil {
		return h.orderError(c, orderID, "api.get_order.failed", err)
	}
	return c.JSON(o)
}

// CancelHandler cancels an order that has not started executing.
func (h *OrderHandler) CancelHandler(c *fiber.Ctx) error {
	orderID := c.Params("orderId")
	o, err := h.service.Cancel(c.UserContext(), orderID)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":   "order is no longer pending",
				"orderId": orderID,
			})
		}
		return h.orderError(c, orderID, "api.cancel_order.failed", err)
	}
	return c.JSON(o)
}

// QueueStatsHandler reports job counts.
func (h *OrderHandler) QueueStatsHandler(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.UserContext())
	if err != nil {
		h.logger.Error("api.queue_stats.failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue unavailable"})
	}
	return c.JSON(stats)
}

// DeadLettersHandler lists the most recent dead-lettered jobs.
func (h *OrderHandler) DeadLettersHandler(c *fiber.Ctx) error {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = min(n, maxDeadLetterLimit)
	}

	dead, err := h.queue.DeadLetters(c.UserContext(), int64(limit))
	if err != nil {
		h.logger.Error("api.dead_letters.failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue unavailable"})
	}
	if dead == nil {
		dead = []model.DeadLetter{}
	}
	return c.JSON(fiber.Map{"count": len(dead), "items": dead})
}

func (h *OrderHandler) orderError(c *fiber.Ctx, orderID, event string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "order not found",
			"orderId": orderID,
		})
	}
	h.logger.Error(event, zap.String("order_id", orderID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
