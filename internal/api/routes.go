package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker is implemented by every backing store the readiness check
// reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CORSMethods are the methods browsers may use cross-origin.
const CORSMethods = "GET,POST,OPTIONS"

// RegisterRoutes mounts the HTTP and WebSocket surface. nc may be nil when
// the cluster relay is disabled.
func RegisterRoutes(app *fiber.App, nc *nats.Conn, checks map[string]HealthChecker,
	orderHandler *OrderHandler,
	streamHandler *StreamHandler,
) {
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: CORSMethods,
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Liveness
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Readiness
	app.Get("/ready", func(c *fiber.Ctx) error {
		results := make(map[string]string, len(checks)+1)
		status := "ok"
		code := fiber.StatusOK

		if nc != nil {
			results["nats"] = "ok"
			if !nc.IsConnected() {
				results["nats"] = "disconnected"
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
				results["nats"] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for name, hc := range checks {
			results[name] = "ok"
			if err := hc.HealthCheck(healthCtx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	})

	// API routes
	orders := app.Group("/api/orders")
	orders.Post("/execute", orderHandler.ExecuteHandler)
	orders.Get("/:orderId", orderHandler.GetOrderHandler)
	orders.Post("/:orderId/cancel", orderHandler.CancelHandler)

	q := app.Group("/api/queue")
	q.Get("/stats", orderHandler.QueueStatsHandler)
	q.Get("/dead-letters", orderHandler.DeadLettersHandler)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/orders/:orderId", websocket.New(streamHandler.Serve))
}
