package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/order-stream/internal/api"
	"github.com/Checker-Finance/order-stream/internal/archive"
	"github.com/Checker-Finance/order-stream/internal/deadletter"
	"github.com/Checker-Finance/order-stream/internal/eventbus"
	"github.com/Checker-Finance/order-stream/internal/execution"
	"github.com/Checker-Finance/order-stream/internal/gateway"
	"github.com/Checker-Finance/order-stream/internal/queue"
	"github.com/Checker-Finance/order-stream/internal/rate"
	"github.com/Checker-Finance/order-stream/internal/reconciler"
	"github.com/Checker-Finance/order-stream/internal/relay"
	"github.com/Checker-Finance/order-stream/internal/store"
	"github.com/Checker-Finance/order-stream/internal/subscription"
	"github.com/Checker-Finance/order-stream/internal/worker"
	"github.com/Checker-Finance/order-stream/pkg/config"
	"github.com/Checker-Finance/order-stream/pkg/logger"
	"github.com/Checker-Finance/order-stream/pkg/secrets"
	"github.com/Checker-Finance/order-stream/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Infof("starting [%s]...", cfg.ServiceName)

	// --- AWS Secrets Manager overlay (optional) ---
	if cfg.AWSSecretName != "" {
		provider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		values, err := secrets.LoadConnectionSecrets(ctx, provider, cfg.AWSSecretName)
		if err != nil {
			logg.Fatalw("failed to load connection secrets", "secret", cfg.AWSSecretName, "error", err)
		}
		cfg.ApplySecrets(values)
		if err := cfg.Validate(); err != nil {
			logg.Fatalw("invalid configuration after secrets overlay", "error", err)
		}
	}

	// --- Redis: order store + job queue ---
	logg.Info("connecting to redis: ", utils.MaskURL(cfg.RedisURL))
	rdb, err := store.Dial(ctx, cfg.RedisURL)
	if err != nil {
		logg.Fatalw("failed to connect to redis", "error", err)
	}
	st := store.NewRedis(rdb, logger.Named("store"))

	q := queue.NewRedis(rdb, queue.Options{
		Name:         cfg.QueueName,
		MaxAttempts:  cfg.JobMaxAttempts,
		Visibility:   cfg.JobVisibility,
		BackoffBase:  cfg.JobBackoffBase,
		BackoffMax:   cfg.JobBackoffMax,
		PollInterval: cfg.QueuePollInterval,
	}, logger.Named("queue"))

	checks := map[string]api.HealthChecker{"redis": st}

	// --- Postgres archive (optional) ---
	var orderArchive *archive.OrderWriter
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pool, err := archive.Connect(ctx, cfg.DatabaseURL, archive.PoolConfig{
			MaxConns: int32(cfg.PGMaxConns),
			MinConns: int32(cfg.PGMinConns),
		})
		if err != nil {
			logg.Fatalw("failed to connect to postgres", "error", err)
		}
		defer pool.Close()

		orderArchive = archive.NewOrderWriter(pool, logger.Named("archive"))
		if err := orderArchive.EnsureSchema(ctx); err != nil {
			logg.Fatalw("failed to ensure archive schema", "error", err)
		}
		checks["postgres"] = orderArchive
	} else {
		logg.Warn("DATABASE_URL not configured; order archive disabled")
	}
	var archiver interface {
		gateway.Archiver
		worker.Archiver
	}
	if orderArchive != nil {
		archiver = orderArchive
	}

	// --- Event bus, optionally relayed across instances over NATS ---
	bus := eventbus.New(logger.Named("eventbus"))
	var events eventbus.Publisher = bus

	var nc *nats.Conn
	var rl *relay.Relay
	if cfg.NATSURL != "" {
		logg.Info("connecting to nats: ", utils.MaskURL(cfg.NATSURL))
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		rl = relay.New(nc, bus, relay.SubjectStatusChanged, cfg.ServiceName, logger.Named("relay"))
		if err := rl.Start(); err != nil {
			logg.Fatalw("failed to start event relay", "error", err)
		}
		events = rl
	} else {
		logg.Warn("NATS_URL not configured; status events stay local to this instance")
	}

	// --- Dead-letter forwarding ---
	var deadLetters deadletter.Sink = deadletter.LogSink{Logger: logger.Named("deadletter")}
	var dlPub *deadletter.Publisher
	if cfg.RabbitMQURL != "" {
		logg.Info("connecting to rabbitmq: ", utils.MaskURL(cfg.RabbitMQURL))
		dlPub, err = deadletter.NewPublisher(cfg.RabbitMQURL, cfg.DeadLetterQueue, logger.Named("deadletter"))
		if err != nil {
			logg.Fatalw("failed to init dead-letter publisher", "error", err)
		}
		deadLetters = dlPub
	}

	// --- Execution capability ---
	var exec execution.Executor
	if cfg.ExecutionURL != "" {
		exec = execution.NewVenueClient(cfg.ExecutionURL, cfg.ExecutionAPIKey, cfg.ExecutionTimeout, rate.Config{
			RequestsPerSecond: cfg.ExecutionRPS,
			Burst:             cfg.ExecutionBurst,
		}, logger.Named("venue"))
	} else {
		logg.Warn("EXECUTION_URL not configured; using the built-in execution simulator")
		exec = execution.NewSimulator(execution.SimulatorConfig{
			MinLatency:  cfg.SimMinLatency,
			MaxLatency:  cfg.SimMaxLatency,
			FailureRate: cfg.SimFailureRate,
		}, logger.Named("simulator"))
	}

	// --- Workers ---
	pool := worker.NewPool(q, st, exec, events, deadLetters, archiver, worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		ExecutionTimeout: cfg.ExecutionTimeout,
	}, logger.Named("worker"))
	pool.Start(ctx)

	// --- Reconciler: fails pending orders that lost their job ---
	recon := reconciler.New(logger.Named("reconciler"), st, q, events, cfg.ReconcileInterval, cfg.ReconcileGrace)
	go recon.Start(ctx)

	// --- Gateway + subscriptions ---
	gw := gateway.New(st, q, events, archiver, logger.Named("gateway"))
	registry := subscription.NewRegistry(bus, st, subscription.Options{
		Buffer:   cfg.SubscriberBuffer,
		Overflow: cfg.SubscriberOverflow,
	}, logger.Named("subscription"))

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.HTTPReadTimeout,
		WriteTimeout:          cfg.HTTPWriteTimeout,
		IdleTimeout:           cfg.HTTPIdleTimeout,
		BodyLimit:             cfg.HTTPBodyLimit,
		DisableStartupMessage: true,
	})

	api.RegisterRoutes(app, nc, checks,
		api.NewOrderHandler(logger.Named("api"), gw, q),
		api.NewStreamHandler(logger.Named("ws"), registry, 0),
	)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("["+cfg.ServiceName+"] running",
		"env", cfg.Env,
		"workers", cfg.WorkerConcurrency,
		"queue", cfg.QueueName,
		"relay", nc != nil,
		"archive", orderArchive != nil)

	<-ctx.Done()
	logg.Infof("shutting down [%s]...", cfg.ServiceName)

	// Close subscribers first so WebSocket handlers return and the server can drain.
	registry.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}

	pool.Stop()
	recon.Stop()

	if rl != nil {
		if err := rl.Close(); err != nil {
			logg.Warnw("relay.close_failed", "error", err)
		}
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logg.Warnw("nats.drain_failed", "error", err)
		}
	}
	if dlPub != nil {
		if err := dlPub.Close(); err != nil {
			logg.Warnw("deadletter.close_failed", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
