package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Overflow policies for subscriber buffers.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// Config holds the runtime configuration for an order-stream instance.
// It is read once at startup; Load fails instead of degrading silently.
type Config struct {
	ServiceName string // e.g. "order-stream"
	Env         string // "dev", "uat", "prod"
	LogLevel    string
	Port        int

	RedisURL    string // durable queue + order store
	DatabaseURL string // optional relational order archive
	NATSURL     string // optional cluster event relay
	RabbitMQURL string // optional dead-letter forwarding

	DeadLetterQueue string
	AWSRegion       string
	AWSSecretName   string // when set, connection strings are overlaid from Secrets Manager

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// Queue / worker policy
	QueueName         string
	WorkerConcurrency int
	JobMaxAttempts    int
	JobVisibility     time.Duration
	JobBackoffBase    time.Duration
	JobBackoffMax     time.Duration
	QueuePollInterval time.Duration

	// External execution
	ExecutionURL     string // empty selects the built-in simulator
	ExecutionAPIKey  string
	ExecutionTimeout time.Duration
	ExecutionRPS     int
	ExecutionBurst   int
	SimMinLatency    time.Duration
	SimMaxLatency    time.Duration
	SimFailureRate   float64

	// Subscribers
	SubscriberBuffer   int
	SubscriberOverflow string

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	PGMaxConns int
	PGMinConns int
}

// Load reads configuration from the environment and a .env file if present.
func Load() (*Config, error) {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	var r envReader
	cfg := &Config{
		ServiceName: GetEnv("SERVICE_NAME", "order-stream"),
		Env:         GetEnv("ENV", "dev"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		Port:        r.Int("PORT", 3000),

		RedisURL:    GetEnv("REDIS_URL", "redis://127.0.0.1:6379"),
		DatabaseURL: GetEnv("DATABASE_URL", ""),
		NATSURL:     GetEnv("NATS_URL", ""),
		RabbitMQURL: GetEnv("RABBITMQ_URL", ""),

		DeadLetterQueue: GetEnv("DEAD_LETTER_QUEUE", "orders.dead_letter"),
		AWSRegion:       GetEnv("AWS_REGION", "us-east-2"),
		AWSSecretName:   GetEnv("AWS_SECRET_NAME", ""),

		HTTPReadTimeout:  r.Duration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: r.Duration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  r.Duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    r.Int("HTTP_BODY_LIMIT", 64*1024),

		QueueName:         GetEnv("QUEUE_NAME", "orders"),
		WorkerConcurrency: r.Int("WORKER_CONCURRENCY", 10),
		JobMaxAttempts:    r.Int("JOB_MAX_ATTEMPTS", 3),
		JobVisibility:     r.Duration("JOB_VISIBILITY_TIMEOUT", 30*time.Second),
		JobBackoffBase:    r.Duration("JOB_BACKOFF_BASE", 500*time.Millisecond),
		JobBackoffMax:     r.Duration("JOB_BACKOFF_MAX", 30*time.Second),
		QueuePollInterval: r.Duration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),

		ExecutionURL:     GetEnv("EXECUTION_URL", ""),
		ExecutionAPIKey:  GetEnv("EXECUTION_API_KEY", ""),
		ExecutionTimeout: r.Duration("EXECUTION_TIMEOUT", 10*time.Second),
		ExecutionRPS:     r.Int("EXECUTION_RPS", 20),
		ExecutionBurst:   r.Int("EXECUTION_BURST", 40),
		SimMinLatency:    r.Duration("SIM_MIN_LATENCY", 200*time.Millisecond),
		SimMaxLatency:    r.Duration("SIM_MAX_LATENCY", 2*time.Second),
		SimFailureRate:   r.Float("SIM_FAILURE_RATE", 0),

		SubscriberBuffer:   r.Int("SUBSCRIBER_BUFFER", 64),
		SubscriberOverflow: strings.ToLower(GetEnv("SUBSCRIBER_OVERFLOW", OverflowDropOldest)),

		ReconcileInterval: r.Duration("RECONCILE_INTERVAL", 1*time.Minute),
		ReconcileGrace:    r.Duration("RECONCILE_GRACE", 2*time.Minute),

		PGMaxConns: r.Int("PG_MAX_CONNS", 10),
		PGMinConns: r.Int("PG_MIN_CONNS", 2),
	}

	if err := r.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and connection string syntax.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in 1..65535, got %d", c.Port))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	} else if _, err := redis.ParseURL(c.RedisURL); err != nil {
		errs = append(errs, fmt.Errorf("REDIS_URL: %w", err))
	}
	if c.ExecutionURL != "" {
		if u, err := url.Parse(c.ExecutionURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("EXECUTION_URL %q is not an absolute URL", c.ExecutionURL))
		}
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.JobMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1, got %d", c.JobMaxAttempts))
	}
	if c.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("EXECUTION_TIMEOUT must be positive"))
	}
	if c.JobVisibility <= c.ExecutionTimeout {
		errs = append(errs, fmt.Errorf("JOB_VISIBILITY_TIMEOUT (%s) must exceed EXECUTION_TIMEOUT (%s)",
			c.JobVisibility, c.ExecutionTimeout))
	}
	if c.JobBackoffBase <= 0 || c.JobBackoffMax < c.JobBackoffBase {
		errs = append(errs, errors.New("JOB_BACKOFF_BASE must be positive and <= JOB_BACKOFF_MAX"))
	}
	if c.QueuePollInterval <= 0 {
		errs = append(errs, errors.New("QUEUE_POLL_INTERVAL must be positive"))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_BUFFER must be >= 1, got %d", c.SubscriberBuffer))
	}
	if c.SubscriberOverflow != OverflowDropOldest && c.SubscriberOverflow != OverflowDisconnect {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_OVERFLOW must be %q or %q, got %q",
			OverflowDropOldest, OverflowDisconnect, c.SubscriberOverflow))
	}
	if c.SimFailureRate < 0 || c.SimFailureRate > 1 {
		errs = append(errs, fmt.Errorf("SIM_FAILURE_RATE must be within [0,1], got %v", c.SimFailureRate))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be positive, got %s", c.ReconcileInterval))
	}
	if c.ReconcileGrace < 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_GRACE must not be negative, got %s", c.ReconcileGrace))
	}
	if c.SimMaxLatency < c.SimMinLatency {
		errs = append(errs, errors.New("SIM_MAX_LATENCY must be >= SIM_MIN_LATENCY"))
	}

	return errors.Join(errs...)
}

// ApplySecrets overlays connection strings resolved from a secrets provider.
// Only non-empty values replace the environment-derived ones.
func (c *Config) ApplySecrets(values map[string]string) {
	overlay := func(dst *string, key string) {
		if v := strings.TrimSpace(values[key]); v != "" {
			*dst = v
		}
	}
	overlay(&c.RedisURL, "redis_url")
	overlay(&c.DatabaseURL, "database_url")
	overlay(&c.NATSURL, "nats_url")
	overlay(&c.RabbitMQURL, "rabbitmq_url")
	overlay(&c.ExecutionAPIKey, "execution_api_key")
}
