package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-stream/pkg/model"
)

// Sink receives jobs that exhausted their retry budget.
type Sink interface {
	Forward(ctx context.Context, dl model.DeadLetter) error
}

// amqpChannel is the subset of *amqp.Channel used by Publisher.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

// Publisher forwards dead letters to a durable RabbitMQ queue so operators
// can inspect or replay them outside Redis.
type Publisher struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
	logger  *zap.Logger
}

// NewPublisher dials RabbitMQ and declares the dead-letter queue.
func NewPublisher(url, queue string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newPublisher(channel, queue, logger)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch amqpChannel, queue string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &Publisher{channel: ch, queue: queue, logger: logger}, nil
}

// Forward publishes dl as a persistent JSON message keyed by order id.
func (p *Publisher) Forward(ctx context.Context, dl model.DeadLetter) error {
	if dl.OrderID == "" {
		return fmt.Errorf("dead letter without order id")
	}

	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.OrderID, err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    dl.OrderID,
			Timestamp:    dl.DeadAt,
			Type:         "order.dead_letter",
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("deadletter.publish_failed",
			zap.String("order_id", dl.OrderID),
			zap.Error(err))
		return fmt.Errorf("publish dead letter %s: %w", dl.OrderID, err)
	}

	p.logger.Info("deadletter.forwarded",
		zap.String("order_id", dl.OrderID),
		zap.String("queue", p.queue),
		zap.String("reason", dl.Reason),
		zap.Int("attempts", dl.Attempts))
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogSink records dead letters in the service log only. It is used when no
// broker is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Forward(_ context.Context, dl model.DeadLetter) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("deadletter.recorded",
		zap.String("order_id", dl.OrderID),
		zap.String("reason", dl.Reason),
		zap.Int("attempts", dl.Attempts))
	return nil
}
