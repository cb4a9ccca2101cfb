package event

import (
	"context"
	"fmt"
	"log/slog"

	"parametric-service/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel this package uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// RabbitMQConnection holds the RabbitMQ connection and channel
type RabbitMQConnection struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
}

// ConnectRabbitMQ establishes a connection to RabbitMQ
func ConnectRabbitMQ(cfg config.RabbitMQConfig) (*RabbitMQConnection, error) {
	connStr := fmt.Sprintf("amqp://%s:%s@%s:%s/",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
	)

	conn, err := amqp.Dial(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	slog.Info("Connected to RabbitMQ", "host", cfg.Host, "port", cfg.Port)

	return &RabbitMQConnection{
		Connection: conn,
		Channel:    ch,
	}, nil
}

// Close closes the RabbitMQ connection and channel
func (r *RabbitMQConnection) Close() error {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			slog.Error("failed to close RabbitMQ channel", "error", err)
		}
	}
	if r.Connection != nil {
		if err := r.Connection.Close(); err != nil {
			slog.Error("failed to close RabbitMQ connection", "error", err)
			return err
		}
	}
	slog.Info("RabbitMQ connection closed")
	return nil
}

func declareQueue(ch AMQPChannel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// consumeQueue delivers each message of queue to handle, one at a time,
// and settles it according to the returned outcome. It returns once the
// consumer is registered.
func consumeQueue(ctx context.Context, ch AMQPChannel, queue string, handle func(context.Context, amqp.Delivery) Outcome) error {
	if err := declareQueue(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}

	msgs, err := ch.Consume(
		queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (we'll manually ack after processing)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	slog.Info("Consumer started", "queue", queue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Info("Consumer stopped", "queue", queue)
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("Consumer channel closed", "queue", queue)
					return
				}
				settleDelivery(msg, handle(ctx, msg))
			}
		}
	}()

	return nil
}

func settleDelivery(msg amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeAck:
		err = msg.Ack(false)
	case OutcomeRetry:
		err = msg.Nack(false, true)
	case OutcomeDrop:
		err = msg.Nack(false, false)
	}
	if err != nil {
		slog.Error("failed to settle delivery", "delivery_tag", msg.DeliveryTag, "outcome", outcome, "error", err)
	}
}
