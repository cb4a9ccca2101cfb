package event

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReportConsumer consumes damage reports from RabbitMQ. The sender identity
// is the message user-id property, which the broker checks against the
// authenticated connection user.
type ReportConsumer struct {
	ch       AMQPChannel
	ingestor *ReportIngestor
}

func NewReportConsumer(ch AMQPChannel, ingestor *ReportIngestor) *ReportConsumer {
	return &ReportConsumer{ch: ch, ingestor: ingestor}
}

func (c *ReportConsumer) Start(ctx context.Context) error {
	return consumeQueue(ctx, c.ch, DamageReportQueue, c.processMessage)
}

func (c *ReportConsumer) processMessage(ctx context.Context, msg amqp.Delivery) Outcome {
	return c.ingestor.Handle(ctx, "amqp", msg.UserId, msg.Body)
}
