package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"parametric-service/internal/models"
	"parametric-service/internal/services"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PaymentEventHandler defines the interface for handling payment events
type PaymentEventHandler interface {
	HandlePaymentCompleted(ctx context.Context, event PaymentEvent) error
}

// PaymentConsumer consumes payment events from RabbitMQ
type PaymentConsumer struct {
	ch      AMQPChannel
	handler PaymentEventHandler
}

func NewPaymentConsumer(ch AMQPChannel, handler PaymentEventHandler) *PaymentConsumer {
	return &PaymentConsumer{ch: ch, handler: handler}
}

// Start begins consuming payment events
func (c *PaymentConsumer) Start(ctx context.Context) error {
	return consumeQueue(ctx, c.ch, PaymentEventsQueue, c.processMessage)
}

func (c *PaymentConsumer) processMessage(ctx context.Context, msg amqp.Delivery) Outcome {
	var event PaymentEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		slog.Error("failed to unmarshal payment event", "error", err)
		return OutcomeDrop
	}

	slog.Info("Received payment event",
		"payment_id", event.ID,
		"policy_id", event.PolicyID,
		"amount", event.Amount,
		"status", event.Status,
	)

	if event.Status != PaymentStatusCompleted {
		return OutcomeAck
	}

	if err := c.handler.HandlePaymentCompleted(ctx, event); err != nil {
		slog.Error("failed to handle payment event",
			"payment_id", event.ID,
			"policy_id", event.PolicyID,
			"error", err,
		)
		return outcomeFor(err)
	}

	slog.Info("Payment event processed successfully", "payment_id", event.ID)
	return OutcomeAck
}

// PremiumSettler is implemented by *services.PremiumSettlement.
type PremiumSettler interface {
	Settle(ctx context.Context, caller models.Caller, policyID uint64, gross int64, payer string) (*models.PremiumReceipt, error)
}

// DefaultPaymentEventHandler settles a completed payment: premium credit
// and policy activation in one transaction.
type DefaultPaymentEventHandler struct {
	settlement PremiumSettler
	caller     models.Caller
}

func NewDefaultPaymentEventHandler(settlement PremiumSettler, caller models.Caller) *DefaultPaymentEventHandler {
	return &DefaultPaymentEventHandler{settlement: settlement, caller: caller}
}

func (h *DefaultPaymentEventHandler) HandlePaymentCompleted(ctx context.Context, event PaymentEvent) error {
	if event.PolicyID == 0 {
		return services.ErrInvalidRequest.With("payment_id", event.ID, "reason", "missing policy_id")
	}
	_, err := h.settlement.Settle(ctx, h.caller, event.PolicyID, event.Amount, event.UserID)
	return err
}
