package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parametric-service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CertificatePublisher forwards certificate mint and status events to the
// certificate renderer over RabbitMQ.
type CertificatePublisher struct {
	ch                AMQPChannel
	mu                sync.Mutex
	messagesPublished int64
	messagesFailed    int64
	lastPublishTime   time.Time
}

func NewCertificatePublisher(ch AMQPChannel) *CertificatePublisher {
	return &CertificatePublisher{ch: ch, lastPublishTime: time.Now()}
}

func (p *CertificatePublisher) MintCertificate(ctx context.Context, mint models.CertificateMint) error {
	return p.publish(ctx, CertificateEvent{Type: CertificateMintEvent, Mint: &mint, At: time.Now().UTC()})
}

func (p *CertificatePublisher) UpdateCertificateStatus(ctx context.Context, status models.CertificateStatus) error {
	return p.publish(ctx, CertificateEvent{Type: CertificateStatusEvent, Status: &status, At: time.Now().UTC()})
}

// publish serialises use of the channel, which is not safe for concurrent
// publishing.
func (p *CertificatePublisher) publish(ctx context.Context, event CertificateEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := declareQueue(p.ch, CertificateQueue); err != nil {
		p.messagesFailed++
		return err
	}

	err = p.ch.PublishWithContext(
		ctx,
		"",               // exchange
		CertificateQueue, // routing key (queue name)
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.messagesFailed++
		return fmt.Errorf("failed to publish certificate event: %w", err)
	}

	p.messagesPublished++
	p.lastPublishTime = time.Now()
	slog.Info("Certificate event published", "queue", CertificateQueue, "type", event.Type)
	return nil
}

// PublisherStats is a snapshot of publish counters.
type PublisherStats struct {
	MessagesPublished int64     `json:"messages_published"`
	MessagesFailed    int64     `json:"messages_failed"`
	LastPublishTime   time.Time `json:"last_publish_time"`
}

func (p *CertificatePublisher) GetStats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStats{
		MessagesPublished: p.messagesPublished,
		MessagesFailed:    p.messagesFailed,
		LastPublishTime:   p.lastPublishTime,
	}
}
