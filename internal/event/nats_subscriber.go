package event

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parametric-service/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ReportSubscriber consumes damage reports from a JetStream stream. Feeds
// publish on <subject prefix>.<feed id>; the last token is the sender
// identity and the server's publish permissions keep feeds to their own
// subject.
type ReportSubscriber struct {
	js       jetstream.JetStream
	cfg      config.NatsConfig
	ingestor *ReportIngestor
	consumer jetstream.ConsumeContext
}

func NewReportSubscriber(js jetstream.JetStream, cfg config.NatsConfig, ingestor *ReportIngestor) *ReportSubscriber {
	return &ReportSubscriber{js: js, cfg: cfg, ingestor: ingestor}
}

// EnsureStream creates the report stream if it does not exist.
func (s *ReportSubscriber) EnsureStream(ctx context.Context) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", s.cfg.Stream, err)
	}
	slog.Info("Ensured NATS stream", "stream", s.cfg.Stream, "subject", s.cfg.Subject)
	return nil
}

// Subscribe creates a durable explicit-ack consumer and starts delivering.
func (s *ReportSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.settle(msg, s.handle(ctx, msg.Subject(), msg.Data()))
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Consumer, err)
	}
	s.consumer = cc
	slog.Info("Subscribed to damage reports", "subject", s.cfg.Subject, "consumer", s.cfg.Consumer)
	return nil
}

func (s *ReportSubscriber) handle(ctx context.Context, subject string, data []byte) Outcome {
	feedID := subjectFeedID(subject)
	if feedID == "" {
		slog.Warn("damage report on subject without feed id", "subject", subject)
		return OutcomeDrop
	}
	return s.ingestor.Handle(ctx, "nats", feedID, data)
}

func (s *ReportSubscriber) settle(msg jetstream.Msg, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeAck:
		err = msg.Ack()
	case OutcomeRetry:
		err = msg.Nak()
	case OutcomeDrop:
		err = msg.Term()
	}
	if err != nil {
		slog.Error("failed to settle NATS message", "subject", msg.Subject(), "outcome", outcome, "error", err)
	}
}

func (s *ReportSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	slog.Info("NATS report subscriber stopped")
}

func subjectFeedID(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || i == len(subject)-1 {
		return ""
	}
	return subject[i+1:]
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
