package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/services"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSettled(t *testing.T, ack *fakeAcknowledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d deliveries settled", i, n)
		}
	}
}

// ============================================================================
// DELIVERY SETTLEMENT
// ============================================================================

func TestSettleDelivery(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeAck, OutcomeRetry, OutcomeDrop} {
		ack := newFakeAcknowledger()
		settleDelivery(amqp.Delivery{Acknowledger: ack, DeliveryTag: 9}, outcome)

		require.Len(t, ack.settled, 1)
		assert.Equal(t, settlement{tag: 9, outcome: outcome}, ack.settled[0])
	}
}

// ============================================================================
// REPORT CONSUMER
// ============================================================================

func TestReportConsumer_UsesMessageUserID(t *testing.T) {
	ch := newFakeChannel()
	submitter := &fakeSubmitter{}
	consumer := NewReportConsumer(ch, NewReportIngestor(submitter, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	assert.Equal(t, []string{DamageReportQueue}, ch.declared)

	ack := newFakeAcknowledger()
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, UserId: "damage-feed", Body: reportBody(t, 3)}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, UserId: "damage-feed", Body: []byte("garbage")}
	waitSettled(t, ack, 2)

	assert.Equal(t, []Outcome{OutcomeAck, OutcomeDrop}, ack.outcomes())
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	require.Len(t, submitter.calls, 1)
	assert.Equal(t, "damage-feed", submitter.calls[0].caller.ID)
}

// ============================================================================
// PAYMENT CONSUMER
// ============================================================================

func paymentBody(t *testing.T, ev PaymentEvent) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body
}

func TestPaymentConsumer_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		body      func(t *testing.T) []byte
		settleErr error
		want      Outcome
		settled   bool
	}{
		{
			name: "completed payment settles the premium",
			body: func(t *testing.T) []byte {
				return paymentBody(t, PaymentEvent{ID: "pay-1", PolicyID: 4, Amount: 500, Status: PaymentStatusCompleted, UserID: "farmer-a"})
			},
			want:    OutcomeAck,
			settled: true,
		},
		{
			name: "pending payment is ignored",
			body: func(t *testing.T) []byte {
				return paymentBody(t, PaymentEvent{ID: "pay-2", PolicyID: 4, Amount: 500, Status: "pending"})
			},
			want: OutcomeAck,
		},
		{
			name: "already active policy is terminal",
			body: func(t *testing.T) []byte {
				return paymentBody(t, PaymentEvent{ID: "pay-3", PolicyID: 4, Amount: 500, Status: PaymentStatusCompleted, UserID: "farmer-a"})
			},
			settleErr: services.ErrWrongStatus,
			want:      OutcomeAck,
			settled:   true,
		},
		{
			name: "pool outage is retried",
			body: func(t *testing.T) []byte {
				return paymentBody(t, PaymentEvent{ID: "pay-4", PolicyID: 4, Amount: 500, Status: PaymentStatusCompleted, UserID: "farmer-a"})
			},
			settleErr: services.ErrTransferFailed,
			want:      OutcomeRetry,
			settled:   true,
		},
		{
			name: "missing policy id is terminal",
			body: func(t *testing.T) []byte {
				return paymentBody(t, PaymentEvent{ID: "pay-5", Amount: 500, Status: PaymentStatusCompleted})
			},
			want: OutcomeAck,
		},
		{
			name: "malformed event is dropped",
			body: func(*testing.T) []byte { return []byte("[") },
			want: OutcomeDrop,
		},
	}

	system := models.NewCaller("parametric-service", models.CapPolicyWrite, models.CapPremiumCollect)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settler := &fakeSettler{err: tt.settleErr}
			consumer := NewPaymentConsumer(newFakeChannel(), NewDefaultPaymentEventHandler(settler, system))

			got := consumer.processMessage(context.Background(), amqp.Delivery{Body: tt.body(t)})
			assert.Equal(t, tt.want, got)

			if !tt.settled {
				assert.Empty(t, settler.calls)
				return
			}
			require.Len(t, settler.calls, 1)
			assert.Equal(t, settleCall{caller: system, policyID: 4, gross: 500, payer: "farmer-a"}, settler.calls[0])
		})
	}
}

// ============================================================================
// CERTIFICATE PUBLISHER
// ============================================================================

func TestCertificatePublisher_Publishes(t *testing.T) {
	ch := newFakeChannel()
	publisher := NewCertificatePublisher(ch)
	ctx := context.Background()

	require.NoError(t, publisher.MintCertificate(ctx, models.CertificateMint{PolicyID: 1, Farmer: "farmer-a"}))
	require.NoError(t, publisher.UpdateCertificateStatus(ctx, models.CertificateStatus{PolicyID: 1, IsActive: true}))

	require.Len(t, ch.published, 2)
	assert.Equal(t, []string{CertificateQueue, CertificateQueue}, ch.keys)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)

	var mint CertificateEvent
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &mint))
	assert.Equal(t, CertificateMintEvent, mint.Type)
	require.NotNil(t, mint.Mint)
	assert.Equal(t, "farmer-a", mint.Mint.Farmer)
	assert.Nil(t, mint.Status)

	var status CertificateEvent
	require.NoError(t, json.Unmarshal(ch.published[1].Body, &status))
	assert.Equal(t, CertificateStatusEvent, status.Type)
	assert.Equal(t, &models.CertificateStatus{PolicyID: 1, IsActive: true}, status.Status)

	assert.Equal(t, int64(2), publisher.GetStats().MessagesPublished)
}

func TestCertificatePublisher_CountsFailures(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errBrokerDown
	publisher := NewCertificatePublisher(ch)

	err := publisher.UpdateCertificateStatus(context.Background(), models.CertificateStatus{PolicyID: 1})
	assert.ErrorIs(t, err, errBrokerDown)

	ch.publishErr = nil
	ch.declareErr = errBrokerDown
	err = publisher.UpdateCertificateStatus(context.Background(), models.CertificateStatus{PolicyID: 1})
	assert.ErrorIs(t, err, errBrokerDown)

	stats := publisher.GetStats()
	assert.Equal(t, int64(2), stats.MessagesFailed)
	assert.Zero(t, stats.MessagesPublished)
}

// ============================================================================
// NATS SUBJECTS
// ============================================================================

func TestSubjectFeedID(t *testing.T) {
	tests := map[string]string{
		"reports.damage.damage-feed": "damage-feed",
		"reports.feed":               "feed",
		"reports.":                   "",
		"reports":                    "",
		"":                           "",
	}
	for subject, want := range tests {
		assert.Equal(t, want, subjectFeedID(subject), "subject %q", subject)
	}
}

func TestReportSubscriber_HandleResolvesFeedFromSubject(t *testing.T) {
	submitter := &fakeSubmitter{}
	sub := &ReportSubscriber{ingestor: NewReportIngestor(submitter, nil)}

	assert.Equal(t, OutcomeAck, sub.handle(context.Background(), "reports.damage.damage-feed", reportBody(t, 2)))
	assert.Equal(t, OutcomeDrop, sub.handle(context.Background(), "reports", reportBody(t, 2)))

	require.Len(t, submitter.calls, 1)
	assert.Equal(t, "damage-feed", submitter.calls[0].caller.ID)
	assert.Equal(t, "nats", submitter.calls[0].transport)
}
