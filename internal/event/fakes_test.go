package event

import (
	"context"
	"errors"
	"sync"

	"parametric-service/internal/models"
	"parametric-service/internal/services"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel records declared queues and publishings and feeds deliveries
// from a buffered channel.
type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	published  []amqp.Publishing
	keys       []string
	deliveries chan amqp.Delivery
	publishErr error
	declareErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 10)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

// settlement is how a delivery was acknowledged.
type settlement struct {
	tag     uint64
	outcome Outcome
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 10)}
}

func (a *fakeAcknowledger) record(tag uint64, o Outcome) error {
	a.mu.Lock()
	a.settled = append(a.settled, settlement{tag: tag, outcome: o})
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error { return a.record(tag, OutcomeAck) }

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return a.record(tag, OutcomeRetry)
	}
	return a.record(tag, OutcomeDrop)
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func (a *fakeAcknowledger) outcomes() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Outcome, 0, len(a.settled))
	for _, s := range a.settled {
		out = append(out, s.outcome)
	}
	return out
}

type submitCall struct {
	caller     models.Caller
	report     models.DamageReport
	provenance models.Provenance
	transport  string
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) SubmitDamageReport(ctx context.Context, caller models.Caller, report models.DamageReport, provenance models.Provenance) (*models.ClaimReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitCall{caller: caller, report: report, provenance: provenance, transport: services.TransportFrom(ctx)})
	if f.err != nil {
		return nil, f.err
	}
	return &models.ClaimReceipt{PolicyID: report.PolicyID, PayoutAmount: report.PayoutAmount}, nil
}

type fakeSettler struct {
	calls []settleCall
	err   error
}

type settleCall struct {
	caller   models.Caller
	policyID uint64
	gross    int64
	payer    string
}

func (f *fakeSettler) Settle(_ context.Context, caller models.Caller, policyID uint64, gross int64, payer string) (*models.PremiumReceipt, error) {
	f.calls = append(f.calls, settleCall{caller: caller, policyID: policyID, gross: gross, payer: payer})
	if f.err != nil {
		return nil, f.err
	}
	return &models.PremiumReceipt{PolicyID: policyID, Gross: gross}, nil
}

var errBrokerDown = errors.New("connection reset")
