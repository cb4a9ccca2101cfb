package event

import (
	"time"

	"parametric-service/internal/models"
)

const (
	DamageReportQueue  = "damage_report_events"
	PaymentEventsQueue = "payment_events"
	CertificateQueue   = "certificate_events"
)

// Outcome decides how a consumed message is settled.
type Outcome int

const (
	// OutcomeAck: processed, or rejected for a reason a redelivery cannot fix.
	OutcomeAck Outcome = iota
	// OutcomeRetry: infrastructure failure, requeue.
	OutcomeRetry
	// OutcomeDrop: undecodable, discard without requeue.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	}
	return "unknown"
}

// PaymentEvent is published by the payment service when a premium payment
// changes state.
type PaymentEvent struct {
	ID        string     `json:"id"`
	PolicyID  uint64     `json:"policy_id"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	UserID    string     `json:"user_id"`
	OrderCode *string    `json:"order_code"`
	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at"`
}

const PaymentStatusCompleted = "completed"

type CertificateEventType string

const (
	CertificateMintEvent   CertificateEventType = "mint"
	CertificateStatusEvent CertificateEventType = "status"
)

// CertificateEvent is consumed by the certificate renderer.
type CertificateEvent struct {
	Type   CertificateEventType      `json:"type"`
	Mint   *models.CertificateMint   `json:"mint,omitempty"`
	Status *models.CertificateStatus `json:"status,omitempty"`
	At     time.Time                 `json:"at"`
}
