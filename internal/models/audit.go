package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is appended in the same transaction as the change it describes.
type AuditRecord struct {
	ID       uuid.UUID       `json:"id" db:"id"`
	Kind     AuditKind       `json:"kind" db:"kind"`
	PolicyID *uint64         `json:"policy_id,omitempty" db:"policy_id"`
	Actor    string          `json:"actor" db:"actor"`
	Amount   int64           `json:"amount" db:"amount"`
	Detail   json.RawMessage `json:"detail,omitempty" db:"detail"`
	At       time.Time       `json:"at" db:"at"`
}

func NewAuditRecord(kind AuditKind, actor string, policyID *uint64, amount int64, detail map[string]any, at time.Time) *AuditRecord {
	var raw json.RawMessage
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	return &AuditRecord{
		ID:       uuid.New(),
		Kind:     kind,
		PolicyID: policyID,
		Actor:    actor,
		Amount:   amount,
		Detail:   raw,
		At:       at,
	}
}
