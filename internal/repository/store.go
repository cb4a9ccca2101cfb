package repository

import (
	"context"
	"errors"
	"time"

	"parametric-service/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("write attempted in read-only transaction")

// Tx is the unit-of-work view of persisted state. Every method reads or
// writes through the enclosing transaction and nothing becomes visible to
// other callers until the transaction commits.
type Tx interface {
	NextPolicyID(ctx context.Context) (uint64, error)
	InsertPolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, id uint64) (*models.Policy, error)
	UpdatePolicyStatus(ctx context.Context, id uint64, status models.PolicyStatus) error
	ActivePoliciesEndingBefore(ctx context.Context, cutoff int64, limit int) ([]uint64, error)

	FarmerPolicyIDs(ctx context.Context, farmer string) ([]uint64, error)
	AppendFarmerPolicy(ctx context.Context, farmer string, policyID uint64) error
	FarmerActiveCount(ctx context.Context, farmer string) (int, error)
	SetFarmerActiveCount(ctx context.Context, farmer string, count int) error
	ClaimCount(ctx context.Context, farmer string, yearBucket int64) (int, error)
	SetClaimCount(ctx context.Context, farmer string, yearBucket int64, count int) error

	GetDamageReport(ctx context.Context, policyID uint64) (*models.AcceptedReport, error)
	InsertDamageReport(ctx context.Context, report *models.AcceptedReport) error

	GetTreasury(ctx context.Context) (*models.TreasuryAccount, error)
	SaveTreasury(ctx context.Context, account *models.TreasuryAccount) error
	PremiumReceived(ctx context.Context, policyID uint64) (bool, error)
	MarkPremiumReceived(ctx context.Context, policyID uint64, payer string, gross int64, at time.Time) error
	PayoutProcessed(ctx context.Context, policyID uint64) (bool, error)
	MarkPayoutProcessed(ctx context.Context, policyID uint64, amount int64, at time.Time) error

	AppendAudit(ctx context.Context, record *models.AuditRecord) error
	RecentAudit(ctx context.Context, limit int) ([]models.AuditRecord, error)
}

// Store runs functions against persisted state with single-writer
// semantics. Update commits only when fn returns nil; any error discards
// every write fn made.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
