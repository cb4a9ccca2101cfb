package models

type PolicyStatus string

const (
	PolicyPending   PolicyStatus = "pending"
	PolicyActive    PolicyStatus = "active"
	PolicyClaimed   PolicyStatus = "claimed"
	PolicyCancelled PolicyStatus = "cancelled"
	PolicyExpired   PolicyStatus = "expired"
)

// IsTerminal reports whether no further transition is possible from s.
func (s PolicyStatus) IsTerminal() bool {
	switch s {
	case PolicyClaimed, PolicyCancelled, PolicyExpired:
		return true
	}
	return false
}

type CoverageKind string

const (
	CoverageDrought    CoverageKind = "DROUGHT"
	CoverageFlood      CoverageKind = "FLOOD"
	CoverageBoth       CoverageKind = "BOTH"
	CoverageExcessRain CoverageKind = "EXCESS_RAIN"
	CoverageHeat       CoverageKind = "HEAT"
)

func (k CoverageKind) Valid() bool {
	switch k {
	case CoverageDrought, CoverageFlood, CoverageBoth, CoverageExcessRain, CoverageHeat:
		return true
	}
	return false
}

type AuditKind string

const (
	AuditPolicyCreated     AuditKind = "policy_created"
	AuditPolicyActivated   AuditKind = "policy_activated"
	AuditPolicyCancelled   AuditKind = "policy_cancelled"
	AuditPolicyExpired     AuditKind = "policy_expired"
	AuditPolicyClaimed     AuditKind = "policy_claimed"
	AuditPremiumReceived   AuditKind = "premium_received"
	AuditPayoutDisbursed   AuditKind = "payout_disbursed"
	AuditFeesWithdrawn     AuditKind = "fees_withdrawn"
	AuditFeeRateChanged    AuditKind = "fee_rate_changed"
	AuditLedgerPaused      AuditKind = "ledger_paused"
	AuditLedgerUnpaused    AuditKind = "ledger_unpaused"
	AuditEmergencyWithdraw AuditKind = "emergency_withdraw"
	AuditCapitalProvided   AuditKind = "capital_provided"
)
