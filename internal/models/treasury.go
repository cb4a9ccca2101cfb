package models

import "time"

// ============================================================================
// TREASURY ACCOUNT (SINGLETON LEDGER)
// ============================================================================

type TreasuryAccount struct {
	Balance            int64     `json:"balance" db:"balance"`
	TotalPremiumsNet   int64     `json:"total_premiums_net" db:"total_premiums_net"`
	TotalPayouts       int64     `json:"total_payouts" db:"total_payouts"`
	FeeRate            int64     `json:"fee_rate" db:"fee_rate"`
	AccumulatedFees    int64     `json:"accumulated_fees" db:"accumulated_fees"`
	TotalFeesWithdrawn int64     `json:"total_fees_withdrawn" db:"total_fees_withdrawn"`
	Paused             bool      `json:"paused" db:"paused"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// RequiredReserve is totalPremiumsNet * minReservePct / 100.
func (a *TreasuryAccount) RequiredReserve(minReservePct int64) int64 {
	return a.TotalPremiumsNet * minReservePct / 100
}

// AvailableForPayouts is max(0, balance - requiredReserve).
func (a *TreasuryAccount) AvailableForPayouts(minReservePct int64) int64 {
	available := a.Balance - a.RequiredReserve(minReservePct)
	if available < 0 {
		return 0
	}
	return available
}

func (a *TreasuryAccount) MeetsReserveRequirement(minReservePct int64) bool {
	return a.Balance >= a.RequiredReserve(minReservePct)
}

// ReserveRatio is balance*100/totalPremiumsNet, or 100 before any premium
// has been committed.
func (a *TreasuryAccount) ReserveRatio() int64 {
	if a.TotalPremiumsNet == 0 {
		return 100
	}
	return a.Balance * 100 / a.TotalPremiumsNet
}

type TreasurySummary struct {
	TreasuryAccount
	RequiredReserve         int64 `json:"required_reserve"`
	AvailableForPayouts     int64 `json:"available_for_payouts"`
	ReserveRatio            int64 `json:"reserve_ratio"`
	MeetsReserveRequirement bool  `json:"meets_reserve_requirement"`
	MinReservePct           int64 `json:"min_reserve_pct"`
}

func NewTreasurySummary(acc TreasuryAccount, minReservePct int64) TreasurySummary {
	return TreasurySummary{
		TreasuryAccount:         acc,
		RequiredReserve:         acc.RequiredReserve(minReservePct),
		AvailableForPayouts:     acc.AvailableForPayouts(minReservePct),
		ReserveRatio:            acc.ReserveRatio(),
		MeetsReserveRequirement: acc.MeetsReserveRequirement(minReservePct),
		MinReservePct:           minReservePct,
	}
}

type PremiumReceipt struct {
	PolicyID uint64 `json:"policy_id"`
	Payer    string `json:"payer"`
	Gross    int64  `json:"gross"`
	Fee      int64  `json:"fee"`
	Net      int64  `json:"net"`
}
