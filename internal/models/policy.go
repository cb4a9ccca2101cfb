package models

import (
	"time"
)

// ============================================================================
// POLICY (ONE COVERAGE CONTRACT)
// ============================================================================

type Policy struct {
	ID           uint64          `json:"id" db:"id"`
	Farmer       string          `json:"farmer" db:"farmer"`
	PlotRef      string          `json:"plot_ref" db:"plot_ref"`
	PlotBoundary *GeoJSONPolygon `json:"plot_boundary,omitempty" db:"plot_boundary"`
	SumInsured   int64           `json:"sum_insured" db:"sum_insured"`
	Premium      int64           `json:"premium" db:"premium"`
	DurationDays int             `json:"duration_days" db:"duration_days"`
	StartDate    int64           `json:"start_date" db:"start_date"`
	EndDate      int64           `json:"end_date" db:"end_date"`
	CoverageKind CoverageKind    `json:"coverage_kind" db:"coverage_kind"`
	Status       PolicyStatus    `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// EffectiveStatus folds the derived EXPIRED state into the stored status.
func (p *Policy) EffectiveStatus(now time.Time) PolicyStatus {
	if p.Status == PolicyActive && now.Unix() > p.EndDate {
		return PolicyExpired
	}
	return p.Status
}

// IsActiveAt mirrors isActive: status ACTIVE and now <= endDate.
func (p *Policy) IsActiveAt(now time.Time) bool {
	return p.Status == PolicyActive && now.Unix() <= p.EndDate
}

type PolicyView struct {
	Policy
	EffectiveStatus PolicyStatus `json:"effective_status"`
}

func NewPolicyView(p Policy, now time.Time) PolicyView {
	return PolicyView{Policy: p, EffectiveStatus: p.EffectiveStatus(now)}
}

// FarmerClaimCount is the claim counter for one (farmer, year bucket) pair.
type FarmerClaimCount struct {
	Farmer     string `json:"farmer" db:"farmer"`
	YearBucket int64  `json:"year_bucket" db:"year_bucket"`
	Count      int    `json:"count" db:"claim_count"`
}
