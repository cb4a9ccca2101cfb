package models

import "time"

// DamageReport is the assessment a trusted feed delivers for one policy.
// Percentages are basis points (10000 = 100%); amounts are settlement
// currency base units.
type DamageReport struct {
	PolicyID         uint64 `json:"policy_id" db:"policy_id"`
	DamagePercentage int64  `json:"damage_percentage" db:"damage_percentage"`
	WeatherDamage    int64  `json:"weather_damage" db:"weather_damage"`
	SatelliteDamage  int64  `json:"satellite_damage" db:"satellite_damage"`
	PayoutAmount     int64  `json:"payout_amount" db:"payout_amount"`
	AssessedAt       int64  `json:"assessed_at" db:"assessed_at"`
}

// Provenance identifies the workflow that produced a report.
type Provenance struct {
	SourceID   string `json:"source_id"`
	WorkflowID string `json:"workflow_id"`
}

// AcceptedReport is what gets persisted once every check passed.
type AcceptedReport struct {
	DamageReport
	SourceID   string    `json:"source_id" db:"source_id"`
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`
	Farmer     string    `json:"farmer" db:"farmer"`
	YearBucket int64     `json:"year_bucket" db:"year_bucket"`
	AcceptedAt time.Time `json:"accepted_at" db:"accepted_at"`
}

// ClaimReceipt is returned to the feed after a report was accepted and paid.
type ClaimReceipt struct {
	PolicyID         uint64    `json:"policy_id"`
	Farmer           string    `json:"farmer"`
	PayoutAmount     int64     `json:"payout_amount"`
	DamagePercentage int64     `json:"damage_percentage"`
	YearBucket       int64     `json:"year_bucket"`
	ClaimsInBucket   int       `json:"claims_in_bucket"`
	AcceptedAt       time.Time `json:"accepted_at"`
}

// ReportPreview is the dry-run outcome of the validation pipeline.
type ReportPreview struct {
	PolicyID       uint64 `json:"policy_id"`
	ExpectedPayout int64  `json:"expected_payout"`
	ExpectedDamage int64  `json:"expected_damage"`
	Accepted       bool   `json:"accepted"`
}
