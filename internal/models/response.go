package models

type FarmerPoliciesResponse struct {
	Farmer      string       `json:"farmer"`
	Policies    []PolicyView `json:"policies"`
	ActiveCount int          `json:"active_count"`
}

type FarmerClaimsResponse struct {
	Farmer     string `json:"farmer"`
	YearBucket int64  `json:"year_bucket"`
	ClaimCount int    `json:"claim_count"`
	CanClaim   bool   `json:"can_claim"`
}

type FeesWithdrawnResponse struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}
