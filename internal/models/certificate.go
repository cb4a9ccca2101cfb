package models

// CertificateMint carries what the certificate renderer needs to issue a
// coverage certificate for a new policy.
type CertificateMint struct {
	PolicyID     uint64       `json:"policy_id"`
	Farmer       string       `json:"farmer"`
	PlotRef      string       `json:"plot_ref"`
	SumInsured   int64        `json:"sum_insured"`
	Premium      int64        `json:"premium"`
	StartDate    int64        `json:"start_date"`
	EndDate      int64        `json:"end_date"`
	CoverageKind CoverageKind `json:"coverage_kind"`
}

type CertificateStatus struct {
	PolicyID uint64 `json:"policy_id"`
	IsActive bool   `json:"is_active"`
}
