package models

import (
	"errors"
	"fmt"
	"strings"
)

func trimAndValidateString(str string, fieldName string, minLen, maxLen int) error {
	trimmed := strings.TrimSpace(str)
	if len(trimmed) < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if len(trimmed) > maxLen {
		return fmt.Errorf("%s must be %d characters or less", fieldName, maxLen)
	}
	return nil
}

// ============================================================================
// POLICY REQUESTS
// ============================================================================

// CreatePolicyRequest only checks shape here. Business bounds (sum insured,
// duration, active cap) belong to the registry so every transport gets the
// same typed errors.
type CreatePolicyRequest struct {
	Farmer       string          `json:"farmer"`
	PlotRef      string          `json:"plot_ref"`
	PlotBoundary *GeoJSONPolygon `json:"plot_boundary,omitempty"`
	SumInsured   int64           `json:"sum_insured"`
	Premium      int64           `json:"premium"`
	DurationDays int             `json:"duration_days"`
	CoverageKind CoverageKind    `json:"coverage_kind"`
}

func (r CreatePolicyRequest) Validate() error {
	if err := trimAndValidateString(r.PlotRef, "plot_ref", 1, 255); err != nil {
		return err
	}
	if len(r.Farmer) > 255 {
		return errors.New("farmer must be 255 characters or less")
	}
	return nil
}

type CreatePolicyResponse struct {
	PolicyID uint64 `json:"policy_id"`
	EndDate  int64  `json:"end_date"`
}

// ============================================================================
// REPORT REQUESTS
// ============================================================================

// SubmitReportRequest is the message shape shared by the HTTP route, the
// damage report queue and the JetStream subject. It has no shape check of its
// own: the claim validator authenticates the sender before looking at it.
type SubmitReportRequest struct {
	Report     DamageReport `json:"report"`
	Provenance Provenance   `json:"provenance"`
}

// ============================================================================
// TREASURY REQUESTS
// ============================================================================

type ReceivePremiumRequest struct {
	PolicyID uint64 `json:"policy_id"`
	Gross    int64  `json:"gross"`
	Payer    string `json:"payer"`
}

func (r ReceivePremiumRequest) Validate() error {
	if r.PolicyID == 0 {
		return errors.New("policy_id is required")
	}
	return nil
}

type FeeRateRequest struct {
	FeeRate int64 `json:"fee_rate"`
}

type RecipientRequest struct {
	Recipient string `json:"recipient"`
}

type CapitalRequest struct {
	Amount int64  `json:"amount"`
	From   string `json:"from"`
}

type DisburseRequest struct {
	PolicyID uint64 `json:"policy_id"`
	Amount   int64  `json:"amount"`
}

func (r DisburseRequest) Validate() error {
	if r.PolicyID == 0 {
		return errors.New("policy_id is required")
	}
	return nil
}
