package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/observability"
	"parametric-service/internal/repository"
)

// TrustedFeed identifies the only damage assessment feed whose reports
// can trigger payouts.
type TrustedFeed struct {
	CallerID   string
	SourceID   string
	WorkflowID string
}

type transportKey struct{}

// WithTransport labels ctx with the ingestion path for metrics.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// TransportFrom returns the label set by WithTransport, or "direct".
func TransportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "direct"
}

// ClaimValidator runs the damage report pipeline. Every check passes before
// anything is written, and all writes of an accepted report commit together.
type ClaimValidator struct {
	store    repository.Store
	rules    Rules
	trust    TrustedFeed
	registry *PolicyRegistry
	ledger   *TreasuryLedger
	clock    Clock
	effects  *sideEffects
	metrics  *observability.Metrics
}

func NewClaimValidator(store repository.Store, rules Rules, trust TrustedFeed, registry *PolicyRegistry, ledger *TreasuryLedger, deps Collaborators) *ClaimValidator {
	return &ClaimValidator{
		store:    store,
		rules:    rules,
		trust:    trust,
		registry: registry,
		ledger:   ledger,
		clock:    deps.Clock,
		effects:  deps.effects(),
		metrics:  deps.Metrics,
	}
}

// SubmitDamageReport validates report and, if every check passes, stores it,
// pays it out and marks the policy claimed in one transaction.
func (v *ClaimValidator) SubmitDamageReport(ctx context.Context, caller models.Caller, report models.DamageReport, provenance models.Provenance) (*models.ClaimReceipt, error) {
	started := time.Now()
	transport := TransportFrom(ctx)

	receipt, accepted, err := v.submit(ctx, caller, report, provenance)
	if err != nil {
		logRejection("submit_damage_report", err,
			"policy_id", report.PolicyID, "source", caller.ID, "transport", transport)
		v.metrics.ReportRejected(transport, CodeOf(err), time.Since(started))
		return nil, err
	}

	slog.Info("Damage report accepted",
		"policy_id", receipt.PolicyID,
		"farmer", receipt.Farmer,
		"payout", receipt.PayoutAmount,
		"damage_bp", receipt.DamagePercentage,
		"claims_in_bucket", receipt.ClaimsInBucket)
	v.metrics.ReportAccepted(transport, receipt.PayoutAmount, time.Since(started))
	v.metrics.PolicyTransition(string(models.PolicyClaimed))
	v.effects.archiveReport(*accepted)
	v.effects.cancelExpiry(receipt.PolicyID)
	v.effects.certificateStatus(receipt.PolicyID, false)
	v.ledger.publishSnapshot()
	return receipt, nil
}

func (v *ClaimValidator) submit(ctx context.Context, caller models.Caller, report models.DamageReport, provenance models.Provenance) (*models.ClaimReceipt, *models.AcceptedReport, error) {
	if err := v.checkOrigin(caller, provenance); err != nil {
		return nil, nil, err
	}

	now := v.clock.Now()
	var (
		receipt  *models.ClaimReceipt
		accepted *models.AcceptedReport
	)
	err := v.store.Update(ctx, func(tx repository.Tx) error {
		policy, err := v.checkReport(ctx, tx, report, now)
		if err != nil {
			return err
		}

		accepted = &models.AcceptedReport{
			DamageReport: report,
			SourceID:     provenance.SourceID,
			WorkflowID:   provenance.WorkflowID,
			Farmer:       policy.Farmer,
			YearBucket:   v.rules.YearBucket(now),
			AcceptedAt:   now.UTC().Truncate(time.Microsecond),
		}
		if err := tx.InsertDamageReport(ctx, accepted); err != nil {
			return err
		}
		if _, err := v.registry.markClaimedTx(ctx, tx, caller.ID, policy.ID, now); err != nil {
			return err
		}
		bucket, claims, err := v.registry.incrementClaimCountTx(ctx, tx, policy.Farmer, now)
		if err != nil {
			return err
		}
		if err := v.ledger.disburseTx(ctx, tx, caller.ID, policy.ID, report.PayoutAmount, now); err != nil {
			return err
		}

		receipt = &models.ClaimReceipt{
			PolicyID:         policy.ID,
			Farmer:           policy.Farmer,
			PayoutAmount:     report.PayoutAmount,
			DamagePercentage: report.DamagePercentage,
			YearBucket:       bucket,
			ClaimsInBucket:   claims,
			AcceptedAt:       accepted.AcceptedAt,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return receipt, accepted, nil
}

// ValidateOnly runs every check against current state and reports the payout
// the report would produce, without writing anything.
func (v *ClaimValidator) ValidateOnly(ctx context.Context, caller models.Caller, report models.DamageReport, provenance models.Provenance) (*models.ReportPreview, error) {
	if err := v.checkOrigin(caller, provenance); err != nil {
		logRejection("preview_damage_report", err, "policy_id", report.PolicyID, "source", caller.ID)
		return nil, err
	}

	now := v.clock.Now()
	var preview *models.ReportPreview
	err := v.store.View(ctx, func(tx repository.Tx) error {
		policy, err := v.checkReport(ctx, tx, report, now)
		if err != nil {
			return err
		}
		preview = &models.ReportPreview{
			PolicyID:       policy.ID,
			ExpectedPayout: ExpectedPayout(policy.SumInsured, report.DamagePercentage),
			ExpectedDamage: WeightedDamage(report.WeatherDamage, report.SatelliteDamage),
			Accepted:       true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preview, nil
}

// checkOrigin covers steps 1 and 2, which need no stored state.
func (v *ClaimValidator) checkOrigin(caller models.Caller, provenance models.Provenance) error {
	if caller.ID == "" || caller.ID != v.trust.CallerID || !caller.Can(models.CapReportSubmit) {
		return ErrUnauthorizedSource.With("source", caller.ID)
	}
	if provenance.SourceID != v.trust.SourceID || provenance.WorkflowID != v.trust.WorkflowID {
		return ErrInvalidProvenance.With("source_id", provenance.SourceID, "workflow_id", provenance.WorkflowID)
	}
	return nil
}

// checkReport covers steps 3 to 12 in order and returns the policy.
func (v *ClaimValidator) checkReport(ctx context.Context, tx repository.Tx, report models.DamageReport, now time.Time) (*models.Policy, error) {
	policy, err := loadPolicy(ctx, tx, report.PolicyID, ErrPolicyDoesNotExist)
	if err != nil {
		return nil, err
	}

	if policy.Status != models.PolicyActive {
		return nil, ErrPolicyNotActive.With("policy_id", policy.ID, "actual", policy.Status)
	}

	if now.Unix() > policy.EndDate {
		return nil, ErrPolicyExpired.With("policy_id", policy.ID, "end_date", policy.EndDate, "now", now.Unix())
	}

	paid, err := v.alreadyPaid(ctx, tx, policy.ID)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, ErrAlreadyPaid.With("policy_id", policy.ID)
	}

	damage := report.DamagePercentage
	if damage < v.rules.MinThresholdBP {
		return nil, ErrBelowThreshold.With("damage_percentage", damage, "threshold", v.rules.MinThresholdBP)
	}
	if damage > BasisPoints {
		return nil, ErrAboveMaximum.With("damage_percentage", damage, "maximum", BasisPoints)
	}

	expectedPayout := ExpectedPayout(policy.SumInsured, damage)
	if report.PayoutAmount != expectedPayout {
		return nil, ErrPayoutMismatch.With("expected", expectedPayout, "declared", report.PayoutAmount)
	}

	if !inBasisPoints(report.WeatherDamage) || !inBasisPoints(report.SatelliteDamage) {
		return nil, ErrWeightMismatch.With("weather_damage", report.WeatherDamage, "satellite_damage", report.SatelliteDamage,
			"reason", "component outside 0..10000")
	}
	expectedDamage := WeightedDamage(report.WeatherDamage, report.SatelliteDamage)
	if damage != expectedDamage {
		return nil, ErrWeightMismatch.With("expected", expectedDamage, "declared", damage)
	}

	age := now.Unix() - report.AssessedAt
	maxAge := int64(v.rules.MaxReportAge / time.Second)
	if age < 0 {
		return nil, ErrStaleReport.With("assessed_at", report.AssessedAt, "now", now.Unix(), "reason", "assessed in the future")
	}
	if age > maxAge {
		return nil, ErrStaleReport.With("age_seconds", age, "max_age_seconds", maxAge)
	}

	bucket := v.rules.YearBucket(now)
	claims, err := tx.ClaimCount(ctx, policy.Farmer, bucket)
	if err != nil {
		return nil, err
	}
	if claims >= v.rules.MaxClaimsPerYear {
		return nil, ErrClaimLimitExceeded.With("farmer", policy.Farmer, "year_bucket", bucket, "claims", claims, "max", v.rules.MaxClaimsPerYear)
	}

	return policy, nil
}

func (v *ClaimValidator) alreadyPaid(ctx context.Context, tx repository.Tx, policyID uint64) (bool, error) {
	_, err := tx.GetDamageReport(ctx, policyID)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, repository.ErrNotFound):
		return false, err
	}
	return tx.PayoutProcessed(ctx, policyID)
}

// GetReport returns the accepted report stored for policyID.
func (v *ClaimValidator) GetReport(ctx context.Context, policyID uint64) (*models.AcceptedReport, error) {
	var report *models.AcceptedReport
	err := v.store.View(ctx, func(tx repository.Tx) error {
		var err error
		report, err = tx.GetDamageReport(ctx, policyID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPolicyNotFound.With("policy_id", policyID, "reason", "no accepted report")
		}
		return err
	})
	return report, err
}

func inBasisPoints(v int64) bool {
	return v >= 0 && v <= BasisPoints
}
