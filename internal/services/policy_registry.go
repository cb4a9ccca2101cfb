package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/observability"
	"parametric-service/internal/repository"
)

// Collaborators bundles the optional dependencies shared by the core
// components. Nil fields disable the matching behaviour.
type Collaborators struct {
	Pool       FundingPool
	Notifier   CertificateNotifier
	Expiry     ExpiryScheduler
	Archive    ReportArchive
	Dispatcher Dispatcher
	Metrics    *observability.Metrics
	Clock      Clock
}

func (c Collaborators) effects() *sideEffects {
	return &sideEffects{
		dispatcher: c.Dispatcher,
		notifier:   c.Notifier,
		expiry:     c.Expiry,
		archive:    c.Archive,
		metrics:    c.Metrics,
	}
}

// PolicyRegistry owns policy records, their state machine and the
// per-farmer active and claim counters.
type PolicyRegistry struct {
	store   repository.Store
	rules   Rules
	pool    FundingPool
	clock   Clock
	effects *sideEffects
	metrics *observability.Metrics
}

func NewPolicyRegistry(store repository.Store, rules Rules, deps Collaborators) *PolicyRegistry {
	return &PolicyRegistry{
		store:   store,
		rules:   rules,
		pool:    deps.Pool,
		clock:   deps.Clock,
		effects: deps.effects(),
		metrics: deps.Metrics,
	}
}

// SetExpiryScheduler wires the expiry listener after construction, since the
// listener itself calls back into the registry. Call before serving.
func (r *PolicyRegistry) SetExpiryScheduler(s ExpiryScheduler) {
	r.effects.expiry = s
}

func (r *PolicyRegistry) Rules() Rules { return r.rules }

// ============================================================================
// COMMANDS
// ============================================================================

// CreatePolicy stores a new PENDING policy and returns it with its id.
func (r *PolicyRegistry) CreatePolicy(ctx context.Context, caller models.Caller, req models.CreatePolicyRequest) (*models.Policy, error) {
	const op = "create_policy"
	if err := requireCapability(caller, models.CapPolicyWrite, op); err != nil {
		return nil, err
	}
	if err := r.validateNewPolicy(req); err != nil {
		logRejection(op, err, "farmer", req.Farmer)
		return nil, err
	}

	if r.pool != nil {
		ok, err := r.pool.CanAcceptPolicy(ctx, req.SumInsured)
		if err != nil {
			return nil, ErrInternal.Wrap(fmt.Errorf("funding pool capacity check: %w", err))
		}
		if !ok {
			err := ErrPoolCapacityExceeded.With("sum_insured", req.SumInsured)
			logRejection(op, err, "farmer", req.Farmer)
			return nil, err
		}
	}

	now := r.clock.Now()
	start := now.Unix()
	policy := models.Policy{
		Farmer:       req.Farmer,
		PlotRef:      req.PlotRef,
		PlotBoundary: req.PlotBoundary,
		SumInsured:   req.SumInsured,
		Premium:      req.Premium,
		DurationDays: req.DurationDays,
		StartDate:    start,
		EndDate:      start + int64(req.DurationDays)*SecondsPerDay,
		CoverageKind: req.CoverageKind,
		Status:       models.PolicyPending,
		CreatedAt:    now.UTC().Truncate(time.Microsecond),
	}

	err := r.store.Update(ctx, func(tx repository.Tx) error {
		active, err := tx.FarmerActiveCount(ctx, policy.Farmer)
		if err != nil {
			return err
		}
		if active >= r.rules.MaxActivePolicies {
			return ErrTooManyActivePolicies.With("farmer", policy.Farmer, "active", active, "max", r.rules.MaxActivePolicies)
		}

		id, err := tx.NextPolicyID(ctx)
		if err != nil {
			return err
		}
		policy.ID = id

		if err := tx.InsertPolicy(ctx, &policy); err != nil {
			return err
		}
		if err := tx.AppendFarmerPolicy(ctx, policy.Farmer, id); err != nil {
			return err
		}
		return appendAudit(ctx, tx, models.AuditPolicyCreated, caller.ID, &id, policy.SumInsured,
			map[string]any{"farmer": policy.Farmer, "end_date": policy.EndDate, "coverage_kind": policy.CoverageKind}, now)
	})
	if err != nil {
		logRejection(op, err, "farmer", req.Farmer)
		return nil, err
	}

	slog.Info("Policy created", "policy_id", policy.ID, "farmer", policy.Farmer, "end_date", policy.EndDate)
	r.metrics.PolicyTransition(string(models.PolicyPending))
	r.effects.mintCertificate(policy)
	return &policy, nil
}

func (r *PolicyRegistry) validateNewPolicy(req models.CreatePolicyRequest) error {
	if strings.TrimSpace(req.Farmer) == "" {
		return ErrInvalidFarmer
	}
	if req.SumInsured < r.rules.MinSumInsured || req.SumInsured > r.rules.MaxSumInsured {
		return ErrSumInsuredOutOfRange.With("sum_insured", req.SumInsured, "min", r.rules.MinSumInsured, "max", r.rules.MaxSumInsured)
	}
	if req.Premium <= 0 {
		return ErrZeroPremium.With("premium", req.Premium)
	}
	if req.DurationDays < r.rules.MinDurationDays || req.DurationDays > r.rules.MaxDurationDays {
		return ErrDurationOutOfRange.With("duration_days", req.DurationDays, "min", r.rules.MinDurationDays, "max", r.rules.MaxDurationDays)
	}
	if !req.CoverageKind.Valid() {
		return ErrInvalidCoverageKind.With("coverage_kind", req.CoverageKind)
	}
	if strings.TrimSpace(req.PlotRef) == "" {
		return ErrInvalidPlot.With("reason", "plot_ref is empty")
	}
	if err := req.PlotBoundary.Validate(); err != nil {
		return ErrInvalidPlot.With("reason", err.Error())
	}
	return nil
}

// ActivatePolicy moves a PENDING policy to ACTIVE.
func (r *PolicyRegistry) ActivatePolicy(ctx context.Context, caller models.Caller, id uint64) error {
	const op = "activate_policy"
	if err := requireCapability(caller, models.CapPolicyWrite, op); err != nil {
		return err
	}

	now := r.clock.Now()
	var policy *models.Policy
	err := r.store.Update(ctx, func(tx repository.Tx) error {
		var err error
		policy, err = r.activateTx(ctx, tx, caller.ID, id, now)
		return err
	})
	if err != nil {
		logRejection(op, err, "policy_id", id)
		return err
	}

	r.afterActivation(policy)
	return nil
}

func (r *PolicyRegistry) afterActivation(policy *models.Policy) {
	slog.Info("Policy activated", "policy_id", policy.ID, "farmer", policy.Farmer)
	r.metrics.PolicyTransition(string(models.PolicyActive))
	r.effects.scheduleExpiry(policy.ID, policy.EndDate)
	r.effects.certificateStatus(policy.ID, true)
}

// activateTx rechecks the active cap because it counts ACTIVE policies only.
func (r *PolicyRegistry) activateTx(ctx context.Context, tx repository.Tx, actor string, id uint64, now time.Time) (*models.Policy, error) {
	policy, err := loadPolicy(ctx, tx, id, ErrPolicyNotFound)
	if err != nil {
		return nil, err
	}
	if policy.Status != models.PolicyPending {
		return nil, ErrWrongStatus.With("policy_id", id, "expected", models.PolicyPending, "actual", policy.Status)
	}
	if now.Unix() > policy.EndDate {
		return nil, ErrPolicyExpired.With("policy_id", id, "end_date", policy.EndDate, "now", now.Unix())
	}

	active, err := tx.FarmerActiveCount(ctx, policy.Farmer)
	if err != nil {
		return nil, err
	}
	if active >= r.rules.MaxActivePolicies {
		return nil, ErrTooManyActivePolicies.With("farmer", policy.Farmer, "active", active, "max", r.rules.MaxActivePolicies)
	}

	if err := tx.UpdatePolicyStatus(ctx, id, models.PolicyActive); err != nil {
		return nil, err
	}
	if err := tx.SetFarmerActiveCount(ctx, policy.Farmer, active+1); err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, models.AuditPolicyActivated, actor, &id, 0, nil, now); err != nil {
		return nil, err
	}
	policy.Status = models.PolicyActive
	return policy, nil
}

// markClaimedTx is reachable only from the claim transaction.
func (r *PolicyRegistry) markClaimedTx(ctx context.Context, tx repository.Tx, actor string, id uint64, now time.Time) (*models.Policy, error) {
	policy, err := loadPolicy(ctx, tx, id, ErrPolicyNotFound)
	if err != nil {
		return nil, err
	}
	if policy.Status != models.PolicyActive {
		return nil, ErrWrongStatus.With("policy_id", id, "expected", models.PolicyActive, "actual", policy.Status)
	}
	if now.Unix() > policy.EndDate {
		return nil, ErrPolicyExpired.With("policy_id", id, "end_date", policy.EndDate, "now", now.Unix())
	}

	if err := tx.UpdatePolicyStatus(ctx, id, models.PolicyClaimed); err != nil {
		return nil, err
	}
	if err := r.releaseActiveSlot(ctx, tx, policy.Farmer); err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, models.AuditPolicyClaimed, actor, &id, 0, nil, now); err != nil {
		return nil, err
	}
	policy.Status = models.PolicyClaimed
	return policy, nil
}

// incrementClaimCountTx must run in the same transaction as markClaimedTx.
func (r *PolicyRegistry) incrementClaimCountTx(ctx context.Context, tx repository.Tx, farmer string, now time.Time) (int64, int, error) {
	bucket := r.rules.YearBucket(now)
	count, err := tx.ClaimCount(ctx, farmer, bucket)
	if err != nil {
		return 0, 0, err
	}
	if count+1 > r.rules.MaxClaimsPerYear {
		return 0, 0, ErrClaimLimitExceeded.With("farmer", farmer, "year_bucket", bucket, "claims", count, "max", r.rules.MaxClaimsPerYear)
	}
	if err := tx.SetClaimCount(ctx, farmer, bucket, count+1); err != nil {
		return 0, 0, err
	}
	return bucket, count + 1, nil
}

// CancelPolicy ends a PENDING or ACTIVE policy.
func (r *PolicyRegistry) CancelPolicy(ctx context.Context, caller models.Caller, id uint64) error {
	const op = "cancel_policy"
	if err := requireCapability(caller, models.CapPolicyWrite, op); err != nil {
		return err
	}

	now := r.clock.Now()
	var wasActive bool
	err := r.store.Update(ctx, func(tx repository.Tx) error {
		policy, err := loadPolicy(ctx, tx, id, ErrPolicyNotFound)
		if err != nil {
			return err
		}
		switch policy.Status {
		case models.PolicyPending:
		case models.PolicyActive:
			wasActive = true
			if err := r.releaseActiveSlot(ctx, tx, policy.Farmer); err != nil {
				return err
			}
		default:
			return ErrWrongStatus.With("policy_id", id, "expected", "pending|active", "actual", policy.Status)
		}

		if err := tx.UpdatePolicyStatus(ctx, id, models.PolicyCancelled); err != nil {
			return err
		}
		return appendAudit(ctx, tx, models.AuditPolicyCancelled, caller.ID, &id, 0,
			map[string]any{"was_active": wasActive}, now)
	})
	if err != nil {
		logRejection(op, err, "policy_id", id)
		return err
	}

	slog.Info("Policy cancelled", "policy_id", id, "was_active", wasActive)
	r.metrics.PolicyTransition(string(models.PolicyCancelled))
	if wasActive {
		r.effects.cancelExpiry(id)
	}
	r.effects.certificateStatus(id, false)
	return nil
}

// ExpirePolicy stores EXPIRED for an ACTIVE policy whose end date has passed
// and frees the farmer's active slot.
func (r *PolicyRegistry) ExpirePolicy(ctx context.Context, caller models.Caller, id uint64) error {
	const op = "expire_policy"
	if err := requireCapability(caller, models.CapPolicyWrite, op); err != nil {
		return err
	}

	now := r.clock.Now()
	err := r.store.Update(ctx, func(tx repository.Tx) error {
		policy, err := loadPolicy(ctx, tx, id, ErrPolicyNotFound)
		if err != nil {
			return err
		}
		if policy.Status != models.PolicyActive {
			return ErrWrongStatus.With("policy_id", id, "expected", models.PolicyActive, "actual", policy.Status)
		}
		if now.Unix() <= policy.EndDate {
			return ErrPolicyNotExpired.With("policy_id", id, "end_date", policy.EndDate, "now", now.Unix())
		}

		if err := tx.UpdatePolicyStatus(ctx, id, models.PolicyExpired); err != nil {
			return err
		}
		if err := r.releaseActiveSlot(ctx, tx, policy.Farmer); err != nil {
			return err
		}
		return appendAudit(ctx, tx, models.AuditPolicyExpired, caller.ID, &id, 0, nil, now)
	})
	if err != nil {
		logRejection(op, err, "policy_id", id)
		return err
	}

	slog.Info("Policy expired", "policy_id", id)
	r.metrics.PolicyTransition(string(models.PolicyExpired))
	r.effects.certificateStatus(id, false)
	return nil
}

// SweepExpired expires up to limit ACTIVE policies whose end date has passed.
// Policies that changed state in the meantime are skipped.
func (r *PolicyRegistry) SweepExpired(ctx context.Context, caller models.Caller, limit int) (int, error) {
	cutoff := r.clock.Now().Unix()

	var ids []uint64
	err := r.store.View(ctx, func(tx repository.Tx) error {
		var err error
		ids, err = tx.ActivePoliciesEndingBefore(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed policies: %w", err)
	}

	expired := 0
	for _, id := range ids {
		err := r.ExpirePolicy(ctx, caller, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrWrongStatus), errors.Is(err, ErrPolicyNotExpired):
		default:
			return expired, err
		}
	}
	return expired, nil
}

func (r *PolicyRegistry) releaseActiveSlot(ctx context.Context, tx repository.Tx, farmer string) error {
	active, err := tx.FarmerActiveCount(ctx, farmer)
	if err != nil {
		return err
	}
	if active > 0 {
		active--
	}
	return tx.SetFarmerActiveCount(ctx, farmer, active)
}

// ============================================================================
// QUERIES
// ============================================================================

func (r *PolicyRegistry) GetPolicy(ctx context.Context, id uint64) (*models.PolicyView, error) {
	var view models.PolicyView
	err := r.store.View(ctx, func(tx repository.Tx) error {
		policy, err := loadPolicy(ctx, tx, id, ErrPolicyNotFound)
		if err != nil {
			return err
		}
		view = models.NewPolicyView(*policy, r.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// IsActive is false for unknown policies.
func (r *PolicyRegistry) IsActive(ctx context.Context, id uint64) (bool, error) {
	policy, err := r.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return false, nil
		}
		return false, err
	}
	return policy.IsActiveAt(r.clock.Now()), nil
}

func (r *PolicyRegistry) GetFarmerPolicies(ctx context.Context, farmer string) ([]models.PolicyView, error) {
	var views []models.PolicyView
	now := r.clock.Now()
	err := r.store.View(ctx, func(tx repository.Tx) error {
		ids, err := tx.FarmerPolicyIDs(ctx, farmer)
		if err != nil {
			return err
		}
		views = make([]models.PolicyView, 0, len(ids))
		for _, id := range ids {
			policy, err := tx.GetPolicy(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load policy %d of farmer %s: %w", id, farmer, err)
			}
			views = append(views, models.NewPolicyView(*policy, now))
		}
		return nil
	})
	return views, err
}

func (r *PolicyRegistry) GetFarmerActiveCount(ctx context.Context, farmer string) (int, error) {
	var count int
	err := r.store.View(ctx, func(tx repository.Tx) error {
		var err error
		count, err = tx.FarmerActiveCount(ctx, farmer)
		return err
	})
	return count, err
}

func (r *PolicyRegistry) GetFarmerClaimCount(ctx context.Context, farmer string, yearBucket int64) (int, error) {
	var count int
	err := r.store.View(ctx, func(tx repository.Tx) error {
		var err error
		count, err = tx.ClaimCount(ctx, farmer, yearBucket)
		return err
	})
	return count, err
}

// CanFarmerClaim checks the claim count of the current year bucket.
func (r *PolicyRegistry) CanFarmerClaim(ctx context.Context, farmer string) (bool, error) {
	count, err := r.GetFarmerClaimCount(ctx, farmer, r.CurrentYearBucket())
	if err != nil {
		return false, err
	}
	return count < r.rules.MaxClaimsPerYear, nil
}

func (r *PolicyRegistry) CurrentYearBucket() int64 {
	return r.rules.YearBucket(r.clock.Now())
}

// ============================================================================
// HELPERS
// ============================================================================

// loadPolicy maps a missing row to notFound so each caller reports its own
// error code.
func loadPolicy(ctx context.Context, tx repository.Tx, id uint64, notFound *Error) (*models.Policy, error) {
	policy, err := tx.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound.With("policy_id", id)
		}
		return nil, err
	}
	return policy, nil
}

func appendAudit(ctx context.Context, tx repository.Tx, kind models.AuditKind, actor string, policyID *uint64, amount int64, detail map[string]any, at time.Time) error {
	record := models.NewAuditRecord(kind, actor, policyID, amount, detail, at.UTC())
	if err := tx.AppendAudit(ctx, record); err != nil {
		return fmt.Errorf("failed to append %s audit record: %w", kind, err)
	}
	return nil
}

func requireCapability(caller models.Caller, capability models.Capability, operation string) error {
	if caller.Can(capability) {
		return nil
	}
	err := ErrForbidden.With("caller", caller.ID, "capability", string(capability))
	logRejection(operation, err)
	return err
}
