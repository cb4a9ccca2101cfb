package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/repository"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

const (
	unit      int64 = 1_000_000 // one currency unit in base units
	feedID          = "damage-feed"
	workflow        = "damage-assessment-v1"
	testStart int64 = 1_760_000_000
)

var (
	admin = models.NewCaller("ops",
		models.CapPolicyWrite, models.CapPremiumCollect, models.CapPayout, models.CapTreasuryAdmin)
	feed       = models.NewCaller(feedID, models.CapReportSubmit)
	provenance = models.Provenance{SourceID: feedID, WorkflowID: workflow}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(testStart, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePool struct {
	mu            sync.Mutex
	capacity      int64
	failPayout    bool
	failPremium   bool
	collected     map[uint64]int64
	paid          map[uint64]int64
	released      int64
	capitalIn     int64
	capacityCalls int
}

func newFakePool() *fakePool {
	return &fakePool{
		capacity:  1 << 62,
		collected: make(map[uint64]int64),
		paid:      make(map[uint64]int64),
	}
}

var errPoolDown = errors.New("pool unavailable")

func (p *fakePool) CanAcceptPolicy(_ context.Context, sumInsured int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacityCalls++
	return sumInsured <= p.capacity, nil
}

func (p *fakePool) CollectPremium(_ context.Context, policyID uint64, gross int64, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPremium {
		return errPoolDown
	}
	p.collected[policyID] += gross
	return nil
}

func (p *fakePool) ProcessPayout(_ context.Context, policyID uint64, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPayout {
		return errPoolDown
	}
	p.paid[policyID] += amount
	return nil
}

func (p *fakePool) ProvideCapital(_ context.Context, _ string, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capitalIn += amount
	return nil
}

func (p *fakePool) Release(_ context.Context, _ string, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released += amount
	return nil
}

func (p *fakePool) paidTo(policyID uint64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paid[policyID]
}

type recordingNotifier struct {
	mu       sync.Mutex
	mints    []models.CertificateMint
	statuses []models.CertificateStatus
}

func (n *recordingNotifier) MintCertificate(_ context.Context, mint models.CertificateMint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mints = append(n.mints, mint)
	return nil
}

func (n *recordingNotifier) UpdateCertificateStatus(_ context.Context, status models.CertificateStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
	return nil
}

func (n *recordingNotifier) lastStatus() models.CertificateStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statuses[len(n.statuses)-1]
}

type recordingExpiry struct {
	mu        sync.Mutex
	scheduled map[uint64]time.Time
	cancelled []uint64
}

func (e *recordingExpiry) ScheduleExpiry(_ context.Context, policyID uint64, endDate time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduled == nil {
		e.scheduled = make(map[uint64]time.Time)
	}
	e.scheduled[policyID] = endDate
	return nil
}

func (e *recordingExpiry) CancelExpiry(_ context.Context, policyID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, policyID)
	return nil
}

type recordingArchive struct {
	mu      sync.Mutex
	reports []models.AcceptedReport
}

func (a *recordingArchive) ArchiveReport(_ context.Context, report models.AcceptedReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	return nil
}

type harness struct {
	ctx        context.Context
	clock      *testClock
	store      *repository.MemoryStore
	pool       *fakePool
	notifier   *recordingNotifier
	expiry     *recordingExpiry
	archive    *recordingArchive
	rules      Rules
	registry   *PolicyRegistry
	ledger     *TreasuryLedger
	validator  *ClaimValidator
	settlement *PremiumSettlement
}

func newHarness(t *testing.T, tweak ...func(*Rules)) *harness {
	t.Helper()
	rules := DefaultRules()
	for _, fn := range tweak {
		fn(&rules)
	}

	h := &harness{
		ctx:      context.Background(),
		clock:    newTestClock(),
		store:    repository.NewMemoryStore(rules.DefaultFeePct),
		pool:     newFakePool(),
		notifier: &recordingNotifier{},
		expiry:   &recordingExpiry{},
		archive:  &recordingArchive{},
		rules:    rules,
	}
	deps := Collaborators{
		Pool:     h.pool,
		Notifier: h.notifier,
		Expiry:   h.expiry,
		Archive:  h.archive,
		Clock:    h.clock.Now,
	}
	h.registry = NewPolicyRegistry(h.store, rules, deps)
	h.ledger = NewTreasuryLedger(h.store, rules, deps)
	h.validator = NewClaimValidator(h.store, rules, TrustedFeed{
		CallerID:   feedID,
		SourceID:   feedID,
		WorkflowID: workflow,
	}, h.registry, h.ledger, deps)
	h.settlement = NewPremiumSettlement(h.store, h.registry, h.ledger, deps)
	return h
}

func policyRequest(farmer string, sumInsured int64) models.CreatePolicyRequest {
	return models.CreatePolicyRequest{
		Farmer:       farmer,
		PlotRef:      "plot-" + farmer,
		SumInsured:   sumInsured,
		Premium:      sumInsured / 20,
		DurationDays: 180,
		CoverageKind: models.CoverageDrought,
	}
}

func (h *harness) createPolicy(t *testing.T, farmer string, sumInsured int64) *models.Policy {
	t.Helper()
	policy, err := h.registry.CreatePolicy(h.ctx, admin, policyRequest(farmer, sumInsured))
	require.NoError(t, err)
	return policy
}

// activePolicy creates a policy and settles its premium.
func (h *harness) activePolicy(t *testing.T, farmer string, sumInsured int64) *models.Policy {
	t.Helper()
	policy := h.createPolicy(t, farmer, sumInsured)
	_, err := h.settlement.Settle(h.ctx, admin, policy.ID, policy.Premium, farmer)
	require.NoError(t, err)
	policy.Status = models.PolicyActive
	return policy
}

func (h *harness) fund(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, h.ledger.Fund(h.ctx, admin, amount, "investor"))
}

func (h *harness) treasury(t *testing.T) *models.TreasurySummary {
	t.Helper()
	summary, err := h.ledger.Summary(h.ctx)
	require.NoError(t, err)
	return summary
}

func (h *harness) policyStatus(t *testing.T, id uint64) models.PolicyStatus {
	t.Helper()
	view, err := h.registry.GetPolicy(h.ctx, id)
	require.NoError(t, err)
	return view.Status
}

// validReport builds a report consistent with policy for damage bp, assessed
// one minute ago.
func (h *harness) validReport(policy *models.Policy, damage int64) models.DamageReport {
	return models.DamageReport{
		PolicyID:         policy.ID,
		DamagePercentage: damage,
		WeatherDamage:    damage,
		SatelliteDamage:  damage,
		PayoutAmount:     ExpectedPayout(policy.SumInsured, damage),
		AssessedAt:       h.clock.Now().Add(-time.Minute).Unix(),
	}
}

func requireCode(t *testing.T, err error, want *Error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, want, "got %v", err)
}
