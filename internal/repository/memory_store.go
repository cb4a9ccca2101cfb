package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"parametric-service/internal/models"
)

type claimKey struct {
	farmer     string
	yearBucket int64
}

type memoryState struct {
	lastPolicyID    uint64
	policies        map[uint64]models.Policy
	farmerPolicies  map[string][]uint64
	activeCounts    map[string]int
	claimCounts     map[claimKey]int
	reports         map[uint64]models.AcceptedReport
	treasury        models.TreasuryAccount
	premiumReceived map[uint64]bool
	payoutProcessed map[uint64]bool
	audit           []models.AuditRecord
}

func (s *memoryState) clone() *memoryState {
	farmerPolicies := make(map[string][]uint64, len(s.farmerPolicies))
	for farmer, ids := range s.farmerPolicies {
		farmerPolicies[farmer] = slices.Clone(ids)
	}
	return &memoryState{
		lastPolicyID:    s.lastPolicyID,
		policies:        maps.Clone(s.policies),
		farmerPolicies:  farmerPolicies,
		activeCounts:    maps.Clone(s.activeCounts),
		claimCounts:     maps.Clone(s.claimCounts),
		reports:         maps.Clone(s.reports),
		treasury:        s.treasury,
		premiumReceived: maps.Clone(s.premiumReceived),
		payoutProcessed: maps.Clone(s.payoutProcessed),
		audit:           slices.Clip(s.audit),
	}
}

// MemoryStore keeps all state in process behind one lock. Update works on a
// copy of the state which replaces the live state only when fn succeeds.
// Every Update clones all maps and the first audit append reallocates the
// audit slice, so each write costs O(total state). It backs tests and
// STORE=memory dev runs, not production volumes.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemoryStore(initialFeeRate int64) *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			policies:        make(map[uint64]models.Policy),
			farmerPolicies:  make(map[string][]uint64),
			activeCounts:    make(map[string]int),
			claimCounts:     make(map[claimKey]int),
			reports:         make(map[uint64]models.AcceptedReport),
			treasury:        models.TreasuryAccount{FeeRate: initialFeeRate},
			premiumReceived: make(map[uint64]bool),
			payoutProcessed: make(map[uint64]bool),
		},
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return fn(&memoryTx{state: m.state, readOnly: true})
}

func (m *MemoryStore) Close() error { return nil }

type memoryTx struct {
	state    *memoryState
	readOnly bool
}

func (t *memoryTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memoryTx) NextPolicyID(ctx context.Context) (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.state.lastPolicyID++
	return t.state.lastPolicyID, nil
}

func (t *memoryTx) InsertPolicy(ctx context.Context, policy *models.Policy) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.policies[policy.ID]; ok {
		return fmt.Errorf("policy %d already exists", policy.ID)
	}
	t.state.policies[policy.ID] = *policy
	return nil
}

func (t *memoryTx) GetPolicy(ctx context.Context, id uint64) (*models.Policy, error) {
	policy, ok := t.state.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &policy, nil
}

func (t *memoryTx) UpdatePolicyStatus(ctx context.Context, id uint64, status models.PolicyStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	policy, ok := t.state.policies[id]
	if !ok {
		return ErrNotFound
	}
	policy.Status = status
	t.state.policies[id] = policy
	return nil
}

func (t *memoryTx) ActivePoliciesEndingBefore(ctx context.Context, cutoff int64, limit int) ([]uint64, error) {
	var ids []uint64
	for id, policy := range t.state.policies {
		if policy.Status == models.PolicyActive && policy.EndDate < cutoff {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memoryTx) FarmerPolicyIDs(ctx context.Context, farmer string) ([]uint64, error) {
	return slices.Clone(t.state.farmerPolicies[farmer]), nil
}

func (t *memoryTx) AppendFarmerPolicy(ctx context.Context, farmer string, policyID uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.farmerPolicies[farmer] = append(t.state.farmerPolicies[farmer], policyID)
	return nil
}

func (t *memoryTx) FarmerActiveCount(ctx context.Context, farmer string) (int, error) {
	return t.state.activeCounts[farmer], nil
}

func (t *memoryTx) SetFarmerActiveCount(ctx context.Context, farmer string, count int) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.activeCounts[farmer] = count
	return nil
}

func (t *memoryTx) ClaimCount(ctx context.Context, farmer string, yearBucket int64) (int, error) {
	return t.state.claimCounts[claimKey{farmer, yearBucket}], nil
}

func (t *memoryTx) SetClaimCount(ctx context.Context, farmer string, yearBucket int64, count int) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.claimCounts[claimKey{farmer, yearBucket}] = count
	return nil
}

func (t *memoryTx) GetDamageReport(ctx context.Context, policyID uint64) (*models.AcceptedReport, error) {
	report, ok := t.state.reports[policyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &report, nil
}

func (t *memoryTx) InsertDamageReport(ctx context.Context, report *models.AcceptedReport) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.reports[report.PolicyID]; ok {
		return fmt.Errorf("damage report for policy %d already exists", report.PolicyID)
	}
	t.state.reports[report.PolicyID] = *report
	return nil
}

func (t *memoryTx) GetTreasury(ctx context.Context) (*models.TreasuryAccount, error) {
	account := t.state.treasury
	return &account, nil
}

func (t *memoryTx) SaveTreasury(ctx context.Context, account *models.TreasuryAccount) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.treasury = *account
	return nil
}

func (t *memoryTx) PremiumReceived(ctx context.Context, policyID uint64) (bool, error) {
	return t.state.premiumReceived[policyID], nil
}

func (t *memoryTx) MarkPremiumReceived(ctx context.Context, policyID uint64, payer string, gross int64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.premiumReceived[policyID] = true
	return nil
}

func (t *memoryTx) PayoutProcessed(ctx context.Context, policyID uint64) (bool, error) {
	return t.state.payoutProcessed[policyID], nil
}

func (t *memoryTx) MarkPayoutProcessed(ctx context.Context, policyID uint64, amount int64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.payoutProcessed[policyID] = true
	return nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.audit = append(t.state.audit, *record)
	return nil
}

// RecentAudit returns the newest records first.
func (t *memoryTx) RecentAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	n := len(t.state.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.AuditRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.state.audit[i])
	}
	return out, nil
}
