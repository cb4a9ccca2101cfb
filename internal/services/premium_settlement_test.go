package services

import (
	"testing"

	"parametric-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettle_ActivatesAndCredits(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy(t, "farmer-a", 10_000*unit)

	receipt, err := h.settlement.Settle(h.ctx, admin, policy.ID, policy.Premium, "farmer-a")
	require.NoError(t, err)

	assert.Equal(t, policy.Premium, receipt.Gross)
	assert.Equal(t, policy.Premium/10, receipt.Fee)
	assert.Equal(t, models.PolicyActive, h.policyStatus(t, policy.ID))
	assert.Equal(t, receipt.Net, h.treasury(t).Balance)
	assert.Equal(t, policy.Premium, h.pool.collected[policy.ID])
	assert.Contains(t, h.expiry.scheduled, policy.ID, "active policy gets an expiry key")
}

func TestSettle_PausedLedgerLeavesPolicyPending(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy(t, "farmer-a", 10_000*unit)
	require.NoError(t, h.ledger.Pause(h.ctx, admin))

	_, err := h.settlement.Settle(h.ctx, admin, policy.ID, policy.Premium, "farmer-a")
	requireCode(t, err, ErrLedgerPaused)

	assert.Equal(t, models.PolicyPending, h.policyStatus(t, policy.ID))
	active, err := h.registry.GetFarmerActiveCount(h.ctx, "farmer-a")
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestSettle_PoolFailureLeavesPolicyPending(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy(t, "farmer-a", 10_000*unit)
	h.pool.failPremium = true

	_, err := h.settlement.Settle(h.ctx, admin, policy.ID, policy.Premium, "farmer-a")
	requireCode(t, err, ErrTransferFailed)
	assert.Equal(t, models.PolicyPending, h.policyStatus(t, policy.ID))
	assert.Zero(t, h.treasury(t).Balance)
}

func TestSettle_SecondPaymentRejected(t *testing.T) {
	h := newHarness(t)
	policy := h.activePolicy(t, "farmer-a", 10_000*unit)
	balance := h.treasury(t).Balance

	_, err := h.settlement.Settle(h.ctx, admin, policy.ID, policy.Premium, "farmer-a")
	requireCode(t, err, ErrWrongStatus)
	assert.Equal(t, balance, h.treasury(t).Balance)
}

func TestSettle_RequiresBothCapabilities(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy(t, "farmer-a", 10_000*unit)

	collector := models.NewCaller("payments", models.CapPremiumCollect)
	_, err := h.settlement.Settle(h.ctx, collector, policy.ID, policy.Premium, "farmer-a")
	requireCode(t, err, ErrForbidden)

	writer := models.NewCaller("ops", models.CapPolicyWrite)
	_, err = h.settlement.Settle(h.ctx, writer, policy.ID, policy.Premium, "farmer-a")
	requireCode(t, err, ErrForbidden)
}

func TestSettle_UnknownPolicy(t *testing.T) {
	h := newHarness(t)

	_, err := h.settlement.Settle(h.ctx, admin, 42, 500*unit, "farmer-a")
	requireCode(t, err, ErrPolicyNotFound)
}
