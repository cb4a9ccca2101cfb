package services

import (
	"context"

	"parametric-service/internal/models"
	"parametric-service/internal/repository"
)

// PremiumSettlement credits a paid premium and activates its policy in one
// transaction, so a completed payment never leaves a credited but PENDING
// policy behind.
type PremiumSettlement struct {
	store    repository.Store
	registry *PolicyRegistry
	ledger   *TreasuryLedger
	clock    Clock
}

func NewPremiumSettlement(store repository.Store, registry *PolicyRegistry, ledger *TreasuryLedger, deps Collaborators) *PremiumSettlement {
	return &PremiumSettlement{store: store, registry: registry, ledger: ledger, clock: deps.Clock}
}

func (s *PremiumSettlement) Settle(ctx context.Context, caller models.Caller, policyID uint64, gross int64, payer string) (*models.PremiumReceipt, error) {
	const op = "settle_premium"
	if err := requireCapability(caller, models.CapPremiumCollect, op); err != nil {
		return nil, err
	}
	if err := requireCapability(caller, models.CapPolicyWrite, op); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		policy  *models.Policy
		receipt *models.PremiumReceipt
	)
	err := s.store.Update(ctx, func(tx repository.Tx) error {
		var err error
		if policy, err = s.registry.activateTx(ctx, tx, caller.ID, policyID, now); err != nil {
			return err
		}
		receipt, err = s.ledger.receivePremiumTx(ctx, tx, caller.ID, policyID, gross, payer, now)
		return err
	})
	if err != nil {
		s.ledger.reject(op, err, "policy_id", policyID, "gross", gross)
		return nil, err
	}

	s.registry.afterActivation(policy)
	s.ledger.afterPremium(receipt)
	return receipt, nil
}
