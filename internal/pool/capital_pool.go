// Package pool holds the in-process capital pool the treasury ledger moves
// funds through.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient pool capital")
	ErrDuplicatePremium  = errors.New("premium already collected for policy")
	ErrDuplicatePayout   = errors.New("payout already processed for policy")
)

type TransferKind string

const (
	TransferCapital TransferKind = "capital"
	TransferPremium TransferKind = "premium"
	TransferPayout  TransferKind = "payout"
	TransferRelease TransferKind = "release"
)

// Transfer is one journal line. Amount is positive for inflows.
type Transfer struct {
	Kind         TransferKind `json:"kind"`
	PolicyID     uint64       `json:"policy_id,omitempty"`
	Counterparty string       `json:"counterparty,omitempty"`
	Amount       int64        `json:"amount"`
	At           time.Time    `json:"at"`
}

// CapitalPool tracks underwriting capital. It refuses new policies whose
// sum insured exceeds maxExposurePct of current capital.
type CapitalPool struct {
	mu             sync.Mutex
	capital        int64
	maxExposurePct int64
	premiums       map[uint64]int64
	payouts        map[uint64]int64
	journal        []Transfer
	now            func() time.Time
}

func NewCapitalPool(initialCapital, maxExposurePct int64) *CapitalPool {
	p := &CapitalPool{
		maxExposurePct: maxExposurePct,
		premiums:       make(map[uint64]int64),
		payouts:        make(map[uint64]int64),
		now:            time.Now,
	}
	if initialCapital > 0 {
		p.capital = initialCapital
		p.record(Transfer{Kind: TransferCapital, Counterparty: "genesis", Amount: initialCapital})
	}
	return p
}

func (p *CapitalPool) CanAcceptPolicy(_ context.Context, sumInsured int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sumInsured <= p.capital*p.maxExposurePct/100, nil
}

// CollectPremium pulls gross into the pool once per policy. Repeating the
// same collection is a no-op so a caller whose own commit failed can retry.
func (p *CapitalPool) CollectPremium(_ context.Context, policyID uint64, gross int64, distributorRef string) error {
	if gross <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.premiums[policyID]; ok {
		if prev == gross {
			slog.Debug("Premium already collected, replay ignored", "policy_id", policyID, "amount", gross)
			return nil
		}
		return fmt.Errorf("%w: %d (collected %d, requested %d)", ErrDuplicatePremium, policyID, prev, gross)
	}
	p.premiums[policyID] = gross
	p.capital += gross
	p.record(Transfer{Kind: TransferPremium, PolicyID: policyID, Counterparty: distributorRef, Amount: gross})
	return nil
}

// ProcessPayout pays amount out once per policy. Like CollectPremium, a
// repeat with the same amount succeeds without moving funds.
func (p *CapitalPool) ProcessPayout(_ context.Context, policyID uint64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.payouts[policyID]; ok {
		if prev == amount {
			slog.Debug("Payout already processed, replay ignored", "policy_id", policyID, "amount", amount)
			return nil
		}
		return fmt.Errorf("%w: %d (paid %d, requested %d)", ErrDuplicatePayout, policyID, prev, amount)
	}
	if amount > p.capital {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, p.capital, amount)
	}
	p.payouts[policyID] = amount
	p.capital -= amount
	p.record(Transfer{Kind: TransferPayout, PolicyID: policyID, Amount: -amount})
	return nil
}

func (p *CapitalPool) ProvideCapital(_ context.Context, from string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capital += amount
	p.record(Transfer{Kind: TransferCapital, Counterparty: from, Amount: amount})
	return nil
}

func (p *CapitalPool) Release(_ context.Context, recipient string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > p.capital {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, p.capital, amount)
	}
	p.capital -= amount
	p.record(Transfer{Kind: TransferRelease, Counterparty: recipient, Amount: -amount})
	return nil
}

// Capital returns the current pool capital.
func (p *CapitalPool) Capital() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capital
}

// Journal returns a copy of every transfer in the order it was applied.
func (p *CapitalPool) Journal() []Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Transfer, len(p.journal))
	copy(out, p.journal)
	return out
}

// caller holds p.mu
func (p *CapitalPool) record(t Transfer) {
	t.At = p.now().UTC()
	p.journal = append(p.journal, t)
	slog.Debug("Pool transfer", "kind", t.Kind, "policy_id", t.PolicyID, "amount", t.Amount, "capital", p.capital)
}
