package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/observability"
	"parametric-service/internal/repository"
)

// TreasuryLedger owns the singleton treasury account and the premium and
// payout idempotency flags. Every method that moves funds sets its flag and
// books the balances before calling the funding pool, and the pool call is
// the last write of the transaction.
type TreasuryLedger struct {
	store   repository.Store
	rules   Rules
	pool    FundingPool
	clock   Clock
	metrics *observability.Metrics
}

func NewTreasuryLedger(store repository.Store, rules Rules, deps Collaborators) *TreasuryLedger {
	return &TreasuryLedger{
		store:   store,
		rules:   rules,
		pool:    deps.Pool,
		clock:   deps.Clock,
		metrics: deps.Metrics,
	}
}

// ============================================================================
// PREMIUMS AND PAYOUTS
// ============================================================================

// ReceivePremium credits a policy's premium exactly once.
func (l *TreasuryLedger) ReceivePremium(ctx context.Context, caller models.Caller, policyID uint64, gross int64, payer string) (*models.PremiumReceipt, error) {
	const op = "receive_premium"
	if err := requireCapability(caller, models.CapPremiumCollect, op); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	var receipt *models.PremiumReceipt
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		var err error
		receipt, err = l.receivePremiumTx(ctx, tx, caller.ID, policyID, gross, payer, now)
		return err
	})
	if err != nil {
		l.reject(op, err, "policy_id", policyID, "gross", gross)
		return nil, err
	}

	l.afterPremium(receipt)
	return receipt, nil
}

func (l *TreasuryLedger) afterPremium(receipt *models.PremiumReceipt) {
	slog.Info("Premium received", "policy_id", receipt.PolicyID, "gross", receipt.Gross, "fee", receipt.Fee, "net", receipt.Net)
	l.metrics.PremiumReceived()
	l.publishSnapshot()
}

func (l *TreasuryLedger) receivePremiumTx(ctx context.Context, tx repository.Tx, actor string, policyID uint64, gross int64, payer string, now time.Time) (*models.PremiumReceipt, error) {
	if gross <= 0 {
		return nil, ErrZeroAmount.With("amount", gross)
	}
	if strings.TrimSpace(payer) == "" {
		return nil, ErrInvalidPayer
	}

	account, err := tx.GetTreasury(ctx)
	if err != nil {
		return nil, err
	}
	if account.Paused {
		return nil, ErrLedgerPaused
	}

	received, err := tx.PremiumReceived(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if received {
		return nil, ErrPremiumAlreadyReceived.With("policy_id", policyID)
	}
	if err := tx.MarkPremiumReceived(ctx, policyID, payer, gross, now.UTC()); err != nil {
		return nil, err
	}

	fee := gross * account.FeeRate / 100
	net := gross - fee
	account.Balance += gross
	account.AccumulatedFees += fee
	account.TotalPremiumsNet += net
	account.UpdatedAt = now.UTC()
	if err := tx.SaveTreasury(ctx, account); err != nil {
		return nil, err
	}
	if err := appendAudit(ctx, tx, models.AuditPremiumReceived, actor, &policyID, gross,
		map[string]any{"payer": payer, "fee": fee, "net": net}, now); err != nil {
		return nil, err
	}

	if l.pool != nil {
		if err := l.pool.CollectPremium(ctx, policyID, gross, payer); err != nil {
			return nil, ErrTransferFailed.With("policy_id", policyID, "amount", gross).Wrap(err)
		}
	}

	return &models.PremiumReceipt{PolicyID: policyID, Payer: payer, Gross: gross, Fee: fee, Net: net}, nil
}

// Disburse pays amount for policyID outside the claim pipeline.
func (l *TreasuryLedger) Disburse(ctx context.Context, caller models.Caller, policyID uint64, amount int64) error {
	const op = "disburse"
	if err := requireCapability(caller, models.CapPayout, op); err != nil {
		return err
	}

	now := l.clock.Now()
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		return l.disburseTx(ctx, tx, caller.ID, policyID, amount, now)
	})
	if err != nil {
		l.reject(op, err, "policy_id", policyID, "amount", amount)
		return err
	}

	slog.Info("Payout disbursed", "policy_id", policyID, "amount", amount)
	l.publishSnapshot()
	return nil
}

// disburseTx requires balance >= amount + requiredReserve.
func (l *TreasuryLedger) disburseTx(ctx context.Context, tx repository.Tx, actor string, policyID uint64, amount int64, now time.Time) error {
	if amount <= 0 {
		return ErrZeroAmount.With("amount", amount)
	}

	account, err := tx.GetTreasury(ctx)
	if err != nil {
		return err
	}
	if account.Paused {
		return ErrLedgerPaused
	}

	processed, err := tx.PayoutProcessed(ctx, policyID)
	if err != nil {
		return err
	}
	if processed {
		return ErrPayoutAlreadyProcessed.With("policy_id", policyID)
	}

	required := account.RequiredReserve(l.rules.MinReservePct)
	if account.Balance < amount+required {
		return ErrInsufficientReserves.With(
			"available", account.AvailableForPayouts(l.rules.MinReservePct),
			"requested", amount,
			"required_reserve", required,
		)
	}

	if err := tx.MarkPayoutProcessed(ctx, policyID, amount, now.UTC()); err != nil {
		return err
	}

	account.Balance -= amount
	account.TotalPayouts += amount
	account.UpdatedAt = now.UTC()
	if err := tx.SaveTreasury(ctx, account); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, models.AuditPayoutDisbursed, actor, &policyID, amount,
		map[string]any{"required_reserve": required}, now); err != nil {
		return err
	}

	if l.pool != nil {
		if err := l.pool.ProcessPayout(ctx, policyID, amount); err != nil {
			return ErrTransferFailed.With("policy_id", policyID, "amount", amount).Wrap(err)
		}
	}
	return nil
}

// ============================================================================
// ADMINISTRATION
// ============================================================================

// WithdrawFees sends all accumulated fees to recipient. The withdrawal may
// not take the balance below the required reserve.
func (l *TreasuryLedger) WithdrawFees(ctx context.Context, caller models.Caller, recipient string) (int64, error) {
	const op = "withdraw_fees"
	if err := requireCapability(caller, models.CapTreasuryAdmin, op); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	var amount int64
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		if strings.TrimSpace(recipient) == "" {
			return ErrInvalidRecipient
		}
		account, err := tx.GetTreasury(ctx)
		if err != nil {
			return err
		}
		if account.Paused {
			return ErrLedgerPaused
		}
		amount = account.AccumulatedFees
		if amount <= 0 {
			return ErrZeroAmount.With("accumulated_fees", amount)
		}
		required := account.RequiredReserve(l.rules.MinReservePct)
		if account.Balance-amount < required {
			return ErrInsufficientReserves.With(
				"available", account.AvailableForPayouts(l.rules.MinReservePct),
				"requested", amount,
				"required_reserve", required,
			)
		}

		account.Balance -= amount
		account.AccumulatedFees = 0
		account.TotalFeesWithdrawn += amount
		account.UpdatedAt = now.UTC()
		if err := tx.SaveTreasury(ctx, account); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, models.AuditFeesWithdrawn, caller.ID, nil, amount,
			map[string]any{"recipient": recipient}, now); err != nil {
			return err
		}
		return l.release(ctx, recipient, amount)
	})
	if err != nil {
		l.reject(op, err, "recipient", recipient)
		return 0, err
	}

	slog.Info("Fees withdrawn", "recipient", recipient, "amount", amount)
	l.publishSnapshot()
	return amount, nil
}

// SetFeeRate changes the fee applied to premiums received from now on.
func (l *TreasuryLedger) SetFeeRate(ctx context.Context, caller models.Caller, rate int64) error {
	const op = "set_fee_rate"
	if err := requireCapability(caller, models.CapTreasuryAdmin, op); err != nil {
		return err
	}

	now := l.clock.Now()
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		if rate < 0 || rate > l.rules.MaxFeePct {
			return ErrFeeRateTooHigh.With("rate", rate, "max", l.rules.MaxFeePct)
		}
		account, err := tx.GetTreasury(ctx)
		if err != nil {
			return err
		}
		previous := account.FeeRate
		account.FeeRate = rate
		account.UpdatedAt = now.UTC()
		if err := tx.SaveTreasury(ctx, account); err != nil {
			return err
		}
		return appendAudit(ctx, tx, models.AuditFeeRateChanged, caller.ID, nil, 0,
			map[string]any{"previous": previous, "rate": rate}, now)
	})
	if err != nil {
		l.reject(op, err, "rate", rate)
		return err
	}

	slog.Info("Fee rate changed", "rate", rate)
	return nil
}

func (l *TreasuryLedger) Pause(ctx context.Context, caller models.Caller) error {
	return l.setPaused(ctx, caller, true)
}

func (l *TreasuryLedger) Unpause(ctx context.Context, caller models.Caller) error {
	return l.setPaused(ctx, caller, false)
}

func (l *TreasuryLedger) setPaused(ctx context.Context, caller models.Caller, paused bool) error {
	op, kind := "pause", models.AuditLedgerPaused
	if !paused {
		op, kind = "unpause", models.AuditLedgerUnpaused
	}
	if err := requireCapability(caller, models.CapTreasuryAdmin, op); err != nil {
		return err
	}

	now := l.clock.Now()
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		account, err := tx.GetTreasury(ctx)
		if err != nil {
			return err
		}
		if paused && account.Paused {
			return ErrLedgerPaused
		}
		if !paused && !account.Paused {
			return ErrLedgerNotPaused
		}
		account.Paused = paused
		account.UpdatedAt = now.UTC()
		if err := tx.SaveTreasury(ctx, account); err != nil {
			return err
		}
		return appendAudit(ctx, tx, kind, caller.ID, nil, 0, nil, now)
	})
	if err != nil {
		l.reject(op, err)
		return err
	}

	slog.Warn("Ledger pause state changed", "paused", paused, "actor", caller.ID)
	return nil
}

// EmergencyWithdraw drains the whole balance to recipient. Only allowed
// while the ledger is paused.
func (l *TreasuryLedger) EmergencyWithdraw(ctx context.Context, caller models.Caller, recipient string) (int64, error) {
	const op = "emergency_withdraw"
	if err := requireCapability(caller, models.CapTreasuryAdmin, op); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	var amount int64
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		if strings.TrimSpace(recipient) == "" {
			return ErrInvalidRecipient
		}
		account, err := tx.GetTreasury(ctx)
		if err != nil {
			return err
		}
		if !account.Paused {
			return ErrLedgerNotPaused
		}
		amount = account.Balance
		if amount <= 0 {
			return ErrZeroAmount.With("balance", amount)
		}

		fees := account.AccumulatedFees
		account.Balance = 0
		account.AccumulatedFees = 0
		account.UpdatedAt = now.UTC()
		if err := tx.SaveTreasury(ctx, account); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, models.AuditEmergencyWithdraw, caller.ID, nil, amount,
			map[string]any{"recipient": recipient, "fees_included": fees}, now); err != nil {
			return err
		}
		return l.release(ctx, recipient, amount)
	})
	if err != nil {
		l.reject(op, err, "recipient", recipient)
		return 0, err
	}

	slog.Warn("Emergency withdrawal executed", "recipient", recipient, "amount", amount, "actor", caller.ID)
	l.publishSnapshot()
	return amount, nil
}

// Fund adds capital from the funding pool so reserves can recover.
func (l *TreasuryLedger) Fund(ctx context.Context, caller models.Caller, amount int64, from string) error {
	const op = "fund"
	if err := requireCapability(caller, models.CapTreasuryAdmin, op); err != nil {
		return err
	}

	now := l.clock.Now()
	err := l.store.Update(ctx, func(tx repository.Tx) error {
		if amount <= 0 {
			return ErrZeroAmount.With("amount", amount)
		}
		if strings.TrimSpace(from) == "" {
			return ErrInvalidPayer
		}
		account, err := tx.GetTreasury(ctx)
		if err != nil {
			return err
		}
		if account.Paused {
			return ErrLedgerPaused
		}
		account.Balance += amount
		account.UpdatedAt = now.UTC()
		if err := tx.SaveTreasury(ctx, account); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, models.AuditCapitalProvided, caller.ID, nil, amount,
			map[string]any{"from": from}, now); err != nil {
			return err
		}
		if l.pool != nil {
			if err := l.pool.ProvideCapital(ctx, from, amount); err != nil {
				return ErrTransferFailed.With("amount", amount).Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		l.reject(op, err, "amount", amount)
		return err
	}

	slog.Info("Capital provided", "from", from, "amount", amount)
	l.publishSnapshot()
	return nil
}

func (l *TreasuryLedger) release(ctx context.Context, recipient string, amount int64) error {
	if l.pool == nil {
		return nil
	}
	if err := l.pool.Release(ctx, recipient, amount); err != nil {
		return ErrTransferFailed.With("recipient", recipient, "amount", amount).Wrap(err)
	}
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

func (l *TreasuryLedger) account(ctx context.Context) (*models.TreasuryAccount, error) {
	var account *models.TreasuryAccount
	err := l.store.View(ctx, func(tx repository.Tx) error {
		var err error
		account, err = tx.GetTreasury(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read treasury account: %w", err)
	}
	return account, nil
}

func (l *TreasuryLedger) GetBalance(ctx context.Context) (int64, error) {
	account, err := l.account(ctx)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (l *TreasuryLedger) GetAvailableForPayouts(ctx context.Context) (int64, error) {
	account, err := l.account(ctx)
	if err != nil {
		return 0, err
	}
	return account.AvailableForPayouts(l.rules.MinReservePct), nil
}

func (l *TreasuryLedger) MeetsReserveRequirement(ctx context.Context) (bool, error) {
	account, err := l.account(ctx)
	if err != nil {
		return false, err
	}
	return account.MeetsReserveRequirement(l.rules.MinReservePct), nil
}

func (l *TreasuryLedger) GetReserveRatio(ctx context.Context) (int64, error) {
	account, err := l.account(ctx)
	if err != nil {
		return 0, err
	}
	return account.ReserveRatio(), nil
}

func (l *TreasuryLedger) Summary(ctx context.Context) (*models.TreasurySummary, error) {
	account, err := l.account(ctx)
	if err != nil {
		return nil, err
	}
	summary := models.NewTreasurySummary(*account, l.rules.MinReservePct)
	return &summary, nil
}

func (l *TreasuryLedger) RecentAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	err := l.store.View(ctx, func(tx repository.Tx) error {
		var err error
		records, err = tx.RecentAudit(ctx, limit)
		return err
	})
	return records, err
}

// publishSnapshot refreshes the treasury gauges. Failures only cost a
// stale gauge.
func (l *TreasuryLedger) publishSnapshot() {
	if l.metrics == nil {
		return
	}
	if _, err := l.PublishSnapshot(context.Background()); err != nil {
		slog.Warn("Failed to refresh treasury gauges", "error", err)
	}
}

// PublishSnapshot reads the account and pushes it to the gauges.
func (l *TreasuryLedger) PublishSnapshot(ctx context.Context) (*models.TreasurySummary, error) {
	summary, err := l.Summary(ctx)
	if err != nil {
		return nil, err
	}
	l.metrics.SetTreasury(summary.Balance, summary.RequiredReserve, summary.AvailableForPayouts,
		summary.ReserveRatio, summary.MeetsReserveRequirement)
	return summary, nil
}

func (l *TreasuryLedger) reject(operation string, err error, attrs ...any) {
	logRejection(operation, err, attrs...)
	l.metrics.TreasuryRejected(operation, CodeOf(err))
}

// CheckReserves refreshes the gauges and warns when the balance no longer
// covers the required reserve.
func (l *TreasuryLedger) CheckReserves(ctx context.Context) error {
	summary, err := l.PublishSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("reserve check: %w", err)
	}
	if !summary.MeetsReserveRequirement {
		slog.Warn("Treasury below required reserve",
			"balance", summary.Balance,
			"required_reserve", summary.RequiredReserve,
			"reserve_ratio", summary.ReserveRatio)
	}
	return nil
}
